package watch

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyErrors ends Run once consecutive failures exceed the
	// backoff budget.
	ErrTooManyErrors = errors.New("too many consecutive errors")

	// ErrAlreadyRunning is returned when starting a watcher that is
	// already running.
	ErrAlreadyRunning = errors.New("watcher already running")

	// ErrNotRunning is returned when stopping an unknown watcher.
	ErrNotRunning = errors.New("watcher not running")
)

// PersistenceError wraps a checkpoint store failure. Without a durable
// cursor and ledger the watcher cannot keep its delivery guarantees, so a
// PersistenceError always stops it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err (or any error in its chain) is a
// PersistenceError.
func IsPersistenceError(err error) bool {
	var persistErr *PersistenceError
	return errors.As(err, &persistErr)
}

// isFatal reports whether err must end Run.
func isFatal(err error) bool {
	return errors.Is(err, ErrTooManyErrors) || IsPersistenceError(err)
}
