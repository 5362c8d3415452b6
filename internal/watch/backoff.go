package watch

import "time"

// Backoff bounds reconnect attempts after consecutive failures.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// MaxErrors is the number of consecutive failures that are retried.
	// Failure MaxErrors+1 stops the watcher.
	MaxErrors int
}

// DefaultBackoff retries five times, sleeping 2s, 4s, 8s, 16s and 30s.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 30 * time.Second, MaxErrors: 5}

// Delay returns the sleep before reconnecting after the n-th consecutive
// failure: min(Max, Base*2^(n-1)).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether the n-th consecutive failure is fatal.
func (b Backoff) Exhausted(n int) bool {
	return n > b.MaxErrors
}
