package watch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/store"
)

// Notifier receives each new message once per consumer.
type Notifier interface {
	Notify(ctx context.Context, consumerID string, msg model.MessageRecord) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, consumerID string, msg model.MessageRecord) error

func (f NotifierFunc) Notify(ctx context.Context, consumerID string, msg model.MessageRecord) error {
	return f(ctx, consumerID, msg)
}

// Outcome is the result of dispatching one record.
type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeSkipped
	OutcomeCallbackFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCallbackFailed:
		return "callback_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dispatcher checks the ledger, invokes the notifier and records the
// delivery, in that order. A crash between the callback and the ledger
// write re-delivers on restart; nothing is ever recorded as delivered
// before the callback succeeded.
type Dispatcher struct {
	store    store.Store
	notifier Notifier
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(s store.Store, n Notifier, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: s, notifier: n, log: log}
}

// Dispatch delivers msg for consumerID. Only store failures are returned,
// as *PersistenceError; callback failures are logged and reported through
// the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, consumerID string, msg model.MessageRecord) (Outcome, error) {
	delivered, err := d.store.IsAlreadyDelivered(ctx, msg.ID, consumerID)
	if err != nil {
		return OutcomeSkipped, &PersistenceError{Op: "check ledger", Err: err}
	}
	if delivered {
		d.log.Debug().Str("message_id", msg.ID).Msg("already delivered, skipping")
		return OutcomeSkipped, nil
	}

	if err := d.invoke(ctx, consumerID, msg); err != nil {
		d.log.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Str("sender", logging.MaskEmail(msg.SenderAddress)).
			Msg("notification callback failed")
		return OutcomeCallbackFailed, nil
	}

	if err := d.store.MarkDelivered(ctx, model.Delivery{
		MessageID:     msg.ID,
		ConsumerID:    consumerID,
		SenderAddress: msg.SenderAddress,
		Subject:       msg.Subject,
	}); err != nil {
		return OutcomeDelivered, &PersistenceError{Op: "mark delivered", Err: err}
	}

	return OutcomeDelivered, nil
}

// invoke calls the notifier, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, consumerID string, msg model.MessageRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return d.notifier.Notify(ctx, consumerID, msg)
}
