package watch

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// waiter blocks between fetch cycles.
type waiter interface {
	Wait(ctx context.Context) error
}

// pollWaiter sleeps a fixed interval.
type pollWaiter struct {
	interval time.Duration
	after    func(time.Duration) <-chan time.Time
}

func (p *pollWaiter) Wait(ctx context.Context) error {
	select {
	case <-p.after(p.interval):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// idleWaiter parks the session in IMAP IDLE. A timeout also ends the
// wait so a missed EXISTS is caught by the next fetch.
type idleWaiter struct {
	session IdleSession
	timeout time.Duration
	log     zerolog.Logger
}

func (i *idleWaiter) Wait(ctx context.Context) error {
	changed, err := i.session.WaitForChange(ctx, i.timeout)
	if err != nil {
		return err
	}
	if changed {
		i.log.Debug().Msg("server reported new messages")
	}
	return nil
}
