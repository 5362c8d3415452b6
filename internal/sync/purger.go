// Package sync runs background maintenance next to the watchers.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"
)

// purgeTimeout is the maximum time allowed for a single purge.
const purgeTimeout = 30 * time.Second

// DefaultPurgeInterval is how often the ledger is pruned.
const DefaultPurgeInterval = 24 * time.Hour

// LedgerPruner deletes ledger rows older than a cutoff.
type LedgerPruner interface {
	PurgeDeliveredBefore(ctx context.Context, t time.Time) (int64, error)
}

// PurgeStatus holds the outcome of the most recent purge.
type PurgeStatus struct {
	LastRun time.Time
	Removed int64
	Error   error
}

// Purger periodically removes delivery ledger rows past the retention
// window. A zero retention disables it.
type Purger struct {
	store     LedgerPruner
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time

	triggerCh chan struct{}

	mu      gosync.Mutex
	status  PurgeStatus
	running bool
}

// NewPurger creates a purger keeping retentionDays of ledger history.
func NewPurger(s LedgerPruner, retentionDays int, log zerolog.Logger) *Purger {
	return &Purger{
		store:     s,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  DefaultPurgeInterval,
		log:       log.With().Str("component", "purger").Logger(),
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
	}
}

// SetInterval overrides the time between purges.
func (p *Purger) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Enabled reports whether a retention window is configured.
func (p *Purger) Enabled() bool { return p.retention > 0 }

// PurgeOnce removes every ledger row delivered before now minus the
// retention window.
func (p *Purger) PurgeOnce(ctx context.Context) (int64, error) {
	if !p.Enabled() {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PurgeDeliveredBefore(ctx, cutoff)

	p.mu.Lock()
	p.status = PurgeStatus{LastRun: p.now(), Removed: n, Error: err}
	p.mu.Unlock()

	if err != nil {
		p.log.Error().Err(err).Msg("ledger purge failed")
		return 0, err
	}
	if n > 0 {
		p.log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("ledger purged")
	}
	return n, nil
}

// Run purges immediately and then on every interval until ctx ends.
// It returns at once when retention is disabled or Run is already active.
func (p *Purger) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_, _ = p.PurgeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.PurgeOnce(ctx)
		case <-p.triggerCh:
			_, _ = p.PurgeOnce(ctx)
		}
	}
}

// Trigger asks a running purger to purge now.
func (p *Purger) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns the outcome of the most recent purge.
func (p *Purger) Status() PurgeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
