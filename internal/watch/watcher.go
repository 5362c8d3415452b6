package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/mailbox"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/parser"
	"github.com/nhle/mailwatch/internal/store"
)

// Session is the mailbox connection a watcher drives.
type Session interface {
	Connect(ctx context.Context) (mailbox.Baseline, error)
	FetchNewSince(ctx context.Context, cursor uint32) ([]mailbox.RawMessage, error)
	Disconnect() error
}

// IdleSession is a Session that can block until the server reports a
// change.
type IdleSession interface {
	Session
	WaitForChange(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config tunes one watcher.
type Config struct {
	ConsumerID   string
	Mailbox      string
	Mode         model.WatchMode
	PollInterval time.Duration
	IdleTimeout  time.Duration
	Backoff      Backoff
}

// ConfigFrom builds a watcher config for consumer from the shared watch
// settings.
func ConfigFrom(consumer model.ConsumerConfig, wc model.WatchConfig) Config {
	return Config{
		ConsumerID:   consumer.ID,
		Mailbox:      consumer.Mailbox.Folder,
		Mode:         wc.Mode,
		PollInterval: time.Duration(wc.PollIntervalSec) * time.Second,
		IdleTimeout:  time.Duration(wc.IdleTimeoutSec) * time.Second,
		Backoff: Backoff{
			Base:      time.Duration(wc.BackoffBaseSec) * time.Second,
			Max:       time.Duration(wc.BackoffMaxSec) * time.Second,
			MaxErrors: wc.MaxConsecutiveErrors,
		},
	}
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLogger sets the watcher's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(w *Watcher) { w.log = log }
}

// WithParser replaces the default message parser.
func WithParser(p *parser.Parser) Option {
	return func(w *Watcher) { w.parser = p }
}

// WithTimer replaces time.After for poll and backoff sleeps.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(w *Watcher) { w.after = after }
}

// Watcher watches one consumer's mailbox. Run drives it; Stop, Status
// and Done may be called from any goroutine.
type Watcher struct {
	cfg        Config
	session    Session
	store      store.Store
	detector   *mailbox.ChangeDetector
	parser     *parser.Parser
	dispatcher *Dispatcher
	waiter     waiter
	log        zerolog.Logger
	after      func(time.Duration) <-chan time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	status  Status
	started bool

	// staleLedger is set when the checkpoint belongs to an old UID
	// numbering; its ledger ids would shadow new messages.
	staleLedger bool
}

// New creates a watcher for cfg. Nothing happens until Run.
func New(cfg Config, session Session, s store.Store, notifier Notifier, opts ...Option) *Watcher {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Backoff.Base <= 0 || cfg.Backoff.Max <= 0 {
		cfg.Backoff = DefaultBackoff
	}

	w := &Watcher{
		cfg:      cfg,
		session:  session,
		store:    s,
		detector: mailbox.NewChangeDetector(session),
		parser:   parser.New(parser.DefaultPreviewLength),
		log:      zerolog.Nop(),
		after:    time.After,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		status: Status{
			ConsumerID: cfg.ConsumerID,
			Phase:      PhaseDisconnected,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With().Str("consumer_id", cfg.ConsumerID).Str("mailbox", cfg.Mailbox).Logger()
	w.dispatcher = NewDispatcher(s, notifier, w.log)

	w.waiter = &pollWaiter{interval: cfg.PollInterval, after: w.after}
	if cfg.Mode == model.WatchModeIdle {
		if idle, ok := session.(IdleSession); ok {
			w.waiter = &idleWaiter{session: idle, timeout: cfg.IdleTimeout, log: w.log}
		} else {
			w.log.Warn().Msg("session does not support IDLE, falling back to polling")
		}
	}

	return w
}

// ConsumerID returns the consumer this watcher serves.
func (w *Watcher) ConsumerID() string { return w.cfg.ConsumerID }

// Stop asks Run to return after the current step. It does not wait; use
// Done for that. Cancelling Run's context aborts in-flight I/O instead.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Done is closed when Run has returned.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Status returns a snapshot of the watcher state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// errStopped unwinds the loop after a stop request.
var errStopped = errors.New("watcher stopped")

// Run drives the state machine until Stop, ctx cancellation or a fatal
// error. It returns nil on a requested stop, and an error wrapping
// ErrTooManyErrors or a *PersistenceError otherwise. Run may be called
// once.
func (w *Watcher) Run(ctx context.Context) (err error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	w.started = true
	w.status.Running = true
	w.status.StartedAt = time.Now()
	w.mu.Unlock()

	// waitCtx also ends on Stop so waits and sleeps wake promptly.
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	defer func() {
		if derr := w.session.Disconnect(); derr != nil {
			w.log.Debug().Err(derr).Msg("disconnect on stop")
		}
		w.mu.Lock()
		w.status.Phase = PhaseStopped
		w.status.Running = false
		if err != nil {
			w.status.LastError = err.Error()
		}
		w.mu.Unlock()
		close(w.done)
	}()

	w.log.Info().Msg("watcher starting")

	cp, err := w.store.LoadCheckpoint(ctx, w.cfg.ConsumerID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &PersistenceError{Op: "load checkpoint", Err: err}
	}
	if cp != nil {
		w.mu.Lock()
		w.status.Cursor = cp.Cursor
		w.status.HasCursor = true
		w.status.UIDValidity = cp.UIDValidity
		w.mu.Unlock()
		// A checkpoint for another folder is stale.
		if cp.Mailbox != "" && cp.Mailbox != w.cfg.Mailbox {
			w.log.Warn().Str("checkpoint_mailbox", cp.Mailbox).Msg("checkpoint belongs to another folder, re-baselining")
			w.mu.Lock()
			w.status.HasCursor = false
			w.staleLedger = true
			w.mu.Unlock()
		}
	}

	for {
		if w.stopRequested(ctx) {
			w.log.Info().Msg("watcher stopped")
			return nil
		}

		err := w.runSession(ctx, waitCtx)
		switch {
		case err == nil, errors.Is(err, errStopped), ctx.Err() != nil:
			w.log.Info().Msg("watcher stopped")
			return nil
		case isFatal(err):
			w.log.Error().Err(err).Msg("watcher failed")
			return err
		}

		if derr := w.session.Disconnect(); derr != nil {
			w.log.Debug().Err(derr).Msg("disconnect after error")
		}

		if err := w.backoff(waitCtx, err); err != nil {
			if errors.Is(err, errStopped) || ctx.Err() != nil {
				w.log.Info().Msg("watcher stopped")
				return nil
			}
			w.log.Error().Err(err).Msg("watcher failed")
			return err
		}
	}
}

// runSession connects and cycles wait/fetch/notify until an error or a
// stop request.
func (w *Watcher) runSession(ctx, waitCtx context.Context) error {
	w.setPhase(PhaseConnecting)

	baseline, err := w.session.Connect(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.status.ConsecutiveErrors = 0
	w.status.LastError = ""
	w.mu.Unlock()

	if err := w.applyBaseline(ctx, baseline); err != nil {
		return err
	}

	first := true
	for {
		if w.stopRequested(ctx) {
			return errStopped
		}

		if !first {
			w.setPhase(PhaseWaiting)
			if err := w.waiter.Wait(waitCtx); err != nil {
				if w.stopRequested(ctx) {
					return errStopped
				}
				return err
			}
			if w.stopRequested(ctx) {
				return errStopped
			}
		}
		first = false

		if err := w.fetchCycle(ctx); err != nil {
			return err
		}

		w.mu.Lock()
		w.status.ConsecutiveErrors = 0
		w.status.LastFetchAt = time.Now()
		w.mu.Unlock()
	}
}

// applyBaseline seeds the cursor on first run and re-seeds it when the
// server renumbered the mailbox.
func (w *Watcher) applyBaseline(ctx context.Context, b mailbox.Baseline) error {
	w.mu.Lock()
	hasCursor := w.status.HasCursor
	validity := w.status.UIDValidity
	cursor := w.status.Cursor
	stale := w.staleLedger
	w.mu.Unlock()

	switch {
	case !hasCursor:
		w.log.Info().Uint32("cursor", b.UID).Msg("no checkpoint, starting from mailbox baseline")
		cursor = b.UID
	case validity != 0 && b.UIDValidity != 0 && validity != b.UIDValidity:
		w.log.Warn().
			Uint32("old_uid_validity", validity).
			Uint32("new_uid_validity", b.UIDValidity).
			Uint32("cursor", b.UID).
			Msg("mailbox UIDVALIDITY changed, re-baselining")
		cursor = b.UID
		stale = true
	case validity == 0 && b.UIDValidity != 0:
		// Record the validity for a checkpoint written without one.
	default:
		return nil
	}

	// UID-based ledger ids from the old numbering would match new
	// messages, so the consumer's ledger starts over with the cursor.
	if stale {
		if err := w.store.Reset(ctx, w.cfg.ConsumerID); err != nil {
			return &PersistenceError{Op: "reset ledger", Err: err}
		}
		w.mu.Lock()
		w.staleLedger = false
		w.mu.Unlock()
		w.log.Info().Msg("delivery ledger cleared for new UID numbering")
	}

	return w.saveCursor(ctx, cursor, b.UIDValidity)
}

// fetchCycle runs FETCHING and NOTIFYING once.
func (w *Watcher) fetchCycle(ctx context.Context) error {
	w.setPhase(PhaseFetching)

	cursor := w.cursor()
	msgs, err := w.detector.Detect(ctx, cursor)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	w.setPhase(PhaseNotifying)
	w.log.Debug().Uint32("cursor", cursor).Int("count", len(msgs)).Msg("new messages detected")

	for _, raw := range msgs {
		if w.stopRequested(ctx) {
			return nil
		}

		rec, err := w.parser.Parse(raw)
		if err != nil {
			w.log.Warn().Err(err).Uint32("uid", raw.UID).Msg("skipping unparsable message")
		} else {
			outcome, err := w.dispatcher.Dispatch(ctx, w.cfg.ConsumerID, rec)
			if err != nil {
				return err
			}
			// A cancelled callback must not move the cursor past its message.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if outcome == OutcomeDelivered {
				w.mu.Lock()
				w.status.Delivered++
				w.mu.Unlock()
			}
		}

		if raw.UID > w.cursor() {
			if err := w.saveCursor(ctx, raw.UID, w.uidValidity()); err != nil {
				return err
			}
		}
	}

	return nil
}

// saveCursor persists cursor and then publishes it in the status.
func (w *Watcher) saveCursor(ctx context.Context, cursor, validity uint32) error {
	err := w.store.SaveCheckpoint(ctx, model.Checkpoint{
		ConsumerID:  w.cfg.ConsumerID,
		Mailbox:     w.cfg.Mailbox,
		Cursor:      cursor,
		UIDValidity: validity,
	})
	if err != nil {
		return &PersistenceError{Op: "save checkpoint", Err: err}
	}

	w.mu.Lock()
	w.status.Cursor = cursor
	w.status.HasCursor = true
	w.status.UIDValidity = validity
	w.mu.Unlock()
	return nil
}

// backoff records a failure and sleeps before the next connect. It
// returns an ErrTooManyErrors error once the budget is spent, or
// errStopped when interrupted.
func (w *Watcher) backoff(ctx context.Context, cause error) error {
	w.mu.Lock()
	w.status.ConsecutiveErrors++
	n := w.status.ConsecutiveErrors
	w.status.LastError = cause.Error()
	w.status.Phase = PhaseBackoff
	w.mu.Unlock()

	if w.cfg.Backoff.Exhausted(n) {
		return fmt.Errorf("%w (%d): %w", ErrTooManyErrors, n, cause)
	}

	delay := w.cfg.Backoff.Delay(n)
	w.log.Warn().
		Err(cause).
		Int("consecutive_errors", n).
		Dur("retry_in", delay).
		Msg("mailbox error, backing off")

	select {
	case <-w.after(delay):
		return nil
	case <-w.stopCh:
		return errStopped
	case <-ctx.Done():
		return errStopped
	}
}

func (w *Watcher) stopRequested(ctx context.Context) bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return ctx.Err() != nil
	}
}

func (w *Watcher) setPhase(p Phase) {
	w.mu.Lock()
	w.status.Phase = p
	w.mu.Unlock()
}

func (w *Watcher) cursor() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Cursor
}

func (w *Watcher) uidValidity() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.UIDValidity
}
