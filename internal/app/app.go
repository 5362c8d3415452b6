// Package app wires the watchers, store, notifiers and control API into
// one long-running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/httpapi"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/notify"
	"github.com/nhle/mailwatch/internal/store"
	appsync "github.com/nhle/mailwatch/internal/sync"
	"github.com/nhle/mailwatch/internal/watch"
)

// PasswordResolver fills in a consumer's mailbox password.
type PasswordResolver interface {
	ResolvePassword(consumer model.ConsumerConfig) (model.MailboxConfig, error)
}

// App is the running service.
type App struct {
	cfg      *model.AppConfig
	log      zerolog.Logger
	store    store.Store
	creds    PasswordResolver
	notifier watch.Notifier
	closers  []func() error

	registry *watch.Registry
	purger   *appsync.Purger
	api      *httpapi.Server
}

// Option customizes an App.
type Option func(*App)

// WithStore uses s instead of opening cfg.Store.DSN. The caller keeps
// ownership of s.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithNotifier uses n instead of the sinks named in cfg.Notify.
func WithNotifier(n watch.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithCredentials resolves passwords that the config leaves empty.
func WithCredentials(r PasswordResolver) Option {
	return func(a *App) { a.creds = r }
}

// New opens the store and notification sinks named by cfg.
func New(cfg *model.AppConfig, log zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, log: log}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		s, err := store.Open(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	}

	if a.notifier == nil {
		m, err := notify.FromConfig(cfg.Notify, log)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.notifier = m
		a.closers = append(a.closers, m.Close)
	}

	a.purger = appsync.NewPurger(a.store, cfg.Store.RetentionDays, log)
	return a, nil
}

// Run starts every enabled consumer and the control API, then blocks
// until ctx is done. Watchers are stopped gracefully before it returns.
func (a *App) Run(ctx context.Context) error {
	// Watchers outlive ctx so StopAll can let in-flight deliveries commit.
	watchCtx, cancelWatchers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWatchers()

	a.registry = watch.NewRegistry(watchCtx, a.newWatcher, a.log)
	a.registry.OnFatal(func(id string, err error) {
		a.log.Error().Err(err).Str("consumer_id", id).Msg("watcher stopped permanently; restart it via the control API")
	})

	started := 0
	for _, c := range a.cfg.Consumers {
		if !c.IsEnabled() {
			a.log.Info().Str("consumer_id", c.ID).Msg("consumer disabled, skipping")
			continue
		}
		if err := a.registry.Start(c); err != nil {
			a.log.Error().Err(err).Str("consumer_id", c.ID).Msg("starting watcher")
			continue
		}
		started++
	}
	a.log.Info().Int("watchers", started).Int("consumers", len(a.cfg.Consumers)).Msg("mailwatch running")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.purger.Run(ctx)
	}()

	apiErr := make(chan error, 1)
	if a.cfg.HTTP.Addr != "" {
		a.api = httpapi.New(a.registry, a.store, a.cfg, a.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.api.ListenAndServe(ctx, a.cfg.HTTP.Addr); err != nil {
				apiErr <- err
				cancel()
			}
		}()
	}

	<-ctx.Done()
	a.registry.StopAll()
	wg.Wait()

	select {
	case err := <-apiErr:
		return err
	default:
		return nil
	}
}

// Close releases the store and notifier opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("closing app: %w", errors.Join(errs...))
	}
	return nil
}
