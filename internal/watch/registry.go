package watch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/model"
)

// Factory builds the watcher for a consumer.
type Factory func(consumer model.ConsumerConfig) (*Watcher, error)

// DefaultStopTimeout bounds how long Stop waits for a graceful exit
// before cancelling the watcher's context.
const DefaultStopTimeout = 30 * time.Second

type registryEntry struct {
	watcher *Watcher
	cancel  context.CancelFunc

	// exited is closed once run has recorded the final status.
	exited chan struct{}
}

// Registry owns the running watchers, keyed by consumer id. All starts
// and stops go through it.
type Registry struct {
	ctx         context.Context
	factory     Factory
	log         zerolog.Logger
	stopTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*registryEntry
	last    map[string]Status
	onFatal func(consumerID string, err error)
}

// NewRegistry creates a registry. Watchers run under ctx; cancelling it
// force-stops all of them.
func NewRegistry(ctx context.Context, factory Factory, log zerolog.Logger) *Registry {
	return &Registry{
		ctx:         ctx,
		factory:     factory,
		log:         log.With().Str("component", "registry").Logger(),
		stopTimeout: DefaultStopTimeout,
		entries:     make(map[string]*registryEntry),
		last:        make(map[string]Status),
	}
}

// OnFatal registers fn to be called when a watcher ends with an error.
func (r *Registry) OnFatal(fn func(consumerID string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFatal = fn
}

// SetStopTimeout changes the graceful stop deadline.
func (r *Registry) SetStopTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimeout = d
}

// Start builds and runs a watcher for consumer.
func (r *Registry) Start(consumer model.ConsumerConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[consumer.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, consumer.ID)
	}

	w, err := r.factory(consumer)
	if err != nil {
		return fmt.Errorf("creating watcher %s: %w", consumer.ID, err)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	entry := &registryEntry{watcher: w, cancel: cancel, exited: make(chan struct{})}
	r.entries[consumer.ID] = entry
	delete(r.last, consumer.ID)

	go r.run(ctx, consumer.ID, entry)

	r.log.Info().Str("consumer_id", consumer.ID).Msg("watcher started")
	return nil
}

func (r *Registry) run(ctx context.Context, id string, entry *registryEntry) {
	err := entry.watcher.Run(ctx)
	entry.cancel()

	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == entry {
		delete(r.entries, id)
	}
	r.last[id] = entry.watcher.Status()
	onFatal := r.onFatal
	r.mu.Unlock()
	close(entry.exited)

	if err != nil {
		r.log.Error().Err(err).Str("consumer_id", id).Msg("watcher ended with error")
		if onFatal != nil {
			onFatal(id, err)
		}
		return
	}
	r.log.Info().Str("consumer_id", id).Msg("watcher ended")
}

// Stop stops the watcher for id and waits for it to exit. A watcher that
// does not finish its current step within the stop timeout is cancelled.
func (r *Registry) Stop(id string) error {
	r.mu.RLock()
	entry, ok := r.entries[id]
	timeout := r.stopTimeout
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	r.stopEntry(id, entry, timeout)
	return nil
}

func (r *Registry) stopEntry(id string, entry *registryEntry, timeout time.Duration) {
	entry.watcher.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-entry.watcher.Done():
	case <-timer.C:
		r.log.Warn().Str("consumer_id", id).Dur("timeout", timeout).Msg("graceful stop timed out, cancelling")
		entry.cancel()
	}

	<-entry.exited
}

// StopAll stops every running watcher concurrently and waits for them.
func (r *Registry) StopAll() {
	r.mu.RLock()
	timeout := r.stopTimeout
	entries := make(map[string]*registryEntry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Add(1)
		go func(id string, e *registryEntry) {
			defer wg.Done()
			r.stopEntry(id, e, timeout)
		}(id, e)
	}
	wg.Wait()
}

// IsRunning reports whether a watcher for id is running.
func (r *Registry) IsRunning(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Status returns the status of the running watcher for id, or the final
// status of the last one that ran.
func (r *Registry) Status(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.watcher.Status(), true
	}
	st, ok := r.last[id]
	return st, ok
}

// Statuses returns every known watcher status ordered by consumer id.
func (r *Registry) Statuses() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.entries)+len(r.last))
	for _, e := range r.entries {
		out = append(out, e.watcher.Status())
	}
	for id, st := range r.last {
		if _, running := r.entries[id]; running {
			continue
		}
		out = append(out, st)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConsumerID < out[j].ConsumerID
	})
	return out
}
