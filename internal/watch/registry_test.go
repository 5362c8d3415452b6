package watch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/mailbox"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/tests/testutil"
)

func consumer(id string) model.ConsumerConfig {
	return model.ConsumerConfig{ID: id, Mailbox: model.MailboxConfig{Folder: "INBOX"}}
}

func TestRegistryStartStop(t *testing.T) {
	s := testutil.NewTestStore(t)
	factory := func(c model.ConsumerConfig) (*Watcher, error) {
		cfg := testConfig()
		cfg.ConsumerID = c.ID
		return New(cfg, newFakeSession(1, 2, 3), s, &recordingNotifier{}, WithTimer(blockingTimer)), nil
	}

	r := NewRegistry(context.Background(), factory, zerolog.Nop())

	require.NoError(t, r.Start(consumer("a")))
	assert.ErrorIs(t, r.Start(consumer("a")), ErrAlreadyRunning)
	assert.True(t, r.IsRunning("a"))

	require.Eventually(t, func() bool {
		st, ok := r.Status("a")
		return ok && st.Phase == PhaseWaiting && st.Cursor == 3
	}, waitFor, tick)

	require.NoError(t, r.Stop("a"))
	assert.False(t, r.IsRunning("a"))

	st, ok := r.Status("a")
	require.True(t, ok)
	assert.Equal(t, PhaseStopped, st.Phase)
	assert.False(t, st.Running)

	assert.ErrorIs(t, r.Stop("a"), ErrNotRunning)

	// A stopped consumer can be started again.
	require.NoError(t, r.Start(consumer("a")))
	r.StopAll()
	assert.False(t, r.IsRunning("a"))
}

func TestRegistryStopAll(t *testing.T) {
	s := testutil.NewTestStore(t)
	factory := func(c model.ConsumerConfig) (*Watcher, error) {
		cfg := testConfig()
		cfg.ConsumerID = c.ID
		return New(cfg, newFakeSession(1), s, &recordingNotifier{}, WithTimer(blockingTimer)), nil
	}

	r := NewRegistry(context.Background(), factory, zerolog.Nop())
	require.NoError(t, r.Start(consumer("b")))
	require.NoError(t, r.Start(consumer("a")))

	r.StopAll()

	statuses := r.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "a", statuses[0].ConsumerID)
	assert.Equal(t, "b", statuses[1].ConsumerID)
	for _, st := range statuses {
		assert.Equal(t, PhaseStopped, st.Phase)
	}
}

func TestRegistryReportsFatalWatcher(t *testing.T) {
	s := testutil.NewTestStore(t)
	factory := func(c model.ConsumerConfig) (*Watcher, error) {
		sess := newFakeSession()
		sess.connectErr = &mailbox.ConnectionError{Op: "login", Addr: "imap:993", Err: errNetwork}
		cfg := testConfig()
		cfg.ConsumerID = c.ID
		cfg.Backoff = Backoff{Base: time.Millisecond, Max: time.Millisecond, MaxErrors: 1}
		return New(cfg, sess, s, &recordingNotifier{}), nil
	}

	r := NewRegistry(context.Background(), factory, zerolog.Nop())

	type fatal struct {
		id  string
		err error
	}
	fatals := make(chan fatal, 1)
	r.OnFatal(func(id string, err error) { fatals <- fatal{id, err} })

	require.NoError(t, r.Start(consumer("c")))

	select {
	case f := <-fatals:
		assert.Equal(t, "c", f.id)
		assert.ErrorIs(t, f.err, ErrTooManyErrors)
	case <-time.After(waitFor):
		t.Fatal("fatal hook not called")
	}

	assert.False(t, r.IsRunning("c"))
	st, ok := r.Status("c")
	require.True(t, ok)
	assert.Contains(t, st.LastError, "too many consecutive errors")
}

func TestRegistryStopTimeoutCancels(t *testing.T) {
	s := testutil.NewTestStore(t)
	release := make(chan struct{})
	defer close(release)

	factory := func(c model.ConsumerConfig) (*Watcher, error) {
		cfg := testConfig()
		cfg.ConsumerID = c.ID
		// The notifier ignores Stop and only returns on cancellation.
		n := NotifierFunc(func(ctx context.Context, _ string, _ model.MessageRecord) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-release:
				return nil
			}
		})
		seedCheckpoint(t, s, 1, 1)
		return New(cfg, newFakeSession(1, 2), s, n, WithTimer(blockingTimer)), nil
	}

	r := NewRegistry(context.Background(), factory, zerolog.Nop())
	r.SetStopTimeout(20 * time.Millisecond)
	require.NoError(t, r.Start(consumer(testConsumer)))

	require.Eventually(t, func() bool {
		st, _ := r.Status(testConsumer)
		return st.Phase == PhaseNotifying
	}, waitFor, tick)

	require.NoError(t, r.Stop(testConsumer))
	assert.False(t, r.IsRunning(testConsumer))

	// The cancelled delivery did not move the cursor.
	cp, err := s.LoadCheckpoint(context.Background(), testConsumer)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cp.Cursor)
}
