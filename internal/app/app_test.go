package app

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/watch"
	"github.com/nhle/mailwatch/tests/testutil"
)

func startMemServer(t *testing.T) (*imapmemserver.User, model.MailboxConfig) {
	t.Helper()

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("alice@example.com", "secret")
	require.NoError(t, user.Create("INBOX", nil))
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapIMAP4rev2: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Close() })

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	return user, model.MailboxConfig{
		Host:     host,
		Port:     port,
		Username: "alice@example.com",
		Insecure: true,
		Folder:   "INBOX",
	}
}

func appendMessage(t *testing.T, user *imapmemserver.User, subject string) {
	t.Helper()
	raw := "From: Bob <bob@example.com>\r\nTo: alice@example.com\r\nSubject: " + subject +
		"\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nhello\r\n"
	_, err := user.Append("INBOX", bytes.NewReader([]byte(raw)), &imap.AppendOptions{})
	require.NoError(t, err)
}

type inbox struct {
	mu   sync.Mutex
	msgs []model.MessageRecord
}

func (i *inbox) Notify(_ context.Context, _ string, msg model.MessageRecord) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, msg)
	return nil
}

func (i *inbox) subjects() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.msgs))
	for n, m := range i.msgs {
		out[n] = m.Subject
	}
	return out
}

type staticResolver struct {
	password string
	err      error
}

func (r staticResolver) ResolvePassword(c model.ConsumerConfig) (model.MailboxConfig, error) {
	mb := c.Mailbox
	mb.Password = r.password
	return mb, r.err
}

func testConfig(consumers ...model.ConsumerConfig) *model.AppConfig {
	return &model.AppConfig{
		Consumers: consumers,
		Watch: model.WatchConfig{
			Mode:                 model.WatchModePoll,
			PollIntervalSec:      1,
			IdleTimeoutSec:       60,
			MaxConsecutiveErrors: 5,
			BackoffBaseSec:       1,
			BackoffMaxSec:        2,
			PreviewLength:        100,
		},
	}
}

func TestRunDeliversNewMail(t *testing.T) {
	user, mb := startMemServer(t)
	appendMessage(t, user, "before start")

	st := testutil.NewTestStore(t)
	got := &inbox{}
	cfg := testConfig(model.ConsumerConfig{ID: "alice", Mailbox: mb})

	a, err := New(cfg, zerolog.Nop(),
		WithStore(st),
		WithNotifier(got),
		WithCredentials(staticResolver{password: "secret"}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		cp, err := st.LoadCheckpoint(context.Background(), "alice")
		return err == nil && cp != nil
	}, 5*time.Second, 20*time.Millisecond)

	appendMessage(t, user, "after start")

	require.Eventually(t, func() bool {
		return len(got.subjects()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"after start"}, got.subjects())

	require.Eventually(t, func() bool {
		cp, err := st.LoadCheckpoint(context.Background(), "alice")
		return err == nil && cp != nil && cp.Cursor == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	delivered, err := st.IsAlreadyDelivered(context.Background(), "2", "alice")
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestNewWatcherRequiresPassword(t *testing.T) {
	cfg := testConfig()
	a, err := New(cfg, zerolog.Nop(), WithStore(testutil.NewTestStore(t)), WithNotifier(&inbox{}))
	require.NoError(t, err)

	c := model.ConsumerConfig{ID: "bob", Mailbox: model.MailboxConfig{Host: "imap.example.com", Username: "bob"}}

	_, err = a.newWatcher(c)
	assert.ErrorContains(t, err, "no password configured")

	a.creds = staticResolver{err: errors.New("keyring locked")}
	_, err = a.newWatcher(c)
	assert.EqualError(t, err, "keyring locked")

	a.creds = staticResolver{password: "pw"}
	w, err := a.newWatcher(c)
	require.NoError(t, err)
	assert.Equal(t, "bob", w.ConsumerID())
	assert.Equal(t, watch.PhaseDisconnected, w.Status().Phase)
}

func TestRunSkipsDisabledConsumers(t *testing.T) {
	off := false
	cfg := testConfig(model.ConsumerConfig{
		ID:      "carol",
		Enabled: &off,
		Mailbox: model.MailboxConfig{Host: "127.0.0.1", Port: "1", Username: "carol", Password: "x"},
	})

	a, err := New(cfg, zerolog.Nop(), WithStore(testutil.NewTestStore(t)), WithNotifier(&inbox{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, a.registry.IsRunning("carol"))
}
