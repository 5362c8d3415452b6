package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/mailwatch/internal/mailbox"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/store"
)

func rawMsg(uid uint32, subject string) mailbox.RawMessage {
	body := fmt.Sprintf("From: Bob <bob@example.com>\r\nSubject: %s\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n\r\nbody of %d\r\n", subject, uid)
	return mailbox.RawMessage{UID: uid, Body: []byte(body), InternalDate: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC)}
}

// fakeSession is a scripted mailbox. Like a real server, a "UID N:*"
// fetch also returns the highest message when it is below N.
type fakeSession struct {
	mu          sync.Mutex
	msgs        []mailbox.RawMessage
	uidValidity uint32
	connected   bool
	connects    int
	fetches     int

	connectErr  error
	connectErrs []error
	fetchErrs   []error
	changes     chan struct{}
}

func newFakeSession(uids ...uint32) *fakeSession {
	s := &fakeSession{uidValidity: 1, changes: make(chan struct{}, 1)}
	for _, uid := range uids {
		s.msgs = append(s.msgs, rawMsg(uid, fmt.Sprintf("message %d", uid)))
	}
	return s
}

func (s *fakeSession) add(msgs ...mailbox.RawMessage) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msgs...)
	s.mu.Unlock()
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *fakeSession) Connect(context.Context) (mailbox.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++
	if s.connectErr != nil {
		return mailbox.Baseline{}, s.connectErr
	}
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return mailbox.Baseline{}, err
	}
	s.connected = true

	var highest uint32
	for _, m := range s.msgs {
		if m.UID > highest {
			highest = m.UID
		}
	}
	return mailbox.Baseline{Mailbox: "INBOX", UID: highest, UIDValidity: s.uidValidity}, nil
}

func (s *fakeSession) FetchNewSince(_ context.Context, cursor uint32) ([]mailbox.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetches++
	if !s.connected {
		return nil, &mailbox.FetchError{Op: "fetch", Err: mailbox.ErrNotConnected}
	}
	if len(s.fetchErrs) > 0 {
		err := s.fetchErrs[0]
		s.fetchErrs = s.fetchErrs[1:]
		s.connected = false
		return nil, err
	}

	var out []mailbox.RawMessage
	var highest mailbox.RawMessage
	for _, m := range s.msgs {
		if m.UID > highest.UID {
			highest = m
		}
		if m.UID > cursor {
			out = append(out, m)
		}
	}
	if len(out) == 0 && highest.UID != 0 {
		out = append(out, highest)
	}
	return out, nil
}

func (s *fakeSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeSession) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// fakeIdleSession adds IDLE support to fakeSession.
type fakeIdleSession struct {
	*fakeSession
	waits int
}

func (s *fakeIdleSession) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	s.waits++
	s.mu.Unlock()

	select {
	case <-s.changes:
		return true, nil
	case <-time.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// recordingNotifier remembers delivered message ids.
type recordingNotifier struct {
	mu    sync.Mutex
	ids   []string
	fail  map[string]error
	panic map[string]bool
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, msg model.MessageRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.panic[msg.ID] {
		panic("boom")
	}
	if err := n.fail[msg.ID]; err != nil {
		return err
	}
	n.ids = append(n.ids, msg.ID)
	return nil
}

func (n *recordingNotifier) delivered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.ids...)
}

// recordingTimer records every requested sleep and fires after 1ms.
type recordingTimer struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingTimer) after(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return time.After(time.Millisecond)
}

// sleepsExcept returns the recorded sleeps other than skip.
func (r *recordingTimer) sleepsExcept(skip time.Duration) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []time.Duration
	for _, d := range r.sleeps {
		if d != skip {
			out = append(out, d)
		}
	}
	return out
}

// cursorLog wraps a store and records every saved cursor.
type cursorLog struct {
	store.Store

	mu      sync.Mutex
	cursors []uint32

	markErr error
}

func (c *cursorLog) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	c.mu.Lock()
	c.cursors = append(c.cursors, cp.Cursor)
	c.mu.Unlock()
	return c.Store.SaveCheckpoint(ctx, cp)
}

func (c *cursorLog) MarkDelivered(ctx context.Context, d model.Delivery) error {
	if c.markErr != nil {
		return c.markErr
	}
	return c.Store.MarkDelivered(ctx, d)
}

func (c *cursorLog) saved() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.cursors...)
}

var errNetwork = errors.New("connection reset by peer")
