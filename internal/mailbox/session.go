package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/model"
)

const dialTimeout = 30 * time.Second

// IMAPSession owns at most one authenticated IMAP connection with the
// configured folder selected. It never touches cursors or the ledger.
type IMAPSession struct {
	cfg model.MailboxConfig
	log zerolog.Logger

	mu       sync.Mutex
	client   *imapclient.Client
	baseline Baseline

	// changes receives a token when the server announces a new message
	// count (untagged EXISTS), whether or not IDLE is running.
	changes chan struct{}
}

// NewIMAPSession creates a session for cfg. No network I/O happens until
// Connect.
func NewIMAPSession(cfg model.MailboxConfig, log zerolog.Logger) *IMAPSession {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	return &IMAPSession{
		cfg:     cfg,
		log:     log.With().Str("component", "imap").Str("username", logging.MaskEmail(cfg.Username)).Logger(),
		changes: make(chan struct{}, 1),
	}
}

func (s *IMAPSession) addr() string {
	return net.JoinHostPort(s.cfg.Host, s.cfg.Port)
}

// Connected reports whether a session is currently open.
func (s *IMAPSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// Connect dials, authenticates and selects the folder, returning the
// mailbox baseline. While connected it returns the existing baseline
// without any I/O.
func (s *IMAPSession) Connect(ctx context.Context) (Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.baseline, nil
	}

	addr := s.addr()
	client, err := s.dial(ctx, addr)
	if err != nil {
		return Baseline{}, err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return Baseline{}, &ConnectionError{Op: "login", Addr: addr, Err: fmt.Errorf("authentication failed for %s: %w", logging.MaskEmail(s.cfg.Username), err)}
	}

	baseline, err := selectBaseline(client, s.cfg.Folder)
	if err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		return Baseline{}, &ConnectionError{Op: "select", Addr: addr, Err: err}
	}

	s.client = client
	s.baseline = baseline

	s.log.Info().
		Str("mailbox", baseline.Mailbox).
		Uint32("baseline_uid", baseline.UID).
		Uint32("uid_validity", baseline.UIDValidity).
		Msg("imap session established")

	return baseline, nil
}

func (s *IMAPSession) dial(ctx context.Context, addr string) (*imapclient.Client, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Addr: addr, Err: err}
	}

	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: s.cfg.Host},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.signalChange()
				}
			},
		},
	}
	if s.log.GetLevel() <= zerolog.DebugLevel {
		opts.DebugWriter = logging.NewTraceWriter(s.log)
	}

	if s.cfg.TLS {
		tlsConn := tls.Client(conn, opts.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, &ConnectionError{Op: "tls", Addr: addr, Err: err}
		}
		return imapclient.New(tlsConn, opts), nil
	}

	if s.cfg.Insecure {
		return imapclient.New(conn, opts), nil
	}

	client, err := imapclient.NewStartTLS(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, &ConnectionError{Op: "starttls", Addr: addr, Err: err}
	}
	return client, nil
}

// selectBaseline selects folder and derives UIDNEXT-1, asking STATUS when
// the SELECT response omitted UIDNEXT.
func selectBaseline(client *imapclient.Client, folder string) (Baseline, error) {
	data, err := client.Select(folder, nil).Wait()
	if err != nil {
		return Baseline{}, fmt.Errorf("selecting %s: %w", folder, err)
	}

	uidNext := data.UIDNext
	uidValidity := data.UIDValidity
	if uidNext == 0 || uidValidity == 0 {
		status, err := client.Status(folder, &imap.StatusOptions{
			UIDNext:     true,
			UIDValidity: true,
		}).Wait()
		if err != nil {
			return Baseline{}, fmt.Errorf("status %s: %w", folder, err)
		}
		if uidNext == 0 {
			uidNext = status.UIDNext
		}
		if uidValidity == 0 {
			uidValidity = status.UIDValidity
		}
	}

	b := Baseline{Mailbox: folder, UIDValidity: uidValidity}
	if uidNext > 0 {
		b.UID = uint32(uidNext) - 1
	}
	return b, nil
}

// FetchNewSince returns every message with a UID strictly greater than
// cursor, in ascending UID order, fetched with BODY.PEEK[] so the \Seen
// flag is left alone.
func (s *IMAPSession) FetchNewSince(ctx context.Context, cursor uint32) ([]RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil, &FetchError{Op: "fetch", Err: ErrNotConnected}
	}
	if cursor == math.MaxUint32 {
		return nil, nil
	}

	client := s.client
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	var set imap.UIDSet
	set.AddRange(imap.UID(cursor+1), 0)

	searchData, err := client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
	if err != nil {
		s.dropLocked()
		return nil, &FetchError{Op: "search", Err: contextErr(ctx, err)}
	}

	// "N:*" always matches the highest UID, even when it is below N.
	var uids []imap.UID
	for _, uid := range searchData.AllUIDs() {
		if uint32(uid) > cursor {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})

	messages := make([]RawMessage, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			_ = fetchCmd.Close()
			s.dropLocked()
			return nil, &FetchError{Op: "fetch", Err: contextErr(ctx, err)}
		}

		messages = append(messages, RawMessage{
			UID:          uint32(buf.UID),
			InternalDate: buf.InternalDate,
			Body:         buf.FindBodySection(bodySection),
		})
	}

	if err := fetchCmd.Close(); err != nil {
		s.dropLocked()
		return nil, &FetchError{Op: "fetch", Err: contextErr(ctx, err)}
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].UID < messages[j].UID
	})

	s.log.Debug().Uint32("cursor", cursor).Int("count", len(messages)).Msg("fetched new messages")

	return messages, nil
}

// WaitForChange runs IMAP IDLE until the server reports a new message
// count (true), timeout elapses (false) or ctx is done.
func (s *IMAPSession) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return false, &FetchError{Op: "idle", Err: ErrNotConnected}
	}

	select {
	case <-s.changes:
		return true, nil
	default:
	}

	idleCmd, err := s.client.Idle()
	if err != nil {
		s.dropLocked()
		return false, &FetchError{Op: "idle", Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	changed := false
	select {
	case <-s.changes:
		changed = true
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := idleCmd.Close(); err != nil {
		s.dropLocked()
		return false, &FetchError{Op: "idle", Err: err}
	}

	if !changed {
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return changed, nil
}

func (s *IMAPSession) signalChange() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Disconnect logs out and closes the connection. It is safe to call on
// a closed session.
func (s *IMAPSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	err := s.client.Logout().Wait()
	s.dropLocked()
	if err != nil {
		return fmt.Errorf("logging out of %s: %w", s.addr(), err)
	}
	return nil
}

func (s *IMAPSession) dropLocked() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.client = nil
	s.baseline = Baseline{}
}

// contextErr prefers the context's error when a command failed because
// the connection was closed on cancellation.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}
