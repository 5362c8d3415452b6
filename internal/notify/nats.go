package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nhle/mailwatch/internal/model"
)

// NATS publishes events to JetStream. The Nats-Msg-Id header carries the
// consumer and message id, so a replay after a crash inside the
// duplicate window is dropped by the server.
type NATS struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	prefix string
	now    func() time.Time
}

// NewNATS connects to url and makes sure the stream for prefix exists.
func NewNATS(url, prefix string) (*NATS, error) {
	if prefix == "" {
		prefix = "mailwatch"
	}

	nc, err := nats.Connect(url, nats.Name("mailwatch"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting JetStream context: %w", err)
	}

	n := &NATS{nc: nc, js: js, prefix: subjectToken(prefix), now: time.Now}
	if err := n.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return n, nil
}

// StreamName is the JetStream stream holding all of prefix's subjects.
func StreamName(prefix string) string {
	return strings.ToUpper(subjectToken(prefix)) + "_MAIL"
}

// Subject is where events for consumerID are published.
func Subject(prefix, consumerID string) string {
	return subjectToken(prefix) + "." + subjectToken(consumerID) + ".mail.received"
}

func (n *NATS) ensureStream() error {
	name := StreamName(n.prefix)
	if info, err := n.js.StreamInfo(name); err == nil && info != nil {
		return nil
	}

	_, err := n.js.AddStream(&nats.StreamConfig{
		Name:       name,
		Subjects:   []string{n.prefix + ".*.mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("creating stream %s: %w", name, err)
	}
	return nil
}

func (n *NATS) Notify(ctx context.Context, consumerID string, msg model.MessageRecord) error {
	payload, err := json.Marshal(Event{ConsumerID: consumerID, Message: msg, DetectedAt: n.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	subject := Subject(n.prefix, consumerID)
	if _, err := n.js.Publish(subject, payload, nats.MsgId(DedupKey(consumerID, msg.ID)), nats.Context(ctx)); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
