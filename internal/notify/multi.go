package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/watch"
)

// Multi fans a message out to several sinks. Every sink is tried; the
// dispatch fails if any of them failed.
type Multi struct {
	sinks []watch.Notifier
}

// NewMulti combines sinks.
func NewMulti(sinks ...watch.Notifier) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, consumerID string, msg model.MessageRecord) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, consumerID, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds a connection.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the sinks named in cfg.Sinks ("log", "nats",
// "redis"). An empty list means "log".
func FromConfig(cfg model.NotifyConfig, log zerolog.Logger) (*Multi, error) {
	names := cfg.Sinks
	if len(names) == 0 {
		names = []string{"log"}
	}

	m := &Multi{}
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			m.sinks = append(m.sinks, NewLogger(log))
		case "nats":
			if cfg.NATSURL == "" {
				_ = m.Close()
				return nil, fmt.Errorf("notify sink nats: nats_url is required")
			}
			n, err := NewNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			m.sinks = append(m.sinks, n)
		case "redis":
			if cfg.RedisAddr == "" {
				_ = m.Close()
				return nil, fmt.Errorf("notify sink redis: redis_addr is required")
			}
			r, err := NewRedis(RedisConfig{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				Prefix:   cfg.RedisStreamPrefix,
				MaxLen:   cfg.RedisMaxLen,
			})
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			m.sinks = append(m.sinks, r)
		default:
			_ = m.Close()
			return nil, fmt.Errorf("unknown notify sink %q", name)
		}
	}
	return m, nil
}
