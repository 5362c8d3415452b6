// Package logging builds the process-wide zerolog logger and holds helpers
// for keeping mailbox addresses and protocol traces out of log output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/model"
)

// New builds a logger from cfg writing to w. Format "json" emits one JSON
// object per line; anything else uses the human console writer.
func New(cfg model.LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if s := strings.TrimSpace(cfg.Level); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var out io.Writer = w
	switch strings.ToLower(cfg.Format) {
	case "json":
	case "", "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// ForConsumer scopes a logger to one watcher.
func ForConsumer(log zerolog.Logger, consumerID, component string) zerolog.Logger {
	return log.With().Str("component", component).Str("consumer_id", consumerID).Logger()
}
