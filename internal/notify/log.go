package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/model"
)

// Logger writes one log line per new message.
type Logger struct {
	log zerolog.Logger
}

// NewLogger creates a logging sink.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "notify").Logger()}
}

func (l *Logger) Notify(_ context.Context, consumerID string, msg model.MessageRecord) error {
	l.log.Info().
		Str("consumer_id", consumerID).
		Str("message_id", msg.ID).
		Str("sender", msg.Sender).
		Str("sender_address", logging.MaskEmail(msg.SenderAddress)).
		Str("subject", msg.Subject).
		Bool("has_attachments", msg.HasAttachments).
		Time("received_at", msg.ReceivedAt).
		Msg("new mail")
	return nil
}
