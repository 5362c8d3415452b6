// Package notify holds the notification sinks a watcher hands new
// messages to.
package notify

import (
	"strings"
	"time"

	"github.com/nhle/mailwatch/internal/model"
)

// Event is the payload published by broker sinks.
type Event struct {
	ConsumerID string              `json:"consumer_id"`
	Message    model.MessageRecord `json:"message"`
	DetectedAt time.Time           `json:"detected_at"`
}

// DedupKey identifies a delivery to brokers that deduplicate.
func DedupKey(consumerID, messageID string) string {
	return consumerID + "|" + messageID
}

// subjectToken makes s safe as a single NATS subject token or Redis key
// segment.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', ':':
			return '_'
		}
		return r
	}, s)
}
