package model

import "time"

// MessageRecord is the structured form of a newly arrived message, as
// handed to notification sinks.
type MessageRecord struct {
	// ID is the stable identifier used for the dedup ledger: the decimal
	// UID, or "sha256:<hex>" when the server supplied no UID.
	ID string `json:"id"`

	// Position is the server UID used for cursor advancement. Zero when
	// unknown.
	Position uint32 `json:"position"`

	// WeakID reports that ID is a content hash over sender address,
	// subject and receive time. Distinct messages sharing all three
	// collide.
	WeakID bool `json:"weak_id,omitempty"`

	Sender         string    `json:"sender"`
	SenderAddress  string    `json:"sender_address"`
	Subject        string    `json:"subject"`
	Preview        string    `json:"preview"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
}
