package model

import "time"

// Checkpoint is the persisted watch position for one consumer.
type Checkpoint struct {
	ConsumerID string `db:"consumer_id" json:"consumer_id"`

	// Mailbox is the folder the cursor refers to.
	Mailbox string `db:"mailbox" json:"mailbox"`

	// Cursor is the highest UID fully processed. It never decreases while
	// UIDValidity is unchanged.
	Cursor uint32 `db:"cursor_uid" json:"cursor"`

	// UIDValidity identifies the UID numbering the cursor belongs to.
	UIDValidity uint32 `db:"uid_validity" json:"uid_validity"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Delivery is a dedup ledger entry: presence means the message was
// handed to the consumer.
type Delivery struct {
	MessageID     string    `db:"message_id" json:"message_id"`
	ConsumerID    string    `db:"consumer_id" json:"consumer_id"`
	SenderAddress string    `db:"sender_address" json:"sender_address"`
	Subject       string    `db:"subject" json:"subject"`
	DeliveredAt   time.Time `db:"delivered_at" json:"delivered_at"`
}

// DeliveryStats summarizes the ledger for one consumer.
type DeliveryStats struct {
	ConsumerID    string     `json:"consumer_id"`
	Count         int        `json:"count"`
	LastDelivered *time.Time `json:"last_delivered,omitempty"`
}
