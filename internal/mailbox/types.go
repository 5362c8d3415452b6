// Package mailbox talks IMAP to a single remote mailbox and turns the
// server's view into ordered batches of raw messages above a UID cursor.
package mailbox

import "time"

// RawMessage is one fetched message before parsing.
type RawMessage struct {
	// UID is the server-assigned UID, or 0 when the server did not
	// return one.
	UID          uint32
	InternalDate time.Time
	Body         []byte
}

// Baseline is the mailbox position observed when a session connects.
type Baseline struct {
	Mailbox string

	// UID is UIDNEXT-1: every message that exists at connect time has a
	// UID at or below it.
	UID         uint32
	UIDValidity uint32
}
