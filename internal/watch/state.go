// Package watch runs one watcher per consumer: a state machine that keeps
// an IMAP session open, detects arrivals above a persisted UID cursor and
// hands each new message to a notifier exactly once per consumer.
package watch

import (
	"fmt"
	"time"
)

// Phase is the watcher's position in its state machine.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseWaiting
	PhaseFetching
	PhaseNotifying
	PhaseBackoff
	PhaseStopped
)

var phaseNames = [...]string{
	PhaseDisconnected: "disconnected",
	PhaseConnecting:   "connecting",
	PhaseWaiting:      "waiting",
	PhaseFetching:     "fetching",
	PhaseNotifying:    "notifying",
	PhaseBackoff:      "backoff",
	PhaseStopped:      "stopped",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase by name in JSON output.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Status is a point-in-time snapshot of one watcher.
type Status struct {
	ConsumerID        string    `json:"consumer_id"`
	Phase             Phase     `json:"phase"`
	Cursor            uint32    `json:"cursor"`
	HasCursor         bool      `json:"has_cursor"`
	UIDValidity       uint32    `json:"uid_validity"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	Delivered         int64     `json:"delivered"`
	StartedAt         time.Time `json:"started_at"`
	LastFetchAt       time.Time `json:"last_fetch_at,omitempty"`
	Running           bool      `json:"running"`
}
