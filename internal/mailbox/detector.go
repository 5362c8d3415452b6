package mailbox

import (
	"context"
	"sort"
)

// Fetcher returns messages the server reports above a cursor.
type Fetcher interface {
	FetchNewSince(ctx context.Context, cursor uint32) ([]RawMessage, error)
}

// ChangeDetector turns a raw fetch into the batch a watcher may dispatch:
// every UID strictly above the cursor, once, in ascending order.
type ChangeDetector struct {
	fetcher Fetcher
}

// NewChangeDetector creates a detector reading from f.
func NewChangeDetector(f Fetcher) *ChangeDetector {
	return &ChangeDetector{fetcher: f}
}

// Detect fetches and normalizes new messages. Messages without a UID
// cannot be compared with the cursor; they are kept and placed after
// the positioned ones in server order.
func (d *ChangeDetector) Detect(ctx context.Context, cursor uint32) ([]RawMessage, error) {
	raw, err := d.fetcher.FetchNewSince(ctx, cursor)
	if err != nil {
		return nil, err
	}
	return normalize(raw, cursor), nil
}

func normalize(raw []RawMessage, cursor uint32) []RawMessage {
	seen := make(map[uint32]bool, len(raw))
	positioned := make([]RawMessage, 0, len(raw))
	var unpositioned []RawMessage

	for _, m := range raw {
		if m.UID == 0 {
			unpositioned = append(unpositioned, m)
			continue
		}
		if m.UID <= cursor || seen[m.UID] {
			continue
		}
		seen[m.UID] = true
		positioned = append(positioned, m)
	}

	sort.Slice(positioned, func(i, j int) bool {
		return positioned[i].UID < positioned[j].UID
	})

	return append(positioned, unpositioned...)
}
