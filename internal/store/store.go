package store

import (
	"context"
	"time"

	"github.com/nhle/mailwatch/internal/model"
)

// Store persists watch checkpoints and the per-consumer dedup ledger.
// Every method is scoped to a single consumer, so independent watchers
// may share one Store.
type Store interface {
	// === Checkpoints ===

	// LoadCheckpoint returns nil, nil when the consumer has none.
	LoadCheckpoint(ctx context.Context, consumerID string) (*model.Checkpoint, error)

	// SaveCheckpoint upserts the checkpoint. Within one UIDValidity the
	// stored cursor only moves forward; a new UIDValidity replaces it.
	SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error

	// === Dedup ledger ===

	IsAlreadyDelivered(ctx context.Context, messageID, consumerID string) (bool, error)

	// MarkDelivered inserts the ledger row if absent. Repeating it is a
	// no-op.
	MarkDelivered(ctx context.Context, d model.Delivery) error

	GetDeliveryStats(ctx context.Context, consumerID string) (*model.DeliveryStats, error)

	// === Maintenance ===

	// Reset removes the checkpoint and every ledger row of a consumer.
	Reset(ctx context.Context, consumerID string) error

	// PurgeDeliveredBefore deletes ledger rows delivered before t and
	// returns how many were removed.
	PurgeDeliveredBefore(ctx context.Context, t time.Time) (int64, error)

	Close() error
}
