package store_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/store"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MAILWATCH_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("MAILWATCH_TEST_POSTGRES_DSN not set")
	}
	return dsn
}

func TestPostgresIntegrationCheckpointAndLedger(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	ctx := context.Background()

	s, err := store.Open(dsn)
	require.NoError(t, err)
	defer s.Close()

	consumer := "it-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Reset(context.Background(), consumer) })

	require.NoError(t, s.SaveCheckpoint(ctx, model.Checkpoint{ConsumerID: consumer, Mailbox: "INBOX", Cursor: 20, UIDValidity: 3}))
	require.NoError(t, s.SaveCheckpoint(ctx, model.Checkpoint{ConsumerID: consumer, Mailbox: "INBOX", Cursor: 11, UIDValidity: 3}))

	cp, err := s.LoadCheckpoint(ctx, consumer)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint32(20), cp.Cursor)

	d := model.Delivery{MessageID: "21", ConsumerID: consumer, Subject: "x"}
	require.NoError(t, s.MarkDelivered(ctx, d))
	require.NoError(t, s.MarkDelivered(ctx, d))

	stats, err := s.GetDeliveryStats(ctx, consumer)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
}
