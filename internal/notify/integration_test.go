package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSIntegrationPublishDedup(t *testing.T) {
	url := os.Getenv("MAILWATCH_TEST_NATS_URL")
	if url == "" {
		t.Skip("MAILWATCH_TEST_NATS_URL not set")
	}

	prefix := "mwtest" + uuid.NewString()[:8]
	n, err := NewNATS(url, prefix)
	require.NoError(t, err)
	defer n.Close()
	defer func() { _ = n.js.DeleteStream(StreamName(prefix)) }()

	ctx := context.Background()
	rec := sampleRecord()
	require.NoError(t, n.Notify(ctx, "alice", rec))
	require.NoError(t, n.Notify(ctx, "alice", rec))

	info, err := n.js.StreamInfo(StreamName(prefix))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	sub, err := n.js.SubscribeSync(Subject(prefix, "alice"), nats.DeliverAll())
	require.NoError(t, err)
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "alice", ev.ConsumerID)
	assert.Equal(t, "42", ev.Message.ID)
}

func TestRedisIntegrationAppend(t *testing.T) {
	addr := os.Getenv("MAILWATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MAILWATCH_TEST_REDIS_ADDR not set")
	}

	prefix := "mwtest" + uuid.NewString()[:8]
	r, err := NewRedis(RedisConfig{Addr: addr, Prefix: prefix, MaxLen: 100})
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()
	key := StreamKey(prefix, "alice")
	defer r.client.Del(ctx, key)

	require.NoError(t, r.Notify(ctx, "alice", sampleRecord()))

	entries, err := r.client.XRange(ctx, key, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice|42", entries[0].Values["dedup_key"])
}
