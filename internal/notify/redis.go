package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nhle/mailwatch/internal/model"
)

// Redis appends events to one capped stream per consumer.
type Redis struct {
	client *redis.Client
	prefix string
	maxLen int64
	now    func() time.Time
}

// RedisConfig configures the Redis sink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxLen   int64
}

// NewRedis connects and pings the server.
func NewRedis(c RedisConfig) (*Redis, error) {
	if c.Prefix == "" {
		c.Prefix = "mailwatch"
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", c.Addr, err)
	}

	return &Redis{client: client, prefix: c.Prefix, maxLen: c.MaxLen, now: time.Now}, nil
}

// StreamKey is the stream events for consumerID are appended to.
func StreamKey(prefix, consumerID string) string {
	return prefix + ":" + subjectToken(consumerID)
}

func (r *Redis) Notify(ctx context.Context, consumerID string, msg model.MessageRecord) error {
	payload, err := json.Marshal(Event{ConsumerID: consumerID, Message: msg, DetectedAt: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	key := StreamKey(r.prefix, consumerID)
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"dedup_key":  DedupKey(consumerID, msg.ID),
			"message_id": msg.ID,
			"event":      payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}
	return nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
