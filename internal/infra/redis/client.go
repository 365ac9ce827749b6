package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// EventStream is the stream outbound events are appended to.
const EventStream = "forgesync:events"

// Client wraps Redis operations for webhook dedup and event fan-out.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks if Redis is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func deliveryKey(deliveryID string) string {
	return fmt.Sprintf("forgesync:delivery:%s", deliveryID)
}

// ClaimDelivery records a webhook delivery ID. It returns false when the ID
// was already claimed within ttl.
func (c *Client) ClaimDelivery(ctx context.Context, deliveryID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, deliveryKey(deliveryID), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

// ReleaseDelivery forgets a claim so a redelivery is processed again.
func (c *Client) ReleaseDelivery(ctx context.Context, deliveryID string) error {
	if err := c.rdb.Del(ctx, deliveryKey(deliveryID)).Err(); err != nil {
		return fmt.Errorf("del failed: %w", err)
	}
	return nil
}

// AppendEvent adds an event to the outbound stream, trimming it to roughly
// maxLen entries.
func (c *Client) AppendEvent(ctx context.Context, ev domain.Event, maxLen int64) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":            string(ev.Kind),
			"event_id":        ev.Context.EventID,
			"idempotency_key": ev.Context.IdempotencyKey,
			"repository":      ev.Context.Repository,
			"data":            data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}
	return id, nil
}
