package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/forgesync/internal/core/domain"
)

const failedDeliveryTTL = 7 * 24 * time.Hour

// FailedDeliveryRepo parks events that a listener rejected after retries.
type FailedDeliveryRepo struct {
	rdb *redis.Client
}

// NewFailedDeliveryRepo creates a new Redis-backed failed delivery repository.
func NewFailedDeliveryRepo(client *Client) *FailedDeliveryRepo {
	return &FailedDeliveryRepo{rdb: client.rdb}
}

// Key helpers
func (r *FailedDeliveryRepo) queueKey() string {
	return "forgesync:failed_deliveries"
}

func (r *FailedDeliveryRepo) itemKey(id string) string {
	return fmt.Sprintf("forgesync:failed_delivery:%s", id)
}

// Add parks a failed delivery.
func (r *FailedDeliveryRepo) Add(ctx context.Context, fd *domain.FailedDelivery) error {
	data, err := json.Marshal(fd)
	if err != nil {
		return fmt.Errorf("failed to marshal failed delivery: %w", err)
	}

	if err := r.rdb.Set(ctx, r.itemKey(fd.ID), data, failedDeliveryTTL).Err(); err != nil {
		return fmt.Errorf("failed to set failed delivery: %w", err)
	}

	// Score = retry count, lower is retried first
	if err := r.rdb.ZAdd(ctx, r.queueKey(), redis.Z{
		Score:  float64(fd.RetryCount),
		Member: fd.ID,
	}).Err(); err != nil {
		return fmt.Errorf("failed to add to queue: %w", err)
	}
	return nil
}

// GetNext returns the delivery with the fewest retries, nil if none.
func (r *FailedDeliveryRepo) GetNext(ctx context.Context) (*domain.FailedDelivery, error) {
	results, err := r.rdb.ZRange(ctx, r.queueKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	id := results[0]
	fd, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if fd == nil {
		// Data expired but ID still queued
		r.rdb.ZRem(ctx, r.queueKey(), id)
	}
	return fd, nil
}

func (r *FailedDeliveryRepo) get(ctx context.Context, id string) (*domain.FailedDelivery, error) {
	data, err := r.rdb.Get(ctx, r.itemKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed delivery: %w", err)
	}

	var fd domain.FailedDelivery
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failed delivery: %w", err)
	}
	return &fd, nil
}

// IncrementRetry bumps the retry count and records the latest error.
func (r *FailedDeliveryRepo) IncrementRetry(ctx context.Context, id string, lastErr string) error {
	fd, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	if fd == nil {
		return r.MarkResolved(ctx, id)
	}

	fd.RetryCount++
	fd.LastAttempt = time.Now()
	fd.Error = lastErr
	return r.Add(ctx, fd)
}

// MarkResolved removes a delivery that was redriven successfully.
func (r *FailedDeliveryRepo) MarkResolved(ctx context.Context, id string) error {
	if err := r.rdb.ZRem(ctx, r.queueKey(), id).Err(); err != nil {
		return fmt.Errorf("failed to remove from queue: %w", err)
	}
	if err := r.rdb.Del(ctx, r.itemKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete failed delivery: %w", err)
	}
	return nil
}

// GetAll returns every parked delivery.
func (r *FailedDeliveryRepo) GetAll(ctx context.Context) ([]*domain.FailedDelivery, error) {
	ids, err := r.rdb.ZRange(ctx, r.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	out := make([]*domain.FailedDelivery, 0, len(ids))
	for _, id := range ids {
		fd, err := r.get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fd != nil {
			out = append(out, fd)
		}
	}
	return out, nil
}

// Count returns the number of parked deliveries.
func (r *FailedDeliveryRepo) Count(ctx context.Context) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}
