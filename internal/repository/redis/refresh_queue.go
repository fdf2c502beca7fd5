package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/beaconevents/beacon/internal/core/port"
)

const (
	defaultQueueKey     = "refresh_queue"
	defaultHeartbeatKey = "refresh_workers"
)

// RefreshQueueRepository schedules session refreshes in a Redis sorted set,
// scored by the unix timestamp the refresh falls due.
type RefreshQueueRepository struct {
	client       *red.Client
	queueKey     string
	heartbeatKey string
}

// NewRefreshQueueRepository constructs a refresh queue with the provided Redis client and key prefix.
func NewRefreshQueueRepository(client *red.Client, keyPrefix string) *RefreshQueueRepository {
	prefix := strings.TrimSpace(keyPrefix)
	queueKey := defaultQueueKey
	heartbeatKey := defaultHeartbeatKey
	if prefix != "" {
		queueKey = fmt.Sprintf("%s:%s", prefix, defaultQueueKey)
		heartbeatKey = fmt.Sprintf("%s:%s", prefix, defaultHeartbeatKey)
	}

	return &RefreshQueueRepository{
		client:       client,
		queueKey:     queueKey,
		heartbeatKey: heartbeatKey,
	}
}

// Schedule enqueues (or reschedules) the session group for the given deadline.
func (r *RefreshQueueRepository) Schedule(ctx context.Context, group string, due time.Time) error {
	if strings.TrimSpace(group) == "" {
		return errors.New("group is required")
	}

	member := red.Z{Score: float64(due.UTC().Unix()), Member: group}
	if err := r.client.ZAdd(ctx, r.queueKey, member).Err(); err != nil {
		return fmt.Errorf("redis zadd refresh queue: %w", err)
	}

	return nil
}

// Due returns up to limit session groups whose deadline has passed.
func (r *RefreshQueueRepository) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 25
	}

	groups, err := r.client.ZRangeByScore(ctx, r.queueKey, &red.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore refresh queue: %w", err)
	}

	return groups, nil
}

// Remove drops the session group from the queue.
func (r *RefreshQueueRepository) Remove(ctx context.Context, group string) error {
	if strings.TrimSpace(group) == "" {
		return errors.New("group is required")
	}

	if err := r.client.ZRem(ctx, r.queueKey, group).Err(); err != nil {
		return fmt.Errorf("redis zrem refresh queue: %w", err)
	}

	return nil
}

// Heartbeat records worker liveness in a hash keyed by worker id.
func (r *RefreshQueueRepository) Heartbeat(ctx context.Context, worker string, at time.Time) error {
	if strings.TrimSpace(worker) == "" {
		return errors.New("worker is required")
	}

	value := strconv.FormatInt(at.UTC().Unix(), 10)
	if err := r.client.HSet(ctx, r.heartbeatKey, worker, value).Err(); err != nil {
		return fmt.Errorf("redis hset refresh heartbeat: %w", err)
	}

	return nil
}

var _ port.RefreshQueue = (*RefreshQueueRepository)(nil)
