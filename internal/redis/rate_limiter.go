package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IngestLimiter throttles batch submissions at the gateway, before any job is
// created. This is request-level protection per caller; the per-user and
// per-domain indexing quotas are enforced separately by the dispatcher.
type IngestLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
	Limit() int
}

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewIngestLimiter returns a Redis-backed sliding-window limiter.
// limit is the maximum number of submissions allowed per window per user.
func NewIngestLimiter(client *redis.Client, limit int, window time.Duration) IngestLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow reports whether the submission is within the allowed rate. It uses a
// Redis sorted set as a timestamp ring buffer.
func (r *slidingWindowLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	rkey := "ingest:ratelimit:" + userID

	pipe := r.client.TxPipeline()
	// Evict timestamps that fell outside the window.
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(windowStart, 10))
	// Record this submission with the current nanosecond timestamp as both score and member.
	pipe.ZAdd(ctx, rkey, redis.Z{Score: float64(now), Member: strconv.FormatInt(now, 10)})
	// Count submissions still in the window.
	countCmd := pipe.ZCard(ctx, rkey)
	// Keep the key alive for at least one more window.
	pipe.Expire(ctx, rkey, r.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ingest limiter pipeline for %q: %w", userID, err)
	}

	return countCmd.Val() <= int64(r.limit), nil
}
