// Package redis holds the Redis-backed pieces of the pipeline: the shared
// quota counters, the hot job-status mirror the gateway reads from, the
// ingestion rate limiter, and the janitor's leader lock.
package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}
