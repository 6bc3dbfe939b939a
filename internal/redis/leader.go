package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// renewScript extends the lock only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseLockScript deletes the lock only while we still hold it.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LeaderLock elects a single janitor instance via SET NX with a TTL. The
// holder must renew within the TTL or another instance takes over.
type LeaderLock struct {
	client     *redis.Client
	key        string
	instanceID string
	ttl        time.Duration
}

func NewLeaderLock(client *redis.Client, key, instanceID string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{client: client, key: key, instanceID: instanceID, ttl: ttl}
}

// TryAcquire attempts to become leader. Returns true when this instance now
// holds the lock (including when it already held it).
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader acquire %q: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("leader holder check %q: %w", l.key, err)
	}
	return holder == l.instanceID, nil
}

// Renew extends the lease. Returns false when leadership was lost.
func (l *LeaderLock) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("leader renew %q: %w", l.key, err)
	}
	return res == 1, nil
}

// Release gives up leadership.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("leader release %q: %w", l.key, err)
	}
	return nil
}
