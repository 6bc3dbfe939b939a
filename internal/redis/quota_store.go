package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sachinsitapure/URLIndexingBoT/internal/quota"
)

// reserveScript atomically increments the window counter and rolls back when
// the limit is exceeded, so no interleaving of concurrent reservations can
// overshoot.
var reserveScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	redis.call('DECR', KEYS[1])
	return {0, 0}
end
return {1, tonumber(ARGV[1]) - current}
`)

// releaseScript decrements without ever going negative.
var releaseScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current > 0 then
	redis.call('DECR', KEYS[1])
end
return current
`)

// QuotaStore is the shared quota.Store used when multiple dispatcher
// replicas must agree on window counts. Each fixed window gets its own key
// that includes the window start, so rollover needs no coordination: a new
// window is simply a new key, and old keys expire.
type QuotaStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewQuotaStore(client *redis.Client) *QuotaStore {
	return &QuotaStore{client: client, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (s *QuotaStore) WithClock(now func() time.Time) *QuotaStore {
	s.now = now
	return s
}

var _ quota.Store = (*QuotaStore)(nil)

func (s *QuotaStore) key(subject string, windowStart time.Time) string {
	return "quota:" + subject + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (s *QuotaStore) window(window time.Duration) (start, resetsAt time.Time) {
	start = s.now().Truncate(window)
	return start, start.Add(window)
}

func (s *QuotaStore) Reserve(ctx context.Context, subject string, window time.Duration, limit int) (quota.Reservation, error) {
	start, resetsAt := s.window(window)

	// Keys outlive their window by one extra period so Usage can still see
	// the closing window briefly; correctness only needs >= window.
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.key(subject, start)},
		limit, (2 * window).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return quota.Reservation{}, fmt.Errorf("quota reserve for %q: %w", subject, err)
	}
	if len(res) != 2 {
		return quota.Reservation{}, fmt.Errorf("quota reserve for %q: unexpected reply %v", subject, res)
	}

	return quota.Reservation{
		Granted:   res[0] == 1,
		Remaining: int(res[1]),
		ResetsAt:  resetsAt,
	}, nil
}

func (s *QuotaStore) Release(ctx context.Context, subject string, window time.Duration) error {
	start, _ := s.window(window)
	if err := releaseScript.Run(ctx, s.client, []string{s.key(subject, start)}).Err(); err != nil {
		return fmt.Errorf("quota release for %q: %w", subject, err)
	}
	return nil
}

func (s *QuotaStore) Usage(ctx context.Context, subject string, window time.Duration) (int, time.Time, error) {
	start, resetsAt := s.window(window)
	val, err := s.client.Get(ctx, s.key(subject, start)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, resetsAt, nil
		}
		return 0, time.Time{}, fmt.Errorf("quota usage for %q: %w", subject, err)
	}
	return val, resetsAt, nil
}
