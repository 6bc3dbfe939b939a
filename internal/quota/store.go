package quota

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Reservation is the result of an atomic reserve attempt.
type Reservation struct {
	Granted   bool
	Remaining int
	// ResetsAt is when the current window rolls over. On denial this is the
	// earliest time a new reservation can succeed.
	ResetsAt time.Time
}

// Store holds consumption counters per (subject, window). Reserve is a single
// atomic read-then-increment: concurrent reservations for the same subject can
// never both succeed past the limit. Windows are fixed intervals derived from
// the wall clock at the moment of reservation, never pre-scheduled.
type Store interface {
	Reserve(ctx context.Context, subject string, window time.Duration, limit int) (Reservation, error)
	// Release undoes one reservation in the subject's current window. Used only
	// when a granted reservation's downstream submission never consumed
	// external quota.
	Release(ctx context.Context, subject string, window time.Duration) error
	Usage(ctx context.Context, subject string, window time.Duration) (used int, resetsAt time.Time, err error)
}

// windowStart truncates now to the current fixed window.
func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

const shardCount = 64

type counter struct {
	start time.Time
	count int
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// MemoryStore is a lock-striped in-process Store. Each subject maps to one of
// 64 shards so contention stays isolated to subjects that hash together.
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{counters: make(map[string]*counter)}
	}
	return s
}

// WithClock replaces the wall clock, for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) shardFor(subject string) *shard {
	return s.shards[xxhash.Sum64String(subject)%shardCount]
}

func (s *MemoryStore) Reserve(_ context.Context, subject string, window time.Duration, limit int) (Reservation, error) {
	now := s.now()
	start := windowStart(now, window)

	sh := s.shardFor(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[subject]
	if !ok || now.Sub(c.start) >= window {
		// First reservation in this window, or the previous window rolled.
		c = &counter{start: start}
		sh.counters[subject] = c
	}

	resetsAt := c.start.Add(window)
	if c.count >= limit {
		return Reservation{Granted: false, Remaining: 0, ResetsAt: resetsAt}, nil
	}

	c.count++
	return Reservation{Granted: true, Remaining: limit - c.count, ResetsAt: resetsAt}, nil
}

func (s *MemoryStore) Release(_ context.Context, subject string, window time.Duration) error {
	now := s.now()

	sh := s.shardFor(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[subject]
	if !ok || now.Sub(c.start) >= window || c.count == 0 {
		// The window already rolled; there is nothing to give back.
		return nil
	}
	c.count--
	return nil
}

func (s *MemoryStore) Usage(_ context.Context, subject string, window time.Duration) (int, time.Time, error) {
	now := s.now()

	sh := s.shardFor(subject)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[subject]
	if !ok || now.Sub(c.start) >= window {
		return 0, windowStart(now, window).Add(window), nil
	}
	return c.count, c.start.Add(window), nil
}
