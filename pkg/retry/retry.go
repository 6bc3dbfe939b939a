package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Backoff produces the delay schedule for requeued jobs:
// delay = Base * 2^attempt, capped at Ceiling, with up to ±Jitter fraction of
// the computed delay added to spread out re-submissions.
type Backoff struct {
	Base    time.Duration
	Ceiling time.Duration
	// Jitter is a fraction in [0, 1). 0.2 means the final delay lands in
	// [delay*0.8, delay*1.2].
	Jitter float64
}

// Delay returns the wait before retry number attempt (0-indexed: the delay
// after the first failed attempt is Delay(0) = Base).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Ceiling; i++ {
		d *= 2
	}
	if b.Ceiling > 0 && d > b.Ceiling {
		d = b.Ceiling
	}
	if b.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * b.Jitter // [-Jitter, +Jitter)
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

// Config controls the Do retry loop.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	Backoff     Backoff
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times, sleeping cfg.Backoff.Delay between
// attempts. Returns nil on first success, or the last error after all attempts.
//
// Job dispatch does not use this: jobs are requeued with a deferral so a
// restart keeps their retry state. Do is for ephemeral infrastructure calls,
// such as connecting to a store at startup.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(cfg.Backoff.Delay(attempt - 1)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
