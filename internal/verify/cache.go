package verify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
)

// Provider fetches the set of domains an account is authorized to index.
// External and slow; the cache is the only caller.
type Provider interface {
	FetchVerifiedDomains(ctx context.Context, userID string) (map[string]struct{}, error)
}

type entry struct {
	domains   map[string]struct{}
	fetchedAt time.Time
}

// Cache answers "may this user index this domain?" from a per-user snapshot of
// verified domains, refreshed lazily when stale. Refreshes are single-flighted
// per user, so concurrent lookups against a stale entry trigger one provider
// call and all wait on its result.
//
// Failure policy: if a refresh errors, the previous snapshot is served as long
// as it is younger than grace × ttl; past that the lookup fails closed and the
// domain is treated as unverified.
type Cache struct {
	provider Provider
	ttl      time.Duration
	grace    int
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	group singleflight.Group
	now   func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(d time.Duration) Option        { return func(c *Cache) { c.ttl = d } }
func WithGraceMultiplier(n int) Option      { return func(c *Cache) { c.grace = n } }
func WithLogger(l *slog.Logger) Option      { return func(c *Cache) { c.logger = l } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// NewCache creates a Cache over the given provider. Defaults: 24h TTL,
// grace multiplier 2.
func NewCache(provider Provider, opts ...Option) *Cache {
	c := &Cache{
		provider: provider,
		ttl:      24 * time.Hour,
		grace:    2,
		logger:   slog.Default(),
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsVerified reports whether domain is covered by the user's verified set.
// A domain matches if it equals a verified domain or is a subdomain of one.
// Never returns an error: unknown means unverified.
func (c *Cache) IsVerified(ctx context.Context, userID, domain string) bool {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()

	now := c.now()
	if ok && now.Sub(e.fetchedAt) <= c.ttl {
		return matches(e.domains, domain)
	}

	// Stale or missing: refresh, coalescing concurrent callers for this user.
	fresh, err, _ := c.group.Do(userID, func() (any, error) {
		// A racing caller may have refreshed while we waited on the flight key.
		c.mu.RLock()
		cur, ok := c.entries[userID]
		c.mu.RUnlock()
		if ok && c.now().Sub(cur.fetchedAt) <= c.ttl {
			return cur, nil
		}

		domains, err := c.provider.FetchVerifiedDomains(ctx, userID)
		if err != nil {
			telemetry.VerifyRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}
		telemetry.VerifyRefreshes.WithLabelValues("ok").Inc()

		e := &entry{domains: domains, fetchedAt: c.now()}
		c.mu.Lock()
		c.entries[userID] = e
		c.mu.Unlock()
		return e, nil
	})
	if err == nil {
		return matches(fresh.(*entry).domains, domain)
	}

	c.logger.Warn("verification refresh failed",
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	)

	// Serve the last known value while it is within the grace window.
	if ok && now.Sub(e.fetchedAt) <= time.Duration(c.grace)*c.ttl {
		return matches(e.domains, domain)
	}

	telemetry.VerifyFailClosed.Inc()
	return false
}

// Invalidate drops a user's snapshot so the next lookup refreshes.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// matches checks exact equality or subdomain suffix against the verified set.
func matches(verified map[string]struct{}, domain string) bool {
	if _, ok := verified[domain]; ok {
		return true
	}
	for v := range verified {
		if strings.HasSuffix(domain, "."+v) {
			return true
		}
	}
	return false
}
