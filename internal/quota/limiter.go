package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// Limits are the per-window ceilings applied to a single job.
type Limits struct {
	UserHourly  int
	DomainDaily int
}

// LimitResolver returns the limits for a given user, allowing per-user
// overrides (premium accounts) without code change.
type LimitResolver interface {
	LimitsFor(ctx context.Context, userID string) Limits
}

// StaticLimits is a LimitResolver that applies the same limits to everyone.
type StaticLimits Limits

func (l StaticLimits) LimitsFor(_ context.Context, _ string) Limits { return Limits(l) }

const (
	userWindow   = time.Hour
	domainWindow = 24 * time.Hour
)

// SubjectKind labels which quota check produced a decision.
type SubjectKind string

const (
	SubjectUser   SubjectKind = "user"
	SubjectDomain SubjectKind = "domain"
)

// Decision is the outcome of an admission request. Denials are expected
// outcomes, not errors: RetryAfter tells the caller when the denying window
// rolls over.
type Decision struct {
	Admitted   bool
	Subject    SubjectKind
	Limit      int
	RetryAfter time.Duration
	ResetsAt   time.Time
}

// Limiter grants or denies admission for a job against two independent
// windows: per-user hourly and per-domain daily. Both must grant.
type Limiter struct {
	store  Store
	limits LimitResolver
	now    func() time.Time
}

// NewLimiter creates a Limiter backed by the given store.
func NewLimiter(store Store, limits LimitResolver) *Limiter {
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func userSubject(userID string) string   { return "user:" + userID }
func domainSubject(domain string) string { return "domain:" + domain }

// Admit reserves capacity in both windows. Two-phase: the user reservation is
// taken first and released again if the domain reservation is denied, so a
// denial never leaks quota. A non-nil error means the store itself failed;
// no partial reservation survives an error.
func (l *Limiter) Admit(ctx context.Context, job *domain.Job) (Decision, error) {
	limits := l.limits.LimitsFor(ctx, job.UserID)

	userRes, err := l.store.Reserve(ctx, userSubject(job.UserID), userWindow, limits.UserHourly)
	if err != nil {
		return Decision{}, fmt.Errorf("reserve user quota for %s: %w", job.UserID, err)
	}
	if !userRes.Granted {
		return deniedDecision(SubjectUser, limits.UserHourly, userRes, l.now()), nil
	}

	domRes, err := l.store.Reserve(ctx, domainSubject(job.Domain), domainWindow, limits.DomainDaily)
	if err != nil {
		// Undo the user reservation so a store failure doesn't leak quota.
		if relErr := l.store.Release(ctx, userSubject(job.UserID), userWindow); relErr != nil {
			return Decision{}, fmt.Errorf("reserve domain quota for %s: %w (release user: %v)", job.Domain, err, relErr)
		}
		return Decision{}, fmt.Errorf("reserve domain quota for %s: %w", job.Domain, err)
	}
	if !domRes.Granted {
		if err := l.store.Release(ctx, userSubject(job.UserID), userWindow); err != nil {
			return Decision{}, fmt.Errorf("release user quota after domain denial: %w", err)
		}
		return deniedDecision(SubjectDomain, limits.DomainDaily, domRes, l.now()), nil
	}

	return Decision{Admitted: true}, nil
}

// ReleaseAdmission undoes both reservations taken by a granted Admit. Used
// only when the admitted job is cancelled before the external submission call.
func (l *Limiter) ReleaseAdmission(ctx context.Context, job *domain.Job) error {
	if err := l.store.Release(ctx, domainSubject(job.Domain), domainWindow); err != nil {
		return fmt.Errorf("release domain quota for %s: %w", job.Domain, err)
	}
	if err := l.store.Release(ctx, userSubject(job.UserID), userWindow); err != nil {
		return fmt.Errorf("release user quota for %s: %w", job.UserID, err)
	}
	return nil
}

// UserUsage reports the user's hourly window consumption for status queries.
func (l *Limiter) UserUsage(ctx context.Context, userID string) (used, limit int, resetsAt time.Time, err error) {
	limits := l.limits.LimitsFor(ctx, userID)
	used, resetsAt, err = l.store.Usage(ctx, userSubject(userID), userWindow)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("user quota usage for %s: %w", userID, err)
	}
	return used, limits.UserHourly, resetsAt, nil
}

// DomainUsage reports the domain's daily window consumption.
func (l *Limiter) DomainUsage(ctx context.Context, userID, dom string) (used, limit int, resetsAt time.Time, err error) {
	limits := l.limits.LimitsFor(ctx, userID)
	used, resetsAt, err = l.store.Usage(ctx, domainSubject(dom), domainWindow)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("domain quota usage for %s: %w", dom, err)
	}
	return used, limits.DomainDaily, resetsAt, nil
}

func deniedDecision(kind SubjectKind, limit int, res Reservation, now time.Time) Decision {
	retryAfter := res.ResetsAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Admitted:   false,
		Subject:    kind,
		Limit:      limit,
		RetryAfter: retryAfter,
		ResetsAt:   res.ResetsAt,
	}
}
