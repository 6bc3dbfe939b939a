// Package janitor runs the pipeline's periodic maintenance: archiving
// finished jobs, republishing jobs that never reached the incoming topic,
// and a daily throughput report. Only one instance works at a time; a Redis
// leader lock decides which.
package janitor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/postgres"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
)

// Leader is the slice of the Redis leader lock the janitor drives.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

const reconcileBatch = 500

// Janitor owns the maintenance schedules. All tasks are leader-gated, so
// running several replicas is safe.
type Janitor struct {
	repo   postgres.JobRepository
	bus    *kafka.Bus
	lock   Leader
	logger *slog.Logger

	retention     time.Duration
	staleAfter    time.Duration
	archiveSpec   string
	reconcileSpec string
	reportSpec    string
	renewEvery    time.Duration

	now     func() time.Time
	leading atomic.Bool
}

// Option customises a Janitor.
type Option func(*Janitor)

// WithRetention sets how long terminal jobs stay in the live table.
func WithRetention(d time.Duration) Option {
	return func(j *Janitor) { j.retention = d }
}

// WithStaleAfter sets how old a QUEUED job must be before it is republished.
func WithStaleAfter(d time.Duration) Option {
	return func(j *Janitor) { j.staleAfter = d }
}

// WithSchedules overrides the cron expressions for the three tasks.
func WithSchedules(archive, reconcile, report string) Option {
	return func(j *Janitor) {
		j.archiveSpec = archive
		j.reconcileSpec = reconcile
		j.reportSpec = report
	}
}

// WithRenewInterval sets how often leadership is re-asserted.
func WithRenewInterval(d time.Duration) Option {
	return func(j *Janitor) { j.renewEvery = d }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// NewJanitor wires the maintenance tasks. The cron specs are validated in Run.
func NewJanitor(repo postgres.JobRepository, bus *kafka.Bus, lock Leader, logger *slog.Logger, opts ...Option) *Janitor {
	j := &Janitor{
		repo:          repo,
		bus:           bus,
		lock:          lock,
		logger:        logger,
		retention:     7 * 24 * time.Hour,
		staleAfter:    10 * time.Minute,
		archiveSpec:   "0 4 * * *",
		reconcileSpec: "*/10 * * * *",
		reportSpec:    "0 8 * * *",
		renewEvery:    10 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run blocks until ctx is cancelled. Leadership is asserted continuously in
// the background; scheduled tasks fire on every replica but no-op unless this
// instance is the current leader.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))

	if _, err := c.AddFunc(j.archiveSpec, j.leaderOnly(ctx, "archive", func(ctx context.Context) error {
		_, err := j.Archive(ctx)
		return err
	})); err != nil {
		return err
	}
	if _, err := c.AddFunc(j.reconcileSpec, j.leaderOnly(ctx, "reconcile", func(ctx context.Context) error {
		_, err := j.Reconcile(ctx)
		return err
	})); err != nil {
		return err
	}
	if _, err := c.AddFunc(j.reportSpec, j.leaderOnly(ctx, "report", j.Report)); err != nil {
		return err
	}

	c.Start()
	j.leadershipLoop(ctx)

	stopCtx := c.Stop() // waits for a running task to finish
	<-stopCtx.Done()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.lock.Release(releaseCtx); err != nil {
		j.logger.Error("leader release", slog.String("error", err.Error()))
	}
	return nil
}

func (j *Janitor) leaderOnly(ctx context.Context, name string, task func(context.Context) error) func() {
	return func() {
		if !j.leading.Load() {
			return
		}
		start := j.now()
		if err := task(ctx); err != nil {
			j.logger.Error("maintenance task failed",
				slog.String("task", name),
				slog.String("error", err.Error()))
			return
		}
		j.logger.Info("maintenance task done",
			slog.String("task", name),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}
}

func (j *Janitor) leadershipLoop(ctx context.Context) {
	ticker := time.NewTicker(j.renewEvery)
	defer ticker.Stop()

	j.assertLeadership(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.assertLeadership(ctx)
		}
	}
}

func (j *Janitor) assertLeadership(ctx context.Context) {
	held, err := j.lock.TryAcquire(ctx)
	if err != nil {
		j.logger.Error("leader acquire", slog.String("error", err.Error()))
		j.setLeading(false)
		return
	}
	if held {
		// TryAcquire does not extend an existing lease; Renew does.
		if held, err = j.lock.Renew(ctx); err != nil {
			j.logger.Error("leader renew", slog.String("error", err.Error()))
			held = false
		}
	}
	j.setLeading(held)
}

func (j *Janitor) setLeading(leading bool) {
	was := j.leading.Swap(leading)
	if was == leading {
		return
	}
	if leading {
		telemetry.JanitorIsLeader.Set(1)
		j.logger.Info("acquired janitor leadership")
	} else {
		telemetry.JanitorIsLeader.Set(0)
		j.logger.Info("lost janitor leadership")
	}
}

// Archive moves terminal jobs older than the retention window into the
// archive table and reports how many rows moved.
func (j *Janitor) Archive(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	moved, err := j.repo.ArchiveTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		telemetry.JanitorArchivedTotal.Add(float64(moved))
		j.logger.Info("archived finished jobs",
			slog.Int64("moved", moved),
			slog.Time("cutoff", cutoff))
	}
	return moved, nil
}

// Reconcile republishes QUEUED jobs that have sat untouched longer than
// staleAfter. These are jobs whose original publish never reached the topic;
// publishing again is safe because the dispatcher deduplicates by job ID.
func (j *Janitor) Reconcile(ctx context.Context) (int, error) {
	jobs, err := j.repo.ListByStatus(ctx, domain.StatusQueued, reconcileBatch)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().UTC().Add(-j.staleAfter)
	requeued := 0
	for _, job := range jobs {
		if job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := j.bus.PublishJob(ctx, job); err != nil {
			j.logger.Error("requeue publish failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		telemetry.JanitorRequeuedTotal.Add(float64(requeued))
		j.logger.Info("republished stale jobs", slog.Int("requeued", requeued))
	}
	return requeued, nil
}

// Report logs a 24h status breakdown. Operators watch this line instead of a
// dashboard when running small.
func (j *Janitor) Report(ctx context.Context) error {
	since := j.now().UTC().Add(-24 * time.Hour)
	counts, err := j.repo.CountByStatusSince(ctx, since)
	if err != nil {
		return err
	}

	total := 0
	attrs := []any{slog.Time("since", since)}
	for status, n := range counts {
		total += n
		attrs = append(attrs, slog.Int(string(status), n))
	}
	attrs = append(attrs, slog.Int("total", total))
	j.logger.Info("daily job report", attrs...)
	return nil
}
