// Package dispatcher pulls accepted jobs off the submission queue, runs each
// one through verification and quota admission, and submits admitted URLs to
// the indexing provider. Every transition is written to the ledger before the
// external effect it describes.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/indexer"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/ledger"
	"github.com/sachinsitapure/URLIndexingBoT/internal/postgres"
	"github.com/sachinsitapure/URLIndexingBoT/internal/queue"
	"github.com/sachinsitapure/URLIndexingBoT/internal/quota"
	redisstore "github.com/sachinsitapure/URLIndexingBoT/internal/redis"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/retry"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
)

// Verifier answers whether a user may index a domain.
type Verifier interface {
	IsVerified(ctx context.Context, userID, domain string) bool
}

// Dispatcher is the worker pool that drives jobs through their lifecycle.
type Dispatcher struct {
	queue     *queue.Queue
	limiter   *quota.Limiter
	verifier  Verifier
	submitter indexer.Submitter
	ledger    ledger.Ledger
	repo      postgres.JobRepository
	states    redisstore.StateStore // nil = disabled
	bus       *kafka.Bus            // nil = disabled

	backoff   retry.Backoff
	workers   int
	batchSize int
	poll      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithWorkers(n int) Option                  { return func(d *Dispatcher) { d.workers = n } }
func WithBatchSize(n int) Option                { return func(d *Dispatcher) { d.batchSize = n } }
func WithPollInterval(i time.Duration) Option   { return func(d *Dispatcher) { d.poll = i } }
func WithBackoff(b retry.Backoff) Option        { return func(d *Dispatcher) { d.backoff = b } }
func WithLogger(l *slog.Logger) Option          { return func(d *Dispatcher) { d.logger = l } }
func WithClock(now func() time.Time) Option     { return func(d *Dispatcher) { d.now = now } }
func WithStateStore(s redisstore.StateStore) Option {
	return func(d *Dispatcher) { d.states = s }
}
func WithBus(b *kafka.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

// NewDispatcher constructs a Dispatcher with the given dependencies.
// Defaults: 4 workers, batch size 10, 200ms poll, 30s base backoff capped
// at 15m with 20% jitter.
func NewDispatcher(
	q *queue.Queue,
	limiter *quota.Limiter,
	verifier Verifier,
	submitter indexer.Submitter,
	lg ledger.Ledger,
	repo postgres.JobRepository,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		queue:     q,
		limiter:   limiter,
		verifier:  verifier,
		submitter: submitter,
		ledger:    lg,
		repo:      repo,
		backoff:   retry.Backoff{Base: 30 * time.Second, Ceiling: 15 * time.Minute, Jitter: 0.2},
		workers:   4,
		batchSize: 10,
		poll:      200 * time.Millisecond,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight jobs have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.workerLoop(ctx, workerID)
		}()
	}
	<-ctx.Done()
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, workerID string) {
	for {
		jobs := d.queue.DequeueBatch(workerID, d.batchSize)
		if len(jobs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.poll):
			}
			continue
		}
		for _, job := range jobs {
			if ctx.Err() != nil {
				// Leave leases to expire; a later dequeue picks these up.
				return
			}
			d.processJob(ctx, job)
		}
	}
}

const recoverBatch = 10000

// Recover reloads non-terminal jobs from the repository into the queue after
// a restart. Repository rows may trail the ledger because persists are
// best-effort, so each job's true position and attempt count are re-derived
// by ledger replay before it re-enters the queue. Jobs whose replay is
// already terminal only get their row repaired; a lost in-flight submission
// with a spent attempt budget is finalized without another provider call;
// ADMITTED jobs give their reservation back and go through admission again.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	var total int
	statuses := []domain.Status{
		domain.StatusQueued, domain.StatusRateLimited,
		domain.StatusAdmitted, domain.StatusSubmitted,
	}
	for _, status := range statuses {
		jobs, err := d.repo.ListByStatus(ctx, status, recoverBatch)
		if err != nil {
			return total, fmt.Errorf("recover %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			requeued, err := d.recoverJob(ctx, job)
			if err != nil {
				return total, err
			}
			if requeued {
				total++
			}
		}
	}
	return total, nil
}

// recoverJob reconciles one repository row against the ledger and decides
// whether the job re-enters the queue. Reports true when it was enqueued.
func (d *Dispatcher) recoverJob(ctx context.Context, job *domain.Job) (bool, error) {
	log := d.logger.With(slog.String("job_id", job.ID))

	entries, err := d.ledger.Read(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("read ledger for %s: %w", job.ID, err)
	}
	if len(entries) > 0 {
		replayed := ledger.Replay(entries)

		if replayed.Status.IsTerminal() {
			// The outcome was recorded but the row update was lost.
			job.Status = replayed.Status
			job.Attempts = replayed.Attempts
			job.LastError = replayed.LastReason
			job.NextEligibleAt = nil
			d.persist(ctx, job, log)
			log.Info("repaired terminal row from ledger",
				slog.String("status", string(replayed.Status)))
			return false, nil
		}

		// The ledger is always at or ahead of the row: adopt its state and
		// its attempt count (one per recorded SUBMITTED transition).
		job.Status = replayed.Status
		job.Attempts = replayed.Attempts

		if replayed.InFlight && job.Attempts >= job.MaxAttempts {
			// The last recorded step is a submission whose outcome was never
			// observed. The budget is spent, so the job must not touch the
			// provider again.
			d.finish(ctx, job, domain.StatusFailed, domain.ReasonMaxAttempts,
				"submission outcome lost", log)
			return false, nil
		}
	}

	if job.Status == domain.StatusAdmitted {
		if err := d.limiter.ReleaseAdmission(ctx, job); err != nil {
			log.Error("release admission on recovery", slog.String("error", err.Error()))
		}
		if err := d.append(ctx, job, domain.StatusQueued, "", "requeued on recovery"); err != nil {
			return false, nil
		}
		job.Status = domain.StatusQueued
	}

	d.queue.Enqueue(job)
	return true, nil
}

func (d *Dispatcher) processJob(ctx context.Context, job *domain.Job) {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.user_id", job.UserID),
		attribute.String("job.domain", job.Domain),
	)

	telemetry.DispatcherJobsInFlight.Inc()
	defer telemetry.DispatcherJobsInFlight.Dec()

	log := d.logger.With(
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("domain", job.Domain),
	)

	// A cancel may have landed while the job sat in the queue.
	if d.isTerminalElsewhere(ctx, job.ID) {
		log.Info("job already terminal, dropping")
		d.queue.Ack(job.ID)
		return
	}

	// Normalize re-entry states before the fresh pass.
	switch job.Status {
	case domain.StatusRateLimited:
		if err := d.append(ctx, job, domain.StatusQueued, "", "rate limit window elapsed"); err != nil {
			d.queue.Ack(job.ID)
			return
		}
		job.Status = domain.StatusQueued
	case domain.StatusSubmitted:
		// The outcome of a previous submission was never recorded (crash or
		// shutdown mid-call). Count it as a transient failure.
		if job.Attempts >= job.MaxAttempts {
			d.finish(ctx, job, domain.StatusFailed, domain.ReasonMaxAttempts, "submission outcome lost", log)
			return
		}
		if err := d.append(ctx, job, domain.StatusQueued, domain.ReasonTransientError, "submission outcome lost"); err != nil {
			d.queue.Ack(job.ID)
			return
		}
		job.Status = domain.StatusQueued
		d.persist(ctx, job, log)
	}

	// Ownership check comes first: an unverified job must never consume quota.
	if !d.verifier.IsVerified(ctx, job.UserID, job.Domain) {
		telemetry.DispatcherUnverifiedTotal.Inc()
		span.SetStatus(codes.Error, "domain not verified")
		verr := &domain.UnverifiedDomainError{UserID: job.UserID, Domain: job.Domain}
		d.finish(ctx, job, domain.StatusFailed, domain.ReasonUnverifiedDomain, verr.Error(), log)
		return
	}

	decision, err := d.limiter.Admit(ctx, job)
	if err != nil {
		log.Error("quota store error, deferring job", slog.String("error", err.Error()))
		span.RecordError(err)
		d.queue.Nack(job.ID, d.now().Add(5*time.Second))
		return
	}
	if !decision.Admitted {
		telemetry.DispatcherAdmissionsDenied.WithLabelValues(string(decision.Subject)).Inc()
		until := d.now().Add(decision.RetryAfter)
		qerr := &domain.QuotaExceededError{
			Subject:    string(decision.Subject),
			Limit:      decision.Limit,
			RetryAfter: decision.RetryAfter,
		}
		if err := d.append(ctx, job, domain.StatusRateLimited, domain.ReasonQuotaExceeded, qerr.Error()); err != nil {
			d.queue.Ack(job.ID)
			return
		}
		job.Status = domain.StatusRateLimited
		job.NextEligibleAt = &until
		job.LastError = domain.ReasonQuotaExceeded
		d.persist(ctx, job, log)
		d.queue.Nack(job.ID, until)
		log.Info("admission denied",
			slog.String("subject", string(decision.Subject)),
			slog.Duration("retry_after", decision.RetryAfter),
		)
		return
	}

	if err := d.append(ctx, job, domain.StatusAdmitted, "", ""); err != nil {
		// Another actor finalized the job; the reservation must not leak.
		if relErr := d.limiter.ReleaseAdmission(ctx, job); relErr != nil {
			log.Error("release admission", slog.String("error", relErr.Error()))
		}
		d.queue.Ack(job.ID)
		return
	}
	job.Status = domain.StatusAdmitted
	job.NextEligibleAt = nil
	d.persist(ctx, job, log)

	// Last cancellation checkpoint before the irreversible call.
	if d.isTerminalElsewhere(ctx, job.ID) {
		if err := d.limiter.ReleaseAdmission(ctx, job); err != nil {
			log.Error("release admission after cancel", slog.String("error", err.Error()))
		}
		_ = d.append(ctx, job, domain.StatusFailed, domain.ReasonCancelled, "cancelled after admission")
		telemetry.DispatcherJobsProcessed.WithLabelValues("failed").Inc()
		d.queue.Ack(job.ID)
		log.Info("job cancelled after admission, reservation released")
		return
	}

	// Write-ahead: the SUBMITTED entry goes down before the call, so a crash
	// between here and the response can never cause a silent double submit.
	job.Attempts++
	attemptAt := d.now()
	job.LastAttemptAt = &attemptAt
	if err := d.append(ctx, job, domain.StatusSubmitted, "", ""); err != nil {
		if relErr := d.limiter.ReleaseAdmission(ctx, job); relErr != nil {
			log.Error("release admission", slog.String("error", relErr.Error()))
		}
		d.queue.Ack(job.ID)
		return
	}
	job.Status = domain.StatusSubmitted
	d.persist(ctx, job, log)

	start := time.Now()
	res, err := d.submitter.Submit(ctx, job)
	telemetry.DispatcherSubmissionSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		// Local abort (shutdown, cancellation): the outcome is unknown. The
		// SUBMITTED ledger entry stays; redelivery treats it as a lost attempt.
		log.Warn("submission aborted", slog.String("error", err.Error()))
		span.RecordError(err)
		d.queue.Nack(job.ID, d.now())
		return
	}
	telemetry.DispatcherSubmissions.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case indexer.OutcomeAccepted:
		d.finish(ctx, job, domain.StatusSucceeded, "", res.Detail, log)
	case indexer.OutcomeRejected:
		span.SetStatus(codes.Error, "provider rejected url")
		d.finish(ctx, job, domain.StatusFailed, domain.ReasonPermanentError,
			fmt.Sprintf("status %d: %s", res.StatusCode, res.Detail), log)
	default:
		d.retryOrFail(ctx, job, fmt.Sprintf("status %d: %s", res.StatusCode, res.Detail), log)
	}
}

// retryOrFail requeues a transiently failed job with backoff, or finalizes it
// once its attempt budget is spent.
func (d *Dispatcher) retryOrFail(ctx context.Context, job *domain.Job, detail string, log *slog.Logger) {
	if job.Attempts >= job.MaxAttempts {
		d.finish(ctx, job, domain.StatusFailed, domain.ReasonMaxAttempts, detail, log)
		return
	}

	delay := d.backoff.Delay(job.Attempts - 1)
	until := d.now().Add(delay)
	if err := d.append(ctx, job, domain.StatusQueued, domain.ReasonTransientError, detail); err != nil {
		d.queue.Ack(job.ID)
		return
	}
	job.Status = domain.StatusQueued
	job.NextEligibleAt = &until
	job.LastError = domain.ReasonTransientError
	d.persist(ctx, job, log)

	telemetry.DispatcherRetriesScheduled.Inc()
	d.queue.Nack(job.ID, until)
	log.Info("transient failure, retry scheduled",
		slog.Int("attempt", job.Attempts),
		slog.Duration("delay", delay),
		slog.String("detail", detail),
	)
}

// finish records a terminal transition, persists it, emits the outcome event,
// and removes the job from the queue.
func (d *Dispatcher) finish(ctx context.Context, job *domain.Job, to domain.Status, reason, detail string, log *slog.Logger) {
	if err := d.append(ctx, job, to, reason, detail); err != nil {
		d.queue.Ack(job.ID)
		return
	}
	job.Status = to
	job.LastError = reason
	job.NextEligibleAt = nil
	d.persist(ctx, job, log)

	outcome := "succeeded"
	if to == domain.StatusFailed {
		outcome = "failed"
	}
	telemetry.DispatcherJobsProcessed.WithLabelValues(outcome).Inc()

	if d.bus != nil {
		ev := kafka.OutcomeEvent{
			JobID:    job.ID,
			BatchID:  job.BatchID,
			UserID:   job.UserID,
			URL:      job.URL,
			Status:   to,
			Reason:   reason,
			Attempts: job.Attempts,
			At:       d.now().UTC(),
		}
		if err := d.bus.PublishOutcome(ctx, ev); err != nil {
			log.Error("publish outcome event", slog.String("error", err.Error()))
		}
	}

	d.queue.Ack(job.ID)
	log.Info("job finished",
		slog.String("status", string(to)),
		slog.String("reason", reason),
		slog.Int("attempts", job.Attempts),
	)
}

// append writes one transition using job.Status as the source state.
func (d *Dispatcher) append(ctx context.Context, job *domain.Job, to domain.Status, reason, detail string) error {
	err := d.ledger.Append(ctx, ledger.Entry{
		JobID:  job.ID,
		From:   job.Status,
		To:     to,
		Reason: reason,
		Detail: detail,
	})
	if err != nil {
		d.logger.Error("ledger append failed",
			slog.String("job_id", job.ID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// persist is best-effort: a repository or state-mirror failure is logged but
// never blocks dispatch, because the ledger already holds the truth.
func (d *Dispatcher) persist(ctx context.Context, job *domain.Job, log *slog.Logger) {
	if err := d.repo.Update(ctx, job); err != nil {
		log.Error("repository update failed", slog.String("error", err.Error()))
	}
	if d.states != nil {
		if err := d.states.SetStatus(ctx, job.ID, job.Status); err != nil {
			log.Error("state mirror update failed", slog.String("error", err.Error()))
		}
		if err := d.states.SetJobMeta(ctx, job); err != nil {
			log.Error("state meta update failed", slog.String("error", err.Error()))
		}
	}
}

// isTerminalElsewhere checks whether another actor (the cancel endpoint)
// already finalized the job. Errors lean towards "not terminal": dispatch
// proceeds and the ledger's terminal guard has the final word.
func (d *Dispatcher) isTerminalElsewhere(ctx context.Context, jobID string) bool {
	cur, err := d.repo.GetByID(ctx, jobID)
	return err == nil && cur.Status.IsTerminal()
}
