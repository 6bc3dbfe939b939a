package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/indexer"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/ledger"
	"github.com/sachinsitapure/URLIndexingBoT/internal/queue"
	"github.com/sachinsitapure/URLIndexingBoT/internal/quota"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/retry"
)

// ── test doubles ──────────────────────────────────────────────────────────────

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRepo struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	getHook func(id string)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]*domain.Job)}
}

func (r *fakeRepo) put(job *domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
}

func (r *fakeRepo) setStatus(id string, status domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = status
	}
}

func (r *fakeRepo) statusOf(id string) domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		return j.Status
	}
	return ""
}

func (r *fakeRepo) Create(_ context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *fakeRepo) CreateBatch(_ context.Context, jobs []*domain.Job) error {
	for _, j := range jobs {
		r.put(j)
	}
	return nil
}

func (r *fakeRepo) Update(_ context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	if r.getHook != nil {
		r.getHook(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	cp := *j
	return &cp, nil
}

func (r *fakeRepo) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, j := range r.jobs {
		if j.Status == status && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByBatch(_ context.Context, batchID string) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, j := range r.jobs {
		if j.BatchID == batchID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) CancelPending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = domain.StatusFailed
	j.LastError = domain.ReasonCancelled
	return true, nil
}

func (r *fakeRepo) CountByStatusSince(_ context.Context, _ time.Time) (map[domain.Status]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.Status]int)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (r *fakeRepo) ArchiveTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type verifierFunc func(userID, dom string) bool

func (f verifierFunc) IsVerified(_ context.Context, userID, dom string) bool {
	return f(userID, dom)
}

func allowAll(_, _ string) bool { return true }

type fakeSubmitter struct {
	mu      sync.Mutex
	results []indexer.Result // consumed in order; the last one repeats
	calls   []string         // job IDs in call order
}

func (s *fakeSubmitter) Submit(_ context.Context, job *domain.Job) (indexer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, job.ID)
	if len(s.results) == 0 {
		return indexer.Result{Outcome: indexer.OutcomeAccepted, StatusCode: 200}, nil
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res, nil
}

func (s *fakeSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// ── harness ───────────────────────────────────────────────────────────────────

type testEnv struct {
	clock     *testClock
	queue     *queue.Queue
	store     *quota.MemoryStore
	limiter   *quota.Limiter
	repo      *fakeRepo
	submitter *fakeSubmitter
	ledger    *ledger.MemoryLedger
	producer  *fakeProducer
	d         *Dispatcher
}

type fakeProducer struct {
	mu        sync.Mutex
	published []struct {
		topic, key string
		value      []byte
	}
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, struct {
		topic, key string
		value      []byte
	}{topic, key, value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) countByTopic(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.published {
		if m.topic == topic {
			n++
		}
	}
	return n
}

func newTestEnv(t *testing.T, limits quota.Limits, verifier Verifier) *testEnv {
	t.Helper()
	clock := newTestClock(time.Date(2025, 6, 1, 10, 20, 0, 0, time.UTC))
	env := &testEnv{
		clock:     clock,
		queue:     queue.New(time.Minute).WithClock(clock.Now),
		store:     quota.NewMemoryStore().WithClock(clock.Now),
		repo:      newFakeRepo(),
		submitter: &fakeSubmitter{},
		ledger:    ledger.NewMemoryLedger().WithClock(clock.Now),
		producer:  &fakeProducer{},
	}
	env.limiter = quota.NewLimiter(env.store, quota.StaticLimits(limits)).WithClock(clock.Now)
	env.d = NewDispatcher(
		env.queue, env.limiter, verifier, env.submitter, env.ledger, env.repo,
		WithClock(clock.Now),
		WithBackoff(retry.Backoff{Base: 10 * time.Second, Ceiling: 5 * time.Minute}),
		WithBus(kafka.NewBus(env.producer)),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return env
}

var jobSeq int

// putJob creates a job in the repository only; addJob also enqueues it.
func (e *testEnv) putJob(userID, rawURL string) *domain.Job {
	jobSeq++
	dom, _ := domain.ParseDomain(rawURL)
	now := e.clock.Now()
	job := &domain.Job{
		ID:          fmt.Sprintf("job-%d", jobSeq),
		BatchID:     "batch-1",
		UserID:      userID,
		URL:         rawURL,
		Domain:      dom,
		Status:      domain.StatusQueued,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e.repo.put(job)
	return job
}

func (e *testEnv) addJob(userID, rawURL string) *domain.Job {
	job := e.putJob(userID, rawURL)
	e.queue.Enqueue(job)
	return job
}

// processRound dequeues everything currently eligible and runs it.
func (e *testEnv) processRound(max int) int {
	jobs := e.queue.DequeueBatch("test-worker", max)
	for _, j := range jobs {
		e.d.processJob(context.Background(), j)
	}
	return len(jobs)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestDispatcher_SuccessPath(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 100}, verifierFunc(allowAll))
	job := env.addJob("u1", "https://example.com/page")

	require.Equal(t, 1, env.processRound(10))

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(job.ID))
	assert.Equal(t, 1, env.submitter.callCount())
	assert.Equal(t, 0, env.queue.Len())

	entries, err := env.ledger.Read(context.Background(), job.ID)
	require.NoError(t, err)
	var states []domain.Status
	for _, e := range entries {
		states = append(states, e.To)
	}
	assert.Equal(t, []domain.Status{
		domain.StatusAdmitted, domain.StatusSubmitted, domain.StatusSucceeded,
	}, states, "every hop must be in the ledger")

	assert.Equal(t, 1, env.producer.countByTopic(kafka.TopicEvents), "terminal outcome must be published")
}

func TestDispatcher_UnverifiedDomain_FailsWithoutConsumingQuota(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 100},
		verifierFunc(func(_, _ string) bool { return false }))
	job := env.addJob("u1", "https://example.com/page")

	env.processRound(10)

	assert.Equal(t, domain.StatusFailed, env.repo.statusOf(job.ID))
	assert.Equal(t, 0, env.submitter.callCount(), "unverified jobs must never reach the provider")

	used, _, _, err := env.limiter.UserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, used, "unverified jobs must not consume quota")

	entries, err := env.ledger.Read(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.StatusFailed, entries[0].To)
	assert.Equal(t, domain.ReasonUnverifiedDomain, entries[0].Reason)
	wantErr := &domain.UnverifiedDomainError{UserID: "u1", Domain: "example.com"}
	assert.Equal(t, wantErr.Error(), entries[0].Detail)
}

func TestDispatcher_HourlyQuota_EleventhJobDeferred(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 1000}, verifierFunc(allowAll))

	urls := []string{
		"https://a0.com/", "https://a1.com/", "https://a2.com/", "https://a3.com/",
		"https://a4.com/", "https://a5.com/", "https://a6.com/", "https://a7.com/",
		"https://a8.com/", "https://a9.com/", "https://a10.com/",
	}
	var jobs []*domain.Job
	for _, u := range urls {
		jobs = append(jobs, env.addJob("u1", u))
	}

	env.processRound(20)

	for i := 0; i < 10; i++ {
		assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(jobs[i].ID), "job %d", i)
	}
	last := jobs[10]
	assert.Equal(t, domain.StatusRateLimited, env.repo.statusOf(last.ID))
	assert.Equal(t, 10, env.submitter.callCount(), "only admitted jobs may be submitted")

	// Clock is 10:20; the hourly window resets at 11:00.
	got, err := env.repo.GetByID(context.Background(), last.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextEligibleAt)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC), got.NextEligibleAt.UTC())

	entries, err := env.ledger.Read(context.Background(), last.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	denial := entries[len(entries)-1]
	assert.Equal(t, domain.StatusRateLimited, denial.To)
	wantErr := &domain.QuotaExceededError{Subject: "user", Limit: 10, RetryAfter: 40 * time.Minute}
	assert.Equal(t, wantErr.Error(), denial.Detail)

	// After the window rolls over, the deferred job goes through.
	env.clock.Advance(41 * time.Minute)
	env.processRound(20)
	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(last.ID))
}

func TestDispatcher_DomainQuotaDenial_ReleasesUserSlot(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 1}, verifierFunc(allowAll))

	first := env.addJob("u1", "https://example.com/a")
	second := env.addJob("u1", "https://example.com/b")

	env.processRound(10)

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(first.ID))
	assert.Equal(t, domain.StatusRateLimited, env.repo.statusOf(second.ID))

	used, _, _, err := env.limiter.UserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, used, "the denied job's user slot must be given back")
}

func TestDispatcher_TransientFailures_ExhaustAttempts(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	env.submitter.results = []indexer.Result{{Outcome: indexer.OutcomeTransient, StatusCode: 503}}

	job := env.addJob("u1", "https://example.com/flaky")

	for round := 0; round < 3; round++ {
		env.processRound(10)
		env.clock.Advance(10 * time.Minute) // clears any backoff deferral
	}

	assert.Equal(t, domain.StatusFailed, env.repo.statusOf(job.ID))
	assert.Equal(t, 3, env.submitter.callCount(), "max attempts must bound submissions")

	got, err := env.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, domain.ReasonMaxAttempts, got.LastError)

	entries, err := env.ledger.Read(context.Background(), job.ID)
	require.NoError(t, err)
	r := ledger.Replay(entries)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, domain.StatusFailed, r.Status)

	// Further rounds are no-ops: the job left the queue for good.
	env.processRound(10)
	assert.Equal(t, 3, env.submitter.callCount())
	assert.Equal(t, 0, env.queue.Len())
}

func TestDispatcher_TransientThenSuccess(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	env.submitter.results = []indexer.Result{
		{Outcome: indexer.OutcomeTransient, StatusCode: 502},
		{Outcome: indexer.OutcomeAccepted, StatusCode: 200},
	}

	job := env.addJob("u1", "https://example.com/eventually")

	env.processRound(10)
	assert.Equal(t, domain.StatusQueued, env.repo.statusOf(job.ID), "transient failure requeues")

	env.clock.Advance(10 * time.Minute)
	env.processRound(10)

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(job.ID))
	got, err := env.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestDispatcher_RejectedIsNotRetried(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	env.submitter.results = []indexer.Result{{Outcome: indexer.OutcomeRejected, StatusCode: 403}}

	job := env.addJob("u1", "https://example.com/forbidden")

	env.processRound(10)
	env.clock.Advance(time.Hour)
	env.processRound(10)

	assert.Equal(t, domain.StatusFailed, env.repo.statusOf(job.ID))
	assert.Equal(t, 1, env.submitter.callCount(), "permanent rejections must not retry")

	got, err := env.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPermanentError, got.LastError)
}

func TestDispatcher_CancelledBeforeProcessing_Dropped(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 100}, verifierFunc(allowAll))
	job := env.addJob("u1", "https://example.com/cancel-me")

	ok, err := env.repo.CancelPending(context.Background(), job.ID)
	require.NoError(t, err)
	require.True(t, ok)

	env.processRound(10)

	assert.Equal(t, 0, env.submitter.callCount())
	assert.Equal(t, 0, env.queue.Len())

	used, _, _, err := env.limiter.UserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestDispatcher_CancelledAfterAdmission_ReleasesReservation(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 100}, verifierFunc(allowAll))
	job := env.addJob("u1", "https://example.com/race")

	// Cancel lands between admission and submission: the first GetByID (entry
	// check) sees a live job, the second (post-admission checkpoint) must see
	// the cancellation.
	gets := 0
	env.repo.getHook = func(id string) {
		gets++
		if gets == 2 {
			env.repo.setStatus(id, domain.StatusFailed)
		}
	}

	env.processRound(10)

	assert.Equal(t, 0, env.submitter.callCount(), "cancelled admission must not submit")
	assert.Equal(t, 0, env.queue.Len())

	used, _, _, err := env.limiter.UserUsage(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, used, "the unused reservation must be released")

	entries, err := env.ledger.Read(context.Background(), job.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, domain.StatusFailed, last.To)
	assert.Equal(t, domain.ReasonCancelled, last.Reason)
}

func TestDispatcher_LostSubmission_CountsAsAttempt(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))

	// Simulate a crash after the write-ahead entry: the job re-enters the
	// queue still marked SUBMITTED with one attempt on the books.
	job := env.addJob("u1", "https://example.com/crashed")
	job.Status = domain.StatusSubmitted
	job.Attempts = 1
	env.repo.put(job)
	require.NoError(t, env.ledger.Append(context.Background(), ledger.Entry{
		JobID: job.ID, From: domain.StatusQueued, To: domain.StatusAdmitted,
	}))
	require.NoError(t, env.ledger.Append(context.Background(), ledger.Entry{
		JobID: job.ID, From: domain.StatusAdmitted, To: domain.StatusSubmitted,
	}))

	env.processRound(10)

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(job.ID))
	assert.Equal(t, 1, env.submitter.callCount())

	got, err := env.repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts, "the lost submission still counts against the budget")
}

func TestDispatcher_LostSubmissionAtBudget_FailsWithoutResubmit(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))

	job := env.addJob("u1", "https://example.com/crashed-final")
	job.Status = domain.StatusSubmitted
	job.Attempts = 3
	env.repo.put(job)
	require.NoError(t, env.ledger.Append(context.Background(), ledger.Entry{
		JobID: job.ID, From: domain.StatusQueued, To: domain.StatusSubmitted,
	}))

	env.processRound(10)

	assert.Equal(t, domain.StatusFailed, env.repo.statusOf(job.ID))
	assert.Equal(t, 0, env.submitter.callCount(),
		"an exhausted budget means no further provider calls, ever")
}

func TestDispatcher_Recover_RequeuesNonTerminalJobs(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 10, DomainDaily: 100}, verifierFunc(allowAll))
	ctx := context.Background()

	// Repository state from before the restart; the live queue starts empty.
	queued := env.putJob("u1", "https://example.com/q")
	admitted := env.putJob("u1", "https://example.com/adm")
	finished := env.putJob("u1", "https://example.com/done")
	require.Equal(t, 0, env.queue.Len())

	env.repo.setStatus(admitted.ID, domain.StatusAdmitted)
	env.repo.setStatus(finished.ID, domain.StatusSucceeded)

	n, err := env.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "terminal jobs are not recovered")

	env.processRound(10)
	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(queued.ID))
	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(admitted.ID))
}

func TestDispatcher_Recover_StaleRowWithSpentBudget_FailsWithoutResubmit(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	ctx := context.Background()

	// A crash landed between the write-ahead SUBMITTED entry and the row
	// update: the ledger records the only allowed attempt as spent while the
	// row still says ADMITTED with zero attempts.
	job := env.putJob("u1", "https://example.com/one-shot")
	job.MaxAttempts = 1
	job.Status = domain.StatusAdmitted
	env.repo.put(job)
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusQueued, To: domain.StatusAdmitted,
	}))
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusAdmitted, To: domain.StatusSubmitted,
	}))

	n, err := env.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a spent budget must not re-enter the queue")

	env.processRound(10)

	assert.Equal(t, 0, env.submitter.callCount(),
		"the ledger already records the only allowed attempt")
	assert.Equal(t, domain.StatusFailed, env.repo.statusOf(job.ID))

	entries, err := env.ledger.Read(ctx, job.ID)
	require.NoError(t, err)
	r := ledger.Replay(entries)
	assert.Equal(t, 1, r.Attempts, "replay must still count exactly one submission")
	assert.Equal(t, domain.StatusFailed, r.Status)
	assert.Equal(t, domain.ReasonMaxAttempts, r.LastReason)
}

func TestDispatcher_Recover_AdoptsAttemptCountFromLedger(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	ctx := context.Background()

	// Same lost row update, but with budget remaining: recovery must carry the
	// recorded attempt forward so the lost submission still counts.
	job := env.putJob("u1", "https://example.com/retryable")
	env.repo.setStatus(job.ID, domain.StatusAdmitted)
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusQueued, To: domain.StatusAdmitted,
	}))
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusAdmitted, To: domain.StatusSubmitted,
	}))

	n, err := env.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	env.processRound(10)

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(job.ID))
	assert.Equal(t, 1, env.submitter.callCount())

	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts, "the lost submission still counts against the budget")
}

func TestDispatcher_Recover_RepairsTerminalRowFromLedger(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	ctx := context.Background()

	// The outcome made it to the ledger but the row update was lost: recovery
	// repairs the row instead of requeueing a finished job.
	job := env.putJob("u1", "https://example.com/already-done")
	env.repo.setStatus(job.ID, domain.StatusSubmitted)
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusQueued, To: domain.StatusSubmitted,
	}))
	require.NoError(t, env.ledger.Append(ctx, ledger.Entry{
		JobID: job.ID, From: domain.StatusSubmitted, To: domain.StatusSucceeded,
	}))

	n, err := env.d.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, env.queue.Len())

	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf(job.ID))
	got, err := env.repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	env.processRound(10)
	assert.Equal(t, 0, env.submitter.callCount())
}

func TestDispatcher_RunDrainsOnShutdown(t *testing.T) {
	env := newTestEnv(t, quota.Limits{UserHourly: 100, DomainDaily: 1000}, verifierFunc(allowAll))
	env.d.workers = 2
	env.d.poll = 5 * time.Millisecond

	for i := 0; i < 5; i++ {
		env.addJob("u1", "https://example.com/run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- env.d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
