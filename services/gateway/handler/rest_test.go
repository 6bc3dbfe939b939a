package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
)

// ─── test doubles ────────────────────────────────────────────────────────────

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

type fakeProducer struct {
	mu        sync.Mutex
	published []publishedMsg
	failWith  error
}

func (p *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, publishedMsg{topic: topic, key: key, value: value})
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) byTopic(topic string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.published {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

type fakeStateStore struct {
	mu       sync.Mutex
	statuses map[string]domain.Status
	metas    map[string]*domain.Job
	failWith error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{
		statuses: make(map[string]domain.Status),
		metas:    make(map[string]*domain.Job),
	}
}

func (s *fakeStateStore) SetStatus(_ context.Context, jobID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.statuses[jobID] = status
	return nil
}

func (s *fakeStateStore) GetStatus(_ context.Context, jobID string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return "", s.failWith
	}
	status, ok := s.statuses[jobID]
	if !ok {
		return "", &domain.JobNotFoundError{JobID: jobID}
	}
	return status, nil
}

func (s *fakeStateStore) SetJobMeta(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	cp := *job
	s.metas[job.ID] = &cp
	return nil
}

func (s *fakeStateStore) GetJobMeta(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	job, ok := s.metas[jobID]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: jobID}
	}
	cp := *job
	return &cp, nil
}

type fakeRepo struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	createErr error
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

func (r *fakeRepo) statusOf(id string) domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		return job.Status
	}
	return ""
}

func (r *fakeRepo) Create(_ context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *fakeRepo) CreateBatch(_ context.Context, jobs []*domain.Job) error {
	r.mu.Lock()
	if r.createErr != nil {
		r.mu.Unlock()
		return r.createErr
	}
	r.mu.Unlock()
	for _, job := range jobs {
		r.put(job)
	}
	return nil
}

func (r *fakeRepo) Update(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return &domain.JobNotFoundError{JobID: job.ID}
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	cp := *job
	return &cp, nil
}

func (r *fakeRepo) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.Status == status && len(out) < limit {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListByBatch(_ context.Context, batchID string) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.jobs {
		if job.BatchID == batchID {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeRepo) CancelPending(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = domain.StatusFailed
	job.LastError = domain.ReasonCancelled
	return true, nil
}

func (r *fakeRepo) CountByStatusSince(_ context.Context, _ time.Time) (map[domain.Status]int, error) {
	return nil, nil
}

func (r *fakeRepo) ArchiveTerminalBefore(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

type fakeQuota struct {
	userUsed   int
	userLimit  int
	domainUsed int
	domLimit   int
	resetsAt   time.Time
	failWith   error
}

func (q *fakeQuota) UserUsage(_ context.Context, _ string) (int, int, time.Time, error) {
	if q.failWith != nil {
		return 0, 0, time.Time{}, q.failWith
	}
	return q.userUsed, q.userLimit, q.resetsAt, nil
}

func (q *fakeQuota) DomainUsage(_ context.Context, _, _ string) (int, int, time.Time, error) {
	if q.failWith != nil {
		return 0, 0, time.Time{}, q.failWith
	}
	return q.domainUsed, q.domLimit, q.resetsAt, nil
}

type fakeIngest struct {
	allowed bool
	limit   int
}

func (f *fakeIngest) Allow(_ context.Context, _ string) (bool, error) { return f.allowed, nil }
func (f *fakeIngest) Limit() int                                      { return f.limit }

// ─── harness ─────────────────────────────────────────────────────────────────

type testEnv struct {
	handler  *REST
	router   http.Handler
	producer *fakeProducer
	store    *fakeStateStore
	repo     *fakeRepo
	quota    *fakeQuota
	ingest   *fakeIngest
}

func newTestEnv(opts ...Option) *testEnv {
	env := &testEnv{
		producer: &fakeProducer{},
		store:    newFakeStateStore(),
		repo:     newFakeRepo(),
		quota:    &fakeQuota{userLimit: 50, domLimit: 200, resetsAt: time.Now().Add(30 * time.Minute)},
		ingest:   &fakeIngest{allowed: true, limit: 30},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.handler = NewREST(kafka.NewBus(env.producer), env.store, env.repo, env.quota, env.ingest, logger, opts...)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", env.handler.SubmitBatch)
		r.Get("/batches/{id}", env.handler.GetBatchStatus)
		r.Get("/jobs/{id}", env.handler.GetJobStatus)
		r.Post("/jobs/{id}/cancel", env.handler.CancelJob)
		r.Get("/users/{id}/quota", env.handler.GetQuota)
	})
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

// ─── submit ──────────────────────────────────────────────────────────────────

func TestSubmitBatch_AcceptsAndPublishes(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://example.com/a", "https://other.org/b"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitBatchResponse](t, rec)
	assert.NotEmpty(t, resp.BatchID)
	assert.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.Jobs, 2)
	assert.Empty(t, resp.Rejected)

	// Every job is durable before the response goes out.
	for _, bj := range resp.Jobs {
		assert.Equal(t, domain.StatusQueued, env.repo.statusOf(bj.JobID))
	}

	// One message per job on the incoming topic, keyed by domain.
	msgs := env.producer.byTopic(kafka.TopicJobs)
	require.Len(t, msgs, 2)
	keys := []string{msgs[0].key, msgs[1].key}
	assert.ElementsMatch(t, []string{"example.com", "other.org"}, keys)
}

func TestSubmitBatch_MalformedURLsRejectedIndividually(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://example.com/ok", "ftp://example.com/bad", "not a url"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitBatchResponse](t, rec)
	assert.Equal(t, 1, resp.Accepted)
	assert.Len(t, resp.Rejected, 2)
	assert.Len(t, env.producer.byTopic(kafka.TopicJobs), 1)
}

func TestSubmitBatch_AllURLsInvalid(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"ftp://x", "://"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.producer.byTopic(kafka.TopicJobs))
}

func TestSubmitBatch_RequiresUserAndURLs(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{URLs: []string{"https://example.com"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{UserID: "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatch_TooManyURLs(t *testing.T) {
	env := newTestEnv(WithMaxBatchURLs(2))

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://a.com/1", "https://a.com/2", "https://a.com/3"},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitBatch_RateLimited(t *testing.T) {
	env := newTestEnv()
	env.ingest.allowed = false

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://example.com/a"},
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, env.producer.byTopic(kafka.TopicJobs))
	assert.Empty(t, env.repo.jobs)
}

func TestSubmitBatch_PersistFailureRejectsBatch(t *testing.T) {
	env := newTestEnv()
	env.repo.createErr = errors.New("connection refused")

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://example.com/a"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, env.producer.byTopic(kafka.TopicJobs), "nothing may reach the topic when the insert fails")
}

func TestSubmitBatch_PublishFailureStillAccepted(t *testing.T) {
	// A job that misses Kafka is still QUEUED in the database and gets picked
	// up by dispatcher recovery, so the batch is accepted regardless.
	env := newTestEnv()
	env.producer.failWith = errors.New("broker unreachable")

	rec := env.do(t, http.MethodPost, "/api/v1/batches", SubmitBatchRequest{
		UserID: "u1",
		URLs:   []string{"https://example.com/a"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	resp := decodeBody[SubmitBatchResponse](t, rec)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, domain.StatusQueued, env.repo.statusOf(resp.Jobs[0].JobID))
}

// ─── status reads ────────────────────────────────────────────────────────────

func seedJob(env *testEnv, id, batchID string, status domain.Status) *domain.Job {
	job := &domain.Job{
		ID: id, BatchID: batchID, UserID: "u1",
		URL: fmt.Sprintf("https://example.com/%s", id), Domain: "example.com",
		Status: status, MaxAttempts: 3,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	env.repo.put(job)
	return job
}

func TestGetJobStatus_RedisFastPath(t *testing.T) {
	env := newTestEnv()
	job := seedJob(env, "j1", "b1", domain.StatusQueued)
	require.NoError(t, env.store.SetJobMeta(context.Background(), job))
	delete(env.repo.jobs, "j1") // prove Postgres is never needed

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[JobStatusResponse](t, rec)
	assert.Equal(t, "j1", resp.JobID)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)
}

func TestGetJobStatus_FallsBackToPostgres(t *testing.T) {
	env := newTestEnv()
	seedJob(env, "j1", "b1", domain.StatusSucceeded)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[JobStatusResponse](t, rec)
	assert.Equal(t, string(domain.StatusSucceeded), resp.Status)
}

func TestGetJobStatus_LiveStatusWins(t *testing.T) {
	env := newTestEnv()
	job := seedJob(env, "j1", "b1", domain.StatusQueued)
	require.NoError(t, env.store.SetJobMeta(context.Background(), job))
	require.NoError(t, env.store.SetStatus(context.Background(), "j1", domain.StatusSucceeded))

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[JobStatusResponse](t, rec)
	assert.Equal(t, string(domain.StatusSucceeded), resp.Status, "stale meta snapshot must not shadow the live status")
}

func TestGetJobStatus_NotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBatchStatus_CountsByStatus(t *testing.T) {
	env := newTestEnv()
	seedJob(env, "j1", "b1", domain.StatusSucceeded)
	seedJob(env, "j2", "b1", domain.StatusSucceeded)
	seedJob(env, "j3", "b1", domain.StatusQueued)
	seedJob(env, "j4", "other", domain.StatusQueued)

	rec := env.do(t, http.MethodGet, "/api/v1/batches/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[BatchStatusResponse](t, rec)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Counts[string(domain.StatusSucceeded)])
	assert.Equal(t, 1, resp.Counts[string(domain.StatusQueued)])
}

func TestGetBatchStatus_NotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/api/v1/batches/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ─── quota ───────────────────────────────────────────────────────────────────

func TestGetQuota_UserWindow(t *testing.T) {
	env := newTestEnv()
	env.quota.userUsed = 12

	rec := env.do(t, http.MethodGet, "/api/v1/users/u1/quota", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[QuotaResponse](t, rec)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, 12, resp.User.Used)
	assert.Equal(t, 50, resp.User.Limit)
	assert.Equal(t, 38, resp.User.Remaining)
	assert.Nil(t, resp.Domain)
}

func TestGetQuota_WithDomainWindow(t *testing.T) {
	env := newTestEnv()
	env.quota.domainUsed = 199

	rec := env.do(t, http.MethodGet, "/api/v1/users/u1/quota?domain=Example.COM", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[QuotaResponse](t, rec)
	require.NotNil(t, resp.Domain)
	assert.Equal(t, 199, resp.Domain.Used)
	assert.Equal(t, 1, resp.Domain.Remaining)
}

// ─── cancel ──────────────────────────────────────────────────────────────────

func TestCancelJob_Pending(t *testing.T) {
	env := newTestEnv()
	seedJob(env, "j1", "b1", domain.StatusQueued)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[CancelJobResponse](t, rec)
	assert.Equal(t, string(domain.StatusFailed), resp.Status)
	assert.Equal(t, domain.ReasonCancelled, resp.Reason)
	assert.Equal(t, domain.StatusFailed, env.repo.statusOf("j1"))

	status, err := env.store.GetStatus(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status, "live status mirror must reflect the cancellation")
}

func TestCancelJob_AlreadyTerminal(t *testing.T) {
	env := newTestEnv()
	seedJob(env, "j1", "b1", domain.StatusSucceeded)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs/j1/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.StatusSucceeded, env.repo.statusOf("j1"))
}

func TestCancelJob_NotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodPost, "/api/v1/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
