package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/postgres"
	redisstore "github.com/sachinsitapure/URLIndexingBoT/internal/redis"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
)

// QuotaReader exposes the usage queries the gateway serves; the dispatcher
// side owns reservation and release.
type QuotaReader interface {
	UserUsage(ctx context.Context, userID string) (used, limit int, resetsAt time.Time, err error)
	DomainUsage(ctx context.Context, userID, dom string) (used, limit int, resetsAt time.Time, err error)
}

// REST handles HTTP requests for the gateway.
type REST struct {
	bus         *kafka.Bus
	store       redisstore.StateStore
	repo        postgres.JobRepository
	quotas      QuotaReader
	ingest      redisstore.IngestLimiter
	logger      *slog.Logger
	maxAttempts int
	maxBatch    int
}

// Option customises a REST handler.
type Option func(*REST)

// WithMaxAttempts sets the retry budget stamped on new jobs.
func WithMaxAttempts(n int) Option {
	return func(h *REST) { h.maxAttempts = n }
}

// WithMaxBatchURLs caps how many URLs one batch may carry.
func WithMaxBatchURLs(n int) Option {
	return func(h *REST) { h.maxBatch = n }
}

// NewREST creates a new REST handler.
func NewREST(bus *kafka.Bus, store redisstore.StateStore, repo postgres.JobRepository,
	quotas QuotaReader, ingest redisstore.IngestLimiter, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{
		bus:         bus,
		store:       store,
		repo:        repo,
		quotas:      quotas,
		ingest:      ingest,
		logger:      logger,
		maxAttempts: 3,
		maxBatch:    100,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubmitBatchRequest is the JSON body for POST /api/v1/batches.
type SubmitBatchRequest struct {
	UserID string   `json:"user_id"`
	URLs   []string `json:"urls"`
}

// RejectedURL describes one submitted URL that failed validation.
type RejectedURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// BatchJob is the per-job slice of the 202 response.
type BatchJob struct {
	JobID  string `json:"job_id"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// SubmitBatchResponse is the 202 response body.
type SubmitBatchResponse struct {
	BatchID  string        `json:"batch_id"`
	Accepted int           `json:"accepted"`
	Jobs     []BatchJob    `json:"jobs"`
	Rejected []RejectedURL `json:"rejected,omitempty"`
}

// SubmitBatch handles POST /api/v1/batches. Malformed URLs are rejected
// individually; the batch is accepted as long as at least one URL survives.
func (h *REST) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.submit_batch")
	defer span.End()

	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "field 'user_id' is required")
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "field 'urls' must not be empty")
		return
	}
	if len(req.URLs) > h.maxBatch {
		tooLarge := &domain.BatchTooLargeError{Size: len(req.URLs), Limit: h.maxBatch}
		writeError(w, http.StatusRequestEntityTooLarge, tooLarge.Error())
		return
	}

	allowed, err := h.ingest.Allow(ctx, req.UserID)
	if err != nil {
		h.logger.Error("ingest limiter error", slog.String("user_id", req.UserID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to accept batch")
		return
	}
	if !allowed {
		writeError(w, http.StatusTooManyRequests, "submission rate exceeded, slow down")
		return
	}

	batchID := uuid.New().String()
	now := time.Now().UTC()
	span.SetAttributes(
		attribute.String("batch.id", batchID),
		attribute.String("user.id", req.UserID),
		attribute.Int("batch.urls", len(req.URLs)),
	)

	var jobs []*domain.Job
	var rejected []RejectedURL
	for _, raw := range req.URLs {
		dom, err := domain.ParseDomain(raw)
		if err != nil {
			rejected = append(rejected, RejectedURL{URL: raw, Reason: rejectReason(err)})
			telemetry.GatewayURLsRejected.Inc()
			continue
		}
		jobs = append(jobs, &domain.Job{
			ID:          uuid.New().String(),
			BatchID:     batchID,
			UserID:      req.UserID,
			URL:         strings.TrimSpace(raw),
			Domain:      dom,
			Status:      domain.StatusQueued,
			MaxAttempts: h.maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if len(jobs) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":    "no valid urls in batch",
			"rejected": rejected,
		})
		return
	}

	// Postgres is the durable record; a batch that cannot be persisted is
	// not accepted.
	if err := h.repo.CreateBatch(ctx, jobs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch insert failed")
		h.logger.Error("failed to persist batch", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create batch")
		return
	}

	resp := SubmitBatchResponse{BatchID: batchID, Accepted: len(jobs), Rejected: rejected}
	for _, job := range jobs {
		// Redis mirror and Kafka publish are best-effort here: a job that
		// misses the topic is still QUEUED in Postgres and gets requeued by
		// dispatcher recovery.
		if err := h.store.SetJobMeta(ctx, job); err != nil {
			h.logger.Error("failed to set job meta", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		if err := h.store.SetStatus(ctx, job.ID, job.Status); err != nil {
			h.logger.Error("failed to set job status", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
		if err := h.bus.PublishJob(ctx, job); err != nil {
			span.RecordError(err)
			h.logger.Error("failed to publish job",
				slog.String("job_id", job.ID),
				slog.String("batch_id", batchID),
				slog.String("error", err.Error()))
		}
		resp.Jobs = append(resp.Jobs, BatchJob{
			JobID:  job.ID,
			URL:    job.URL,
			Domain: job.Domain,
			Status: string(job.Status),
		})
	}

	telemetry.GatewayBatchesAccepted.Inc()
	telemetry.GatewayJobsCreated.Add(float64(len(jobs)))
	h.logger.Info("batch accepted",
		slog.String("batch_id", batchID),
		slog.String("user_id", req.UserID),
		slog.Int("jobs", len(jobs)),
		slog.Int("rejected", len(rejected)),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// JobStatusResponse is the GET /jobs/{id} response body.
type JobStatusResponse struct {
	JobID          string     `json:"job_id"`
	BatchID        string     `json:"batch_id"`
	URL            string     `json:"url"`
	Domain         string     `json:"domain"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// GetJobStatus handles GET /api/v1/jobs/{id}.
func (h *REST) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	ctx := r.Context()

	// Fast path: Redis.
	job, err := h.store.GetJobMeta(ctx, jobID)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("redis error", slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}

		// Slow path: Postgres fallback (Redis TTL expired or cache miss).
		job, err = h.repo.GetByID(ctx, jobID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			h.logger.Error("postgres error", slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
	}

	// Always read the live status from Redis (the dispatcher may have moved
	// the job since the meta snapshot was written).
	if status, err := h.store.GetStatus(ctx, jobID); err == nil {
		job.Status = status
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobResponse(job))
}

// BatchStatusResponse is the GET /batches/{id} response body.
type BatchStatusResponse struct {
	BatchID string              `json:"batch_id"`
	Total   int                 `json:"total"`
	Counts  map[string]int      `json:"counts"`
	Jobs    []JobStatusResponse `json:"jobs"`
}

// GetBatchStatus handles GET /api/v1/batches/{id}.
func (h *REST) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")
	if batchID == "" {
		writeError(w, http.StatusBadRequest, "batch ID is required")
		return
	}

	ctx := r.Context()
	jobs, err := h.repo.ListByBatch(ctx, batchID)
	if err != nil {
		h.logger.Error("postgres error", slog.String("batch_id", batchID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve batch")
		return
	}
	if len(jobs) == 0 {
		writeError(w, http.StatusNotFound, "batch not found")
		return
	}

	resp := BatchStatusResponse{BatchID: batchID, Total: len(jobs), Counts: make(map[string]int)}
	for _, job := range jobs {
		if status, err := h.store.GetStatus(ctx, job.ID); err == nil {
			job.Status = status
		}
		resp.Counts[string(job.Status)]++
		resp.Jobs = append(resp.Jobs, jobResponse(job))
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// WindowUsage is one quota window in the quota response.
type WindowUsage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resets_at"`
}

// QuotaResponse is the GET /users/{id}/quota response body.
type QuotaResponse struct {
	UserID string       `json:"user_id"`
	User   WindowUsage  `json:"user"`
	Domain *WindowUsage `json:"domain,omitempty"`
}

// GetQuota handles GET /api/v1/users/{id}/quota. Passing ?domain= adds the
// daily window of that domain to the response.
func (h *REST) GetQuota(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user ID is required")
		return
	}

	ctx := r.Context()
	used, limit, resetsAt, err := h.quotas.UserUsage(ctx, userID)
	if err != nil {
		h.logger.Error("quota lookup error", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read quota")
		return
	}

	resp := QuotaResponse{UserID: userID, User: windowUsage(used, limit, resetsAt)}

	if dom := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("domain"))); dom != "" {
		used, limit, resetsAt, err := h.quotas.DomainUsage(ctx, userID, dom)
		if err != nil {
			h.logger.Error("quota lookup error", slog.String("domain", dom), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to read quota")
			return
		}
		du := windowUsage(used, limit, resetsAt)
		resp.Domain = &du
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// CancelJobResponse is the POST /jobs/{id}/cancel response body.
type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel. Cancellation only takes
// effect on jobs that have not reached a terminal state; the dispatcher
// re-checks before and after admission, so a cancelled job never reaches the
// provider once this returns.
func (h *REST) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	ctx := r.Context()
	cancelled, err := h.repo.CancelPending(ctx, jobID)
	if err != nil {
		h.logger.Error("cancel error", slog.String("job_id", jobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !cancelled {
		// Either the job never existed or it already finished.
		if _, err := h.repo.GetByID(ctx, jobID); err != nil {
			var notFound *domain.JobNotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			h.logger.Error("postgres error", slog.String("job_id", jobID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
			return
		}
		writeError(w, http.StatusConflict, "job already finished")
		return
	}

	if err := h.store.SetStatus(ctx, jobID, domain.StatusFailed); err != nil {
		h.logger.Error("failed to mirror cancelled status", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}

	h.logger.Info("job cancelled", slog.String("job_id", jobID))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(CancelJobResponse{
		JobID:  jobID,
		Status: string(domain.StatusFailed),
		Reason: domain.ReasonCancelled,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.JobNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func jobResponse(job *domain.Job) JobStatusResponse {
	return JobStatusResponse{
		JobID:          job.ID,
		BatchID:        job.BatchID,
		URL:            job.URL,
		Domain:         job.Domain,
		Status:         string(job.Status),
		Attempts:       job.Attempts,
		MaxAttempts:    job.MaxAttempts,
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		NextEligibleAt: job.NextEligibleAt,
	}
}

func windowUsage(used, limit int, resetsAt time.Time) WindowUsage {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return WindowUsage{Used: used, Limit: limit, Remaining: remaining, ResetsAt: resetsAt}
}

func rejectReason(err error) string {
	var invalid *domain.InvalidURLError
	if errors.As(err, &invalid) {
		return invalid.Detail
	}
	return "invalid url"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
