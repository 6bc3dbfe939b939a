package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// JobRepository abstracts all database access for jobs.
type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	CreateBatch(ctx context.Context, jobs []*domain.Job) error
	Update(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)
	ListByBatch(ctx context.Context, batchID string) ([]*domain.Job, error)
	// CancelPending marks a job FAILED/cancelled iff it has not reached a
	// terminal state. Reports whether the cancellation took effect.
	CancelPending(ctx context.Context, id string) (bool, error)
	CountByStatusSince(ctx context.Context, since time.Time) (map[domain.Status]int, error)
	// ArchiveTerminalBefore moves terminal jobs whose completion predates
	// cutoff into jobs_archive and returns how many rows moved.
	ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the JobRepository interface.
func NewRepository(pool *pgxpool.Pool) JobRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const insertJobSQL = `
	INSERT INTO jobs
		(id, batch_id, user_id, url, domain, status, attempts, max_attempts,
		 last_error, created_at, updated_at, last_attempt_at, next_eligible_at)
	VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
`

func insertArgs(job *domain.Job) []any {
	return []any{
		job.ID, job.BatchID, job.UserID, job.URL, job.Domain, string(job.Status),
		job.Attempts, job.MaxAttempts, job.LastError,
		job.CreatedAt, job.UpdatedAt, job.LastAttemptAt, job.NextEligibleAt,
	}
}

func (r *repository) Create(ctx context.Context, job *domain.Job) error {
	if _, err := r.pool.Exec(ctx, insertJobSQL, insertArgs(job)...); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// CreateBatch inserts all jobs of one submission atomically: a batch either
// exists in full or not at all.
func (r *repository) CreateBatch(ctx context.Context, jobs []*domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, job := range jobs {
		if _, err := tx.Exec(ctx, insertJobSQL, insertArgs(job)...); err != nil {
			return fmt.Errorf("create job %s in batch %s: %w", job.ID, job.BatchID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch %s: %w", jobs[0].BatchID, err)
	}
	return nil
}

func (r *repository) Update(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	job.UpdatedAt = now
	var completedAt *time.Time
	if job.Status.IsTerminal() {
		t := now
		completedAt = &t
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, attempts = $2, last_error = $3, updated_at = $4,
		    last_attempt_at = $5, next_eligible_at = $6, completed_at = $7
		WHERE id = $8
	`, string(job.Status), job.Attempts, job.LastError, now,
		job.LastAttemptAt, job.NextEligibleAt, completedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.JobNotFoundError{JobID: job.ID}
	}
	return nil
}

const selectJobSQL = `
	SELECT id, batch_id, user_id, url, domain, status, attempts, max_attempts,
	       last_error, created_at, updated_at, last_attempt_at, next_eligible_at
	FROM jobs
`

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, selectJobSQL+` WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, err
	}
	return job, nil
}

func (r *repository) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, selectJobSQL+`
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *repository) ListByBatch(ctx context.Context, batchID string) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, selectJobSQL+`
		WHERE batch_id = $1
		ORDER BY created_at
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs for batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *repository) CancelPending(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, last_error = $2, updated_at = $3, completed_at = $3
		WHERE id = $4 AND status NOT IN ($5, $6)
	`, string(domain.StatusFailed), domain.ReasonCancelled, now, id,
		string(domain.StatusSucceeded), string(domain.StatusFailed))
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repository) CountByStatusSince(ctx context.Context, since time.Time) (map[domain.Status]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, count(*)
		FROM jobs
		WHERE updated_at >= $1
		GROUP BY status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *repository) ArchiveTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		WITH moved AS (
			DELETE FROM jobs
			WHERE status IN ($1, $2) AND completed_at < $3
			RETURNING *
		)
		INSERT INTO jobs_archive SELECT * FROM moved
	`, string(domain.StatusSucceeded), string(domain.StatusFailed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive terminal jobs before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var job domain.Job
	var statusStr string
	err := row.Scan(
		&job.ID, &job.BatchID, &job.UserID, &job.URL, &job.Domain, &statusStr,
		&job.Attempts, &job.MaxAttempts, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &job.LastAttemptAt, &job.NextEligibleAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.Status(statusStr)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
