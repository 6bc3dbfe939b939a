package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/ledger"
)

// LedgerStore persists job transitions in the job_transitions table. The
// dispatcher writes here before every external effect, so the table survives
// crashes and is the source of truth for recovery.
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ ledger.Ledger = (*LedgerStore)(nil)

// Append inserts a transition unless the job already has a terminal entry.
// The guard and insert run in one statement so concurrent appenders cannot
// both slip past the check.
func (s *LedgerStore) Append(ctx context.Context, e ledger.Entry) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, reason, detail)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM job_transitions
			WHERE job_id = $1 AND to_status IN ($6, $7)
		)
		RETURNING seq
	`, e.JobID, string(e.From), string(e.To), e.Reason, e.Detail,
		string(domain.StatusSucceeded), string(domain.StatusFailed))

	var seq uint64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.terminalError(ctx, e.JobID)
		}
		return fmt.Errorf("append transition for job %s: %w", e.JobID, err)
	}
	return nil
}

// terminalError reads back the terminal status that blocked an append.
func (s *LedgerStore) terminalError(ctx context.Context, jobID string) error {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT to_status FROM job_transitions
		WHERE job_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, jobID).Scan(&status)
	if err != nil {
		return fmt.Errorf("read terminal status for job %s: %w", jobID, err)
	}
	return &domain.JobAlreadyTerminalError{JobID: jobID, Status: domain.Status(status)}
}

func (s *LedgerStore) Read(ctx context.Context, jobID string) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, job_id, from_status, to_status, reason, detail, recorded_at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("read transitions for job %s: %w", jobID, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *LedgerStore) ReadSince(ctx context.Context, t time.Time) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, job_id, from_status, to_status, reason, detail, recorded_at
		FROM job_transitions
		WHERE recorded_at >= $1
		ORDER BY seq
	`, t)
	if err != nil {
		return nil, fmt.Errorf("read transitions since %s: %w", t, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var from, to string
		if err := rows.Scan(&e.Seq, &e.JobID, &from, &to, &e.Reason, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.From, e.To = domain.Status(from), domain.Status(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
