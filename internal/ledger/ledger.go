// Package ledger records every job state transition as an append-only log.
// The dispatcher appends the transition BEFORE performing the external effect
// it describes, so after a crash the log is the authority on how far each job
// got: a job whose last entry is SUBMITTED with no terminal entry may or may
// not have reached the provider, and recovery must treat it conservatively.
package ledger

import (
	"context"
	"time"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// Entry is one recorded transition for one job.
type Entry struct {
	Seq    uint64        `json:"seq"`
	JobID  string        `json:"job_id"`
	From   domain.Status `json:"from"`
	To     domain.Status `json:"to"`
	Reason string        `json:"reason,omitempty"`
	Detail string        `json:"detail,omitempty"`
	At     time.Time     `json:"at"`
}

// Ledger is the append-only transition log. Append must reject transitions
// out of a terminal state; everything after that is the caller's business.
type Ledger interface {
	// Append records a transition. Seq and At are assigned by the ledger.
	Append(ctx context.Context, e Entry) error
	// Read returns all entries for a job in append order.
	Read(ctx context.Context, jobID string) ([]Entry, error)
	// ReadSince returns all entries appended at or after t, across jobs,
	// in append order. Used by recovery and reporting.
	ReadSince(ctx context.Context, t time.Time) ([]Entry, error)
}

// ReplayedJob is the state derived from a job's full entry history.
type ReplayedJob struct {
	JobID    string
	Status   domain.Status
	Attempts int
	// InFlight is true when the last entry is a transition to SUBMITTED with
	// no later entry: the submission's outcome was never recorded and the job
	// must not be blindly resubmitted.
	InFlight   bool
	LastReason string
	LastAt     time.Time
}

// Replay folds a job's entries into its current state. Entries must be in
// append order and belong to a single job.
func Replay(entries []Entry) ReplayedJob {
	var r ReplayedJob
	if len(entries) == 0 {
		return r
	}
	r.JobID = entries[0].JobID
	for _, e := range entries {
		r.Status = e.To
		r.LastReason = e.Reason
		r.LastAt = e.At
		if e.To == domain.StatusSubmitted {
			r.Attempts++
		}
	}
	r.InFlight = r.Status == domain.StatusSubmitted
	return r
}

// ReplayAll groups entries by job and replays each. Entries must be in
// append order.
func ReplayAll(entries []Entry) map[string]ReplayedJob {
	byJob := make(map[string][]Entry)
	for _, e := range entries {
		byJob[e.JobID] = append(byJob[e.JobID], e)
	}
	out := make(map[string]ReplayedJob, len(byJob))
	for id, es := range byJob {
		out[id] = Replay(es)
	}
	return out
}
