package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// MemoryLedger is an in-process Ledger for tests and single-node deployments.
type MemoryLedger struct {
	mu      sync.RWMutex
	seq     uint64
	entries []Entry
	byJob   map[string][]int // indexes into entries
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byJob: make(map[string][]int),
		now:   time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (l *MemoryLedger) WithClock(now func() time.Time) *MemoryLedger {
	l.now = now
	return l
}

func (l *MemoryLedger) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idxs := l.byJob[e.JobID]; len(idxs) > 0 {
		last := l.entries[idxs[len(idxs)-1]]
		if last.To.IsTerminal() {
			return &domain.JobAlreadyTerminalError{JobID: e.JobID, Status: last.To}
		}
	}

	l.seq++
	e.Seq = l.seq
	e.At = l.now()
	l.byJob[e.JobID] = append(l.byJob[e.JobID], len(l.entries))
	l.entries = append(l.entries, e)
	return nil
}

func (l *MemoryLedger) Read(_ context.Context, jobID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idxs := l.byJob[jobID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *MemoryLedger) ReadSince(_ context.Context, t time.Time) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if !e.At.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}
