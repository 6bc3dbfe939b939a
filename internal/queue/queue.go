// Package queue implements the in-process submission queue the dispatcher
// workers pull from. Jobs keep their original enqueue sequence across
// nack/requeue, so a deferred job re-enters ahead of everything enqueued after
// it instead of being pushed to the tail. Dequeued jobs are leased: if a
// worker dies without acking, the lease expires and the job becomes visible
// again.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

type item struct {
	job *domain.Job
	seq uint64
	// notBefore defers delivery (rate-limit retry_after, backoff).
	notBefore time.Time
	// lease state while dequeued and not yet acked.
	leasedBy    string
	leaseExpiry time.Time

	readyIndex   int
	delayedIndex int
}

// Queue is safe for concurrent use by any number of producers and workers.
type Queue struct {
	mu         sync.Mutex
	seq        uint64
	ready      readyHeap   // eligible now, ordered by original sequence
	delayed    delayedHeap // ordered by notBefore
	leased     map[string]*item
	byID       map[string]*item
	visibility time.Duration
	now        func() time.Time
}

// New creates a Queue with the given visibility timeout for unacked jobs.
func New(visibility time.Duration) *Queue {
	return &Queue{
		leased:     make(map[string]*item),
		byID:       make(map[string]*item),
		visibility: visibility,
		now:        time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue adds a job at the tail of its domain's FIFO order.
// Enqueueing an ID already present is a no-op.
func (q *Queue) Enqueue(job *domain.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[job.ID]; exists {
		return
	}

	q.seq++
	it := &item{job: job, seq: q.seq, readyIndex: -1, delayedIndex: -1}
	if job.NextEligibleAt != nil && job.NextEligibleAt.After(q.now()) {
		it.notBefore = *job.NextEligibleAt
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
	q.byID[job.ID] = it
}

// DequeueBatch leases up to max eligible jobs to workerID. Jobs whose lease
// from a previous worker has expired are reclaimed first.
func (q *Queue) DequeueBatch(workerID string, max int) []*domain.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reclaimExpired(now)
	q.promoteDue(now)

	var jobs []*domain.Job
	for len(jobs) < max && q.ready.Len() > 0 {
		it := heap.Pop(&q.ready).(*item)
		it.leasedBy = workerID
		it.leaseExpiry = now.Add(q.visibility)
		q.leased[it.job.ID] = it
		jobs = append(jobs, it.job)
	}
	return jobs
}

// Ack removes a completed job. Unknown IDs are ignored.
func (q *Queue) Ack(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.leased[jobID]
	if !ok {
		return
	}
	delete(q.leased, jobID)
	delete(q.byID, jobID)
	it.job = nil
}

// Nack returns a leased job to the queue, eligible again at deferUntil. The
// job keeps its original sequence number: once eligible, it is delivered
// before anything enqueued after it.
func (q *Queue) Nack(jobID string, deferUntil time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.leased[jobID]
	if !ok {
		return
	}
	delete(q.leased, jobID)
	it.leasedBy = ""
	it.notBefore = deferUntil

	if deferUntil.After(q.now()) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.ready, it)
	}
}

// Len reports how many jobs are queued or leased.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// reclaimExpired returns timed-out leases to the ready heap. The caller holds mu.
func (q *Queue) reclaimExpired(now time.Time) {
	for id, it := range q.leased {
		if now.After(it.leaseExpiry) {
			delete(q.leased, id)
			it.leasedBy = ""
			heap.Push(&q.ready, it)
		}
	}
}

// promoteDue moves delayed items whose deferral elapsed into the ready heap.
// The caller holds mu.
func (q *Queue) promoteDue(now time.Time) {
	for q.delayed.Len() > 0 {
		it := q.delayed[0]
		if it.notBefore.After(now) {
			break
		}
		heap.Pop(&q.delayed)
		heap.Push(&q.ready, it)
	}
}

// ── heaps ─────────────────────────────────────────────────────────────────────

type readyHeap []*item

func (h readyHeap) Len() int            { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].readyIndex = i; h[j].readyIndex = j }
func (h *readyHeap) Push(x any)         { it := x.(*item); it.readyIndex = len(*h); *h = append(*h, it) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.readyIndex = -1
	*h = old[:n-1]
	return it
}

type delayedHeap []*item

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].notBefore.Before(h[j].notBefore) }
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].delayedIndex = i
	h[j].delayedIndex = j
}
func (h *delayedHeap) Push(x any) { it := x.(*item); it.delayedIndex = len(*h); *h = append(*h, it) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.delayedIndex = -1
	*h = old[:n-1]
	return it
}
