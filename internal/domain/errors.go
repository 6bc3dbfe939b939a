package domain

import (
	"fmt"
	"time"
)

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// QuotaExceededError is returned when a reservation would push a subject past
// its window limit. RetryAfter is the time until the denying window rolls over.
type QuotaExceededError struct {
	Subject    string
	Limit      int
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %q: limit is %d, retry after %s", e.Subject, e.Limit, e.RetryAfter)
}

// UnverifiedDomainError is returned when a job's domain is not in the owner's
// verified set. Terminal for the job; requires action outside the system.
type UnverifiedDomainError struct {
	UserID string
	Domain string
}

func (e *UnverifiedDomainError) Error() string {
	return fmt.Sprintf("domain %q is not verified for user %s", e.Domain, e.UserID)
}

// InvalidURLError is returned when a submitted URL cannot become a job.
type InvalidURLError struct {
	URL    string
	Detail string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Detail)
}

// BatchTooLargeError is returned when a submission carries more URLs than one
// batch may hold.
type BatchTooLargeError struct {
	Size  int
	Limit int
}

func (e *BatchTooLargeError) Error() string {
	return fmt.Sprintf("batch of %d urls exceeds the limit of %d", e.Size, e.Limit)
}

// JobAlreadyTerminalError is returned when a job is re-delivered but already
// in a terminal state.
type JobAlreadyTerminalError struct {
	JobID  string
	Status Status
}

func (e *JobAlreadyTerminalError) Error() string {
	return fmt.Sprintf("job %s already terminal with status %s", e.JobID, e.Status)
}
