package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status represents the states a job can be in.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusRateLimited Status = "RATE_LIMITED"
	StatusAdmitted    Status = "ADMITTED"
	StatusSubmitted   Status = "SUBMITTED"
	StatusSucceeded   Status = "SUCCEEDED"
	StatusFailed      Status = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Failure reasons recorded on terminal and requeue transitions.
const (
	ReasonUnverifiedDomain = "unverified_domain"
	ReasonQuotaExceeded    = "quota_exceeded"
	ReasonTransientError   = "transient_error"
	ReasonPermanentError   = "permanent_error"
	ReasonMaxAttempts      = "max_attempts"
	ReasonCancelled        = "cancelled"
)

// Job is one URL submission working its way to the external indexing API.
// Domain is derived from URL exactly once, at creation.
type Job struct {
	ID             string     `json:"id"`
	BatchID        string     `json:"batch_id"`
	UserID         string     `json:"user_id"`
	URL            string     `json:"url"`
	Domain         string     `json:"domain"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
}

// ParseDomain extracts the registrable host from a raw URL string.
// Rejects anything without an http(s) scheme or a host.
func ParseDomain(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &InvalidURLError{URL: raw, Detail: "scheme must be http or https"}
	}
	if u.Hostname() == "" {
		return "", &InvalidURLError{URL: raw, Detail: "missing host"}
	}
	return strings.ToLower(u.Hostname()), nil
}
