// Package indexer talks to the external indexing provider. The dispatcher
// treats it as a black box that accepts a URL and answers with one of three
// outcomes; mapping provider responses onto those outcomes lives here.
package indexer

import (
	"context"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// Outcome classifies a submission attempt.
type Outcome string

const (
	// OutcomeAccepted means the provider took the URL.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected means the provider refused and retrying is pointless.
	OutcomeRejected Outcome = "rejected"
	// OutcomeTransient means the attempt failed in a way that may succeed
	// later: throttling, server errors, timeouts.
	OutcomeTransient Outcome = "transient"
)

// Result is the classified response to one submission.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Detail     string
}

// Submitter sends one URL to the provider. An error return is reserved for
// local failures (context cancellation, request construction); provider-side
// failures come back as a Result.
type Submitter interface {
	Submit(ctx context.Context, job *domain.Job) (Result, error)
}
