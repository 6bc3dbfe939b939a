package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

// publishRequest is the provider's wire format for a publish call.
type publishRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

const notificationTypeUpdated = "URL_UPDATED"

// HTTPSubmitter submits URLs over the provider's REST endpoint. Calls are
// paced through a token-bucket limiter so a burst of admitted jobs does not
// hammer the provider.
type HTTPSubmitter struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPSubmitter.
type HTTPOption func(*HTTPSubmitter)

// WithHTTPClient replaces the default client, for tests or custom transports.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSubmitter) { s.client = c }
}

// WithRateLimit paces outgoing calls at r per second with the given burst.
func WithRateLimit(r float64, burst int) HTTPOption {
	return func(s *HTTPSubmitter) { s.limiter = rate.NewLimiter(rate.Limit(r), burst) }
}

// NewHTTPSubmitter creates a submitter for the given provider endpoint.
// Defaults: 10s request timeout, 5 calls/s with burst 10.
func NewHTTPSubmitter(baseURL, apiKey string, opts ...HTTPOption) *HTTPSubmitter {
	s := &HTTPSubmitter{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Submitter = (*HTTPSubmitter)(nil)

func (s *HTTPSubmitter) Submit(ctx context.Context, job *domain.Job) (Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	body, err := json.Marshal(publishRequest{URL: job.URL, Type: notificationTypeUpdated})
	if err != nil {
		return Result{}, fmt.Errorf("marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v3/urlNotifications:publish", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// Network failures and client timeouts are worth retrying.
		return Result{Outcome: OutcomeTransient, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	// Enough of the body for a useful error message, no more.
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classify(resp.StatusCode, string(snippet)), nil
}

// classify maps a provider status code onto an outcome. 429 is transient
// despite being a 4xx: it means "later", not "never".
func classify(status int, detail string) Result {
	r := Result{StatusCode: status, Detail: detail}
	switch {
	case status >= 200 && status < 300:
		r.Outcome = OutcomeAccepted
	case status == http.StatusTooManyRequests:
		r.Outcome = OutcomeTransient
	case status >= 400 && status < 500:
		r.Outcome = OutcomeRejected
	default:
		r.Outcome = OutcomeTransient
	}
	return r
}
