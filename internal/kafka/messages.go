// Package kafka carries the pipeline's three message flows: accepted jobs
// from the gateway to the dispatcher, terminal outcome events for downstream
// consumers, and a dead-letter topic for payloads that cannot be processed.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

const (
	// TopicJobs carries newly accepted jobs, keyed by domain so one
	// partition sees a domain's jobs in submission order.
	TopicJobs = "jobs.incoming"
	// TopicEvents carries terminal outcome events, keyed by user.
	TopicEvents = "jobs.events"
	// TopicDLQ receives payloads the dispatcher could not decode.
	TopicDLQ = "jobs.dlq"
)

// OutcomeEvent is published once per job when it reaches a terminal state.
type OutcomeEvent struct {
	JobID    string        `json:"job_id"`
	BatchID  string        `json:"batch_id"`
	UserID   string        `json:"user_id"`
	URL      string        `json:"url"`
	Status   domain.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}

// DeadLetter wraps an undecodable message together with why it failed.
type DeadLetter struct {
	SourceTopic string          `json:"source_topic"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error"`
	FailedAt    time.Time       `json:"failed_at"`
}

// Bus wraps a Producer with the pipeline's typed publishes.
type Bus struct {
	producer Producer
}

func NewBus(p Producer) *Bus {
	return &Bus{producer: p}
}

// PublishJob enqueues an accepted job for the dispatcher.
func (b *Bus) PublishJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	return b.producer.Publish(ctx, TopicJobs, job.Domain, data)
}

// PublishOutcome emits a terminal outcome event.
func (b *Bus) PublishOutcome(ctx context.Context, ev OutcomeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outcome for job %s: %w", ev.JobID, err)
	}
	return b.producer.Publish(ctx, TopicEvents, ev.UserID, data)
}

// PublishDeadLetter forwards a message that could not be decoded. The raw
// payload travels inside the envelope so nothing is lost.
func (b *Bus) PublishDeadLetter(ctx context.Context, msg Message, cause error) error {
	dl := DeadLetter{
		SourceTopic: msg.Topic,
		Key:         string(msg.Key),
		Payload:     json.RawMessage(msg.Value),
		Error:       cause.Error(),
		FailedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(dl)
	if err != nil {
		// The payload was not valid JSON; ship it base64-free as a string field instead.
		dl.Payload = nil
		dl.Error = fmt.Sprintf("%s (payload not JSON: %q)", cause.Error(), msg.Value)
		data, err = json.Marshal(dl)
		if err != nil {
			return fmt.Errorf("marshal dead letter: %w", err)
		}
	}
	return b.producer.Publish(ctx, TopicDLQ, string(msg.Key), data)
}
