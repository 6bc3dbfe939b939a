package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/queue"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
)

// Intake consumes accepted jobs from Kafka and feeds the submission queue.
// Malformed payloads go to the dead-letter topic and are committed, so one
// bad message can never wedge the partition.
type Intake struct {
	consumer kafka.Consumer
	bus      *kafka.Bus
	queue    *queue.Queue
	logger   *slog.Logger
}

func NewIntake(consumer kafka.Consumer, bus *kafka.Bus, q *queue.Queue, logger *slog.Logger) *Intake {
	return &Intake{consumer: consumer, bus: bus, queue: q, logger: logger}
}

// Run starts consuming. Blocks until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) error {
	return i.consumer.Subscribe(ctx, i.handle)
}

func (i *Intake) handle(ctx context.Context, msg kafka.Message) error {
	var job domain.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return i.deadLetter(ctx, msg, fmt.Errorf("decode job: %w", err))
	}
	if job.ID == "" || job.UserID == "" || job.URL == "" || job.Domain == "" {
		return i.deadLetter(ctx, msg, fmt.Errorf("job missing required fields: %q", msg.Value))
	}

	i.queue.Enqueue(&job)
	i.logger.Debug("job queued",
		slog.String("job_id", job.ID),
		slog.String("domain", job.Domain),
	)
	return nil
}

// deadLetter forwards a bad message and commits it. The DLQ publish itself
// failing is the one case where the offset is held back.
func (i *Intake) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	i.logger.Error("malformed intake message, dead-lettering",
		slog.Int64("offset", msg.Offset),
		slog.String("error", cause.Error()),
	)
	telemetry.DispatcherDLQTotal.Inc()
	if err := i.bus.PublishDeadLetter(ctx, msg, cause); err != nil {
		return fmt.Errorf("dead-letter publish: %w", err)
	}
	return nil
}
