package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sachinsitapure/URLIndexingBoT/internal/domain"
)

const stateTTL = 48 * time.Hour

func statusKey(jobID string) string { return "job:status:" + jobID }
func metaKey(jobID string) string   { return "job:meta:" + jobID }

// StateStore mirrors live job state in Redis so the gateway can answer status
// queries without touching Postgres. The dispatcher writes on every
// transition; entries expire on their own once a job is long finished.
type StateStore interface {
	SetStatus(ctx context.Context, jobID string, status domain.Status) error
	GetStatus(ctx context.Context, jobID string) (domain.Status, error)
	SetJobMeta(ctx context.Context, job *domain.Job) error
	GetJobMeta(ctx context.Context, jobID string) (*domain.Job, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

func (s *stateStore) SetStatus(ctx context.Context, jobID string, status domain.Status) error {
	err := s.client.Set(ctx, statusKey(jobID), string(status), stateTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", jobID, err)
	}
	return nil
}

func (s *stateStore) GetStatus(ctx context.Context, jobID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, statusKey(jobID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.JobNotFoundError{JobID: jobID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", jobID, err)
	}
	return domain.Status(val), nil
}

func (s *stateStore) SetJobMeta(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job meta: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(job.ID), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("redis set meta for %s: %w", job.ID, err)
	}
	return nil
}

func (s *stateStore) GetJobMeta(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, metaKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.JobNotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("redis get meta for %s: %w", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job meta: %w", err)
	}
	return &job, nil
}
