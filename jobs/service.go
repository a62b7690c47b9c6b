package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotCancellable indicates a cancel request on a job created with
// cancellable=false.
var ErrNotCancellable = errors.New("job is not cancellable")

const defaultMaxAttempts = 1

// CreateJobParams are the inputs for a new job.
type CreateJobParams struct {
	ModelName    string
	ModelVersion string
	Payload      json.RawMessage
	Device       string

	MaxAttempts         int
	MaxRuntimeSecs      float64
	MaxTotalRuntimeSecs float64
	Cancellable         bool
}

// Service owns all job mutations. The engine talks to the service,
// never to the store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates the job service over the supplied store.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// CreateJob inserts the job as created and immediately transitions it
// to pending.
func (s *Service) CreateJob(ctx context.Context, p CreateJobParams) (*Job, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = defaultMaxAttempts
	}

	job := &Job{
		ModelName:           p.ModelName,
		ModelVersion:        p.ModelVersion,
		Payload:             p.Payload,
		Device:              p.Device,
		Status:              StatusCreated,
		MaxAttempts:         maxAttempts,
		MaxRuntimeSecs:      p.MaxRuntimeSecs,
		MaxTotalRuntimeSecs: p.MaxTotalRuntimeSecs,
		Cancellable:         p.Cancellable,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.store.UpdateStatus(ctx, job.ID, StatusPending, nil, nil); err != nil {
		return nil, err
	}

	job.Status = StatusPending
	return job, nil
}

// GetJob reads the current job state.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetByID(ctx, id)
}

// MarkRunning transitions the job to running and stamps started_at.
// The first call wins; repeat calls on a running job are idempotent.
func (s *Service) MarkRunning(ctx context.Context, id string) error {
	now := s.now().UTC()
	return s.store.UpdateStatus(ctx, id, StatusRunning, &now, nil)
}

// MarkSucceeded stores the result and finishes the job.
func (s *Service) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	return s.store.UpdateResult(ctx, id, result, s.now().UTC())
}

// MarkFailed finishes the job with error fields.
func (s *Service) MarkFailed(ctx context.Context, id, errType, errMsg string) error {
	return s.store.UpdateError(ctx, id, StatusFailed, errType, errMsg, s.now().UTC())
}

// MarkTimeout finishes the job as timed out, with error fields for
// uniformity.
func (s *Service) MarkTimeout(ctx context.Context, id, errMsg string) error {
	return s.store.UpdateError(ctx, id, StatusTimeout, "ExecutionTimeout", errMsg, s.now().UTC())
}

// CancelJob transitions a pending or running job to cancelled. It is a
// no-op on a job that is already terminal and an error on a job created
// with cancellable=false. A running attempt is not interrupted; the
// dispatch loop observes the flag at the next attempt boundary.
func (s *Service) CancelJob(ctx context.Context, id, reason string) (*Job, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !job.Cancellable {
		return job, ErrNotCancellable
	}
	if job.Terminal() {
		return job, nil
	}

	msg := "Cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	if err = s.store.UpdateError(ctx, id, StatusCancelled, "JobCancelled", msg, s.now().UTC()); err != nil {
		return nil, err
	}

	return s.store.GetByID(ctx, id)
}

// RecordAttempt increments the attempt counter and writes the retry
// audit fields before the attempt runs.
func (s *Service) RecordAttempt(ctx context.Context, id, reason string) error {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return s.store.UpdateRetryMetadata(ctx, id, job.AttemptCount+1, s.now().UTC(), reason)
}

// ShouldRetry reports whether the job has retry budget left.
func (s *Service) ShouldRetry(job *Job) bool {
	return job.AttemptCount < job.MaxAttempts && !job.Terminal()
}

// HasExceededTotalBudget reports whether the job has run past its
// cross-attempt wall budget.
func (s *Service) HasExceededTotalBudget(job *Job, now time.Time) bool {
	budget := job.MaxTotalRuntime()
	if budget <= 0 {
		return false
	}
	return now.Sub(job.CreatedAt) > budget
}

// IsCancelled reports whether the job was cancelled.
func (s *Service) IsCancelled(job *Job) bool {
	return job.Status == StatusCancelled
}
