// Package jobs is the authoritative job record service: submission with
// idempotency-key deduplication, queries by status/agent/time, the
// dead-letter sink, and cancellation.
//
// Submission never blocks on dispatch. The caller gets a job id as soon
// as the record is durable; routing, backpressure and retries are the
// dispatcher's business and are visible only through job status.
package jobs

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Dispatcher is the handoff point for newly submitted and cancelled
// jobs. Implemented by pkg/dispatcher.
type Dispatcher interface {
	// Enqueue makes the job visible to the routing loop
	Enqueue(jobID string)
	// Cancel requests a Cancel transition, propagating to the owning
	// agent when the job is in flight.
	Cancel(ctx context.Context, jobID, reason string) error
}

// Defaults applied to submissions that leave the fields unset
type Defaults struct {
	MaxRetries int
	Timeout    time.Duration
}

// Service owns job records and the idempotency index
type Service struct {
	store      storage.JobStore
	broker     *events.Broker
	defaults   Defaults
	logger     zerolog.Logger
	dispatcher Dispatcher

	mu    sync.RWMutex
	byKey map[string]string // idempotency key -> job id, non-terminal jobs only
}

// NewService creates the job service
func NewService(store storage.JobStore, broker *events.Broker, defaults Defaults) *Service {
	return &Service{
		store:    store,
		broker:   broker,
		defaults: defaults,
		logger:   log.WithComponent("jobs"),
		byKey:    make(map[string]string),
	}
}

// SetDispatcher wires the dispatcher handoff. Must be called before
// Submit; kept separate because the dispatcher needs the service too.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Restore rebuilds the idempotency index from the store after a restart
func (s *Service) Restore(ctx context.Context) error {
	all, err := s.store.ListJobs(ctx, storage.JobFilter{})
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range all {
		if job.IdempotencyKey != "" && !job.Terminal() {
			s.byKey[job.IdempotencyKey] = job.ID
		}
	}
	s.logger.Info().Int("jobs", len(all)).Int("indexed_keys", len(s.byKey)).Msg("restored job index")
	return nil
}

// Submit creates a job or returns the one already holding the request's
// idempotency key. Terminal resubmission with a differing payload is a
// conflict; with the same payload the terminal record is returned
// unchanged.
func (s *Service) Submit(ctx context.Context, req *types.SubmitRequest) (*types.SubmitResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command: %w", errdefs.ErrMissingField)
	}

	maxRetries := s.defaults.MaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("maxRetries must be >= 0: %w", errdefs.ErrInvalidArgument)
		}
		maxRetries = *req.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaults.Timeout
	}

	job := &types.Job{
		ID:                   uuid.New().String(),
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Parameters:           req.Parameters,
		Priority:             req.Priority,
		Timeout:              timeout,
		MaxRetries:           maxRetries,
		TargetAgentID:        req.TargetAgentID,
		RequiredCapabilities: req.RequiredCapabilities,
		CorrelationID:        req.CorrelationID,
		Metadata:             req.Metadata,
		Status:               types.JobStatusPending,
		CreatedAt:            time.Now().UTC(),
	}

	stored, existing, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if existing {
		if stored.Terminal() && !bytes.Equal(stored.Parameters, req.Parameters) {
			return nil, fmt.Errorf("idempotency key %q is terminal with a different payload: %w",
				req.IdempotencyKey, errdefs.ErrTerminalJob)
		}
		return &types.SubmitResult{JobID: stored.ID, Accepted: true, Existing: true}, nil
	}

	if job.IdempotencyKey != "" {
		s.mu.Lock()
		s.byKey[job.IdempotencyKey] = job.ID
		s.mu.Unlock()
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("command", job.Command).
		Int("priority", job.Priority).
		Str("target", job.TargetAgentID).
		Msg("job submitted")

	s.broker.Publish(&events.Event{
		Topic:   events.TopicJobSubmitted,
		JobID:   job.ID,
		Message: job.Command,
	})

	if s.dispatcher != nil {
		s.dispatcher.Enqueue(job.ID)
	}
	return &types.SubmitResult{JobID: job.ID, Accepted: true}, nil
}

// Get returns a job by id
func (s *Service) Get(ctx context.Context, jobID string) (*types.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]*types.Job, error) {
	return s.store.ListJobs(ctx, filter)
}

// Cancel requests cancellation through the dispatcher's FSM path
func (s *Service) Cancel(ctx context.Context, jobID, reason string) error {
	if s.dispatcher == nil {
		return errdefs.ErrUnknownJob
	}
	return s.dispatcher.Cancel(ctx, jobID, reason)
}

// UpdateProgress retains the latest progress report for a running job.
// Reports arriving after the job went terminal are dropped with a
// warning; progress is lossy by contract.
func (s *Service) UpdateProgress(ctx context.Context, progress *types.JobProgress) error {
	job, err := s.store.GetJob(ctx, progress.JobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		s.logger.Warn().
			Str("job_id", progress.JobID).
			Str("status", string(job.Status)).
			Msg("progress report after terminal state dropped")
		return nil
	}
	if progress.ReportedAt.IsZero() {
		progress.ReportedAt = time.Now().UTC()
	}
	job.LastProgress = progress
	return s.store.PutJob(ctx, job)
}

// DeadLetters returns the jobs that exhausted their retries
func (s *Service) DeadLetters(ctx context.Context) ([]*types.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx)
}

// RecordDeadLetter sinks an exhausted job. Called by the dispatcher
// after the final Failed/TimedOut transition.
func (s *Service) RecordDeadLetter(ctx context.Context, job *types.Job) error {
	dl := &types.DeadLetter{
		JobID:      job.ID,
		Command:    job.Command,
		Attempts:   job.AttemptCount,
		LastError:  job.Error,
		RecordedAt: time.Now().UTC(),
	}
	if err := s.store.AppendDeadLetter(ctx, dl); err != nil {
		return err
	}

	s.ReleaseKey(job.IdempotencyKey, job.ID)
	s.logger.Warn().
		Str("job_id", job.ID).
		Int("attempts", job.AttemptCount).
		Str("error", job.Error).
		Msg("job dead-lettered")

	s.broker.Publish(&events.Event{
		Topic:   events.TopicJobDeadLettered,
		JobID:   job.ID,
		Message: job.Error,
	})
	return nil
}

// ReleaseKey drops the idempotency index entry once its job is
// terminal, keeping the key unique across non-terminal jobs only.
func (s *Service) ReleaseKey(key, jobID string) {
	if key == "" {
		return
	}
	s.mu.Lock()
	if s.byKey[key] == jobID {
		delete(s.byKey, key)
	}
	s.mu.Unlock()
}

// LookupKey resolves an idempotency key to its live job id
func (s *Service) LookupKey(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	return id, ok
}
