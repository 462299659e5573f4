package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueuer is the producer API. It validates, stores and returns without
// waiting for any processing.
type Enqueuer struct {
	repo        EnqueuerRepository
	registry    *Registry
	commitDelay time.Duration
	notify      func(queue string, availableAt time.Time)
}

// NewEnqueuer creates a new Enqueuer with the given repository and options.
func NewEnqueuer(repo EnqueuerRepository, registry *Registry, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}

	options := &enqueuerOptions{
		commitDelay: time.Second,
		notify:      func(string, time.Time) {},
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		repo:        repo,
		registry:    registry,
		commitDelay: options.commitDelay,
		notify:      options.notify,
	}, nil
}

// NewEnqueuerFromConfig creates an Enqueuer from configuration.
// Additional options can override config values.
func NewEnqueuerFromConfig(cfg Config, repo EnqueuerRepository, registry *Registry, opts ...EnqueuerOption) (*Enqueuer, error) {
	allOpts := append([]EnqueuerOption{WithCommitDelay(cfg.CommitDelay)}, opts...)
	return NewEnqueuer(repo, registry, allOpts...)
}

// Enqueue validates the payload against the queue and stores a new waiting job.
// Validation failures are returned as *ValidationError.
func (e *Enqueuer) Enqueue(ctx context.Context, queue string, payload Payload, opts ...EnqueueOption) (JobHandle, error) {
	job, err := e.buildJob(queue, payload, opts)
	if err != nil {
		return JobHandle{}, err
	}

	if err := e.repo.CreateJob(ctx, job); err != nil {
		return JobHandle{}, fmt.Errorf("failed to create job in queue %q: %w", job.Queue, err)
	}

	e.notify(job.Queue, job.AvailableAt)

	return JobHandle{ID: job.ID, Queue: job.Queue}, nil
}

// EnqueueAIAnalysis enqueues a drug-interaction analysis.
func (e *Enqueuer) EnqueueAIAnalysis(ctx context.Context, p AIAnalysisPayload, opts ...EnqueueOption) (JobHandle, error) {
	return e.Enqueue(ctx, QueueAIAnalysis, p, opts...)
}

// EnqueueDataExport enqueues a report export.
func (e *Enqueuer) EnqueueDataExport(ctx context.Context, p DataExportPayload, opts ...EnqueueOption) (JobHandle, error) {
	return e.Enqueue(ctx, QueueDataExport, p, opts...)
}

// EnqueueCacheWarmup enqueues a cache warmup.
func (e *Enqueuer) EnqueueCacheWarmup(ctx context.Context, p CacheWarmupPayload, opts ...EnqueueOption) (JobHandle, error) {
	return e.Enqueue(ctx, QueueCacheWarmup, p, opts...)
}

// EnqueueDatabaseMaintenance enqueues a maintenance operation.
func (e *Enqueuer) EnqueueDatabaseMaintenance(ctx context.Context, p DatabaseMaintenancePayload, opts ...EnqueueOption) (JobHandle, error) {
	return e.Enqueue(ctx, QueueDatabaseMaintenance, p, opts...)
}

// buildJob validates input and constructs a waiting Job.
func (e *Enqueuer) buildJob(queue string, payload Payload, opts []EnqueueOption) (*Job, error) {
	if payload == nil {
		return nil, NewValidationError("payload", "is required")
	}

	cfg, err := e.registry.Lookup(queue)
	if err != nil {
		return nil, &ValidationError{Field: "queue", Reason: fmt.Sprintf("unknown queue %q", queue), Err: ErrUnknownQueue}
	}

	if payload.Kind() != cfg.Kind {
		return nil, NewValidationError("payload", fmt.Sprintf("%s payload cannot be enqueued to queue %q", payload.Kind(), queue))
	}

	if err := payload.Validate(); err != nil {
		return nil, err
	}

	options := &enqueueOptions{
		priority:    PriorityDefault,
		maxAttempts: cfg.MaxAttempts,
	}
	for _, opt := range opts {
		opt(options)
	}

	if !options.priority.Valid() {
		return nil, NewValidationError("priority", fmt.Sprintf("unknown priority %q", options.priority))
	}
	if options.maxAttempts < 1 {
		return nil, NewValidationError("attempts", "must be at least 1")
	}

	backoff := cfg.Backoff
	if options.backoff != nil {
		if err := options.backoff.Validate(); err != nil {
			return nil, NewValidationError("backoff", err.Error())
		}
		backoff = *options.backoff
	}

	delay := options.priority.InitialDelay(e.commitDelay)
	if options.delay != nil {
		if *options.delay < 0 {
			return nil, NewValidationError("delay", "must not be negative")
		}
		delay = *options.delay
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload of type %T: %w", payload, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	now := time.Now()
	return &Job{
		ID:          id.String(),
		Queue:       cfg.Name,
		Kind:        cfg.Kind,
		Payload:     data,
		Priority:    options.priority,
		Weight:      options.priority.Weight(),
		State:       StateWaiting,
		MaxAttempts: options.maxAttempts,
		Backoff:     backoff,
		CreatedAt:   now,
		AvailableAt: now.Add(delay),
	}, nil
}
