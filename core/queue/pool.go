package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/logger"
)

// Pool runs the jobs of one queue with bounded concurrency.
type Pool struct {
	repo     WorkerRepository
	queue    QueueConfig
	handler  Handler
	workerID string
	sem      chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	// Configuration
	pollInterval  time.Duration
	lockTimeout   time.Duration
	drainTimeout  time.Duration
	agingInterval time.Duration
	publisher     Publisher
	logger        *slog.Logger

	// State management
	cancel   context.CancelFunc
	running  bool
	stopping atomic.Bool

	// Observability metrics
	jobsProcessed atomic.Int64
	jobsFailed    atomic.Int64
	jobsRetried   atomic.Int64
	activeJobs    atomic.Int32
}

// PoolStats provides observability metrics for monitoring and debugging
type PoolStats struct {
	Queue         string
	Concurrency   int
	JobsProcessed int64 // Jobs completed successfully
	JobsFailed    int64 // Jobs moved to the dead-letter list
	JobsRetried   int64 // Failed attempts that were rescheduled
	ActiveJobs    int32 // Handlers currently running
	IsRunning     bool
}

// NewPool creates a worker pool for one queue. The handler's kind must match
// the queue's job kind.
func NewPool(repo WorkerRepository, cfg QueueConfig, handler Handler, opts ...PoolOption) (*Pool, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if handler == nil {
		return nil, ErrHandlerNil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler.Kind() != cfg.Kind {
		return nil, fmt.Errorf("%w: queue %q runs %s jobs, handler accepts %s", ErrHandlerKind, cfg.Name, cfg.Kind, handler.Kind())
	}

	options := &poolOptions{
		pollInterval:  time.Second,
		lockTimeout:   5 * time.Minute,
		drainTimeout:  30 * time.Second,
		agingInterval: 30 * time.Second,
		concurrency:   cfg.Concurrency,
		publisher:     nopPublisher{},
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)), // No-op logger by default
	}

	for _, opt := range opts {
		opt(options)
	}

	cfg.Concurrency = options.concurrency

	return &Pool{
		repo:          repo,
		queue:         cfg,
		handler:       handler,
		workerID:      newWorkerID(),
		sem:           make(chan struct{}, cfg.Concurrency),
		wake:          make(chan struct{}, 1),
		pollInterval:  options.pollInterval,
		lockTimeout:   options.lockTimeout,
		drainTimeout:  options.drainTimeout,
		agingInterval: options.agingInterval,
		publisher:     options.publisher,
		logger:        options.logger.With(logger.Queue(cfg.Name)),
	}, nil
}

// newWorkerID identifies this pool's process. Leases are per claim, see
// newLeaseToken.
func newWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// newLeaseToken is the lock owner for one claim. Two slots of the same pool
// never hold the same token, so an attempt whose lease expired and was
// reclaimed gets ErrLeaseLost.
func (p *Pool) newLeaseToken() string {
	return p.workerID + "/" + uuid.NewString()
}

// Queue returns the name of the queue this pool serves.
func (p *Pool) Queue() string {
	return p.queue.Name
}

// WorkerID returns the id of this pool. Job leases are held by tokens
// prefixed with it.
func (p *Pool) WorkerID() string {
	return p.workerID
}

// Wake asks an idle pool to look for jobs now instead of waiting for the
// next poll tick. It never blocks.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start begins processing jobs. This is a blocking operation that runs until
// the context is cancelled or Stop is called. Use Run() for errgroup pattern
// or call this in a goroutine.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolAlreadyStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.mu.Unlock()

	p.stopping.Store(false)

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.InfoContext(ctx, "worker pool started",
		logger.WorkerID(p.workerID),
		slog.Int("concurrency", cap(p.sem)))

	// Handlers and the storage calls recording their outcome must not be
	// interrupted by shutdown; they keep context values only.
	jobCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		// A free slot is required before claiming, so a claimed job always
		// has a slot to run in.
		select {
		case <-ctx.Done():
			p.logger.InfoContext(jobCtx, "worker pool stopping")
			return ctx.Err()
		case p.sem <- struct{}{}:
		}

		// Mutex protects against shutdown race: must verify the pool is
		// still running AND add to the waitgroup atomically, otherwise Stop
		// might wait on an incomplete count. The claim is covered too, so a
		// job claimed during shutdown still runs.
		p.mu.RLock()
		if p.stopping.Load() {
			p.mu.RUnlock()
			<-p.sem
			return nil
		}
		p.wg.Add(1)
		p.mu.RUnlock()

		job, err := p.claim(ctx)
		if err != nil {
			p.wg.Done()
			<-p.sem

			if ctx.Err() != nil {
				continue
			}
			if !errors.Is(err, ErrNoJobToClaim) {
				p.logger.ErrorContext(ctx, "failed to claim job",
					logger.WorkerID(p.workerID),
					logger.Error(err))
			}

			select {
			case <-ctx.Done():
			case <-p.wake:
			case <-ticker.C:
			}
			continue
		}

		go func(job *Job) {
			defer p.wg.Done()
			defer func() { <-p.sem }()

			p.process(jobCtx, job)
		}(job)
	}
}

// Stop stops claiming new jobs and waits for in-flight handlers up to the
// drain timeout. Handlers that outlive the timeout keep running and record
// their outcome when they return.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.cancel == nil {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}

	p.stopping.Store(true)
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	cancel()

	p.logger.Info("worker pool stopping, waiting for active jobs to complete",
		logger.WorkerID(p.workerID),
		logger.Count("active", int(p.activeJobs.Load())),
		slog.Duration("timeout", p.drainTimeout))

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped cleanly",
			logger.WorkerID(p.workerID))
		return nil
	case <-timer.C:
		p.logger.Warn("worker pool drain timeout exceeded - some jobs are still running",
			logger.WorkerID(p.workerID),
			logger.Count("active", int(p.activeJobs.Load())),
			slog.Duration("timeout", p.drainTimeout))
		return fmt.Errorf("%w: queue %q after %s", ErrShutdownTimeout, p.queue.Name, p.drainTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
// Returns a function that starts the pool, monitors context cancellation,
// and performs graceful shutdown when the context is cancelled.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- p.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			err := p.Stop()
			<-errCh
			if errors.Is(err, ErrPoolNotStarted) {
				return nil
			}
			return err
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (p *Pool) claim(ctx context.Context) (*Job, error) {
	lease := p.newLeaseToken()
	job, err := p.repo.ClaimJob(ctx, ClaimRequest{
		Queue:         p.queue.Name,
		WorkerID:      lease,
		LockFor:       p.lockTimeout,
		AgingInterval: p.agingInterval,
	})
	if err != nil {
		if errors.Is(err, ErrNoJobToClaim) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return nil, ErrNoJobToClaim
	}
	job.LockedBy = lease

	p.logger.DebugContext(ctx, "claimed job",
		logger.WorkerID(p.workerID),
		logger.JobID(job.ID),
		logger.Priority(string(job.Priority)),
		logger.Attempt(job.Attempts+1))

	return job, nil
}

// process runs one attempt of a claimed job and records the outcome.
func (p *Pool) process(ctx context.Context, job *Job) {
	start := time.Now()

	p.activeJobs.Add(1)
	defer p.activeJobs.Add(-1)

	payload, err := DecodePayload(job.Kind, job.Payload)
	if err != nil {
		// Retrying cannot fix a payload that does not decode.
		p.fail(ctx, job, fmt.Errorf("undecodable payload: %w", err), time.Since(start), true)
		return
	}

	stopLease := p.keepLease(ctx, job)
	jc := &jobContext{
		jobID:   job.ID,
		queue:   job.Queue,
		attempt: job.Attempts + 1,
		report: func(ctx context.Context, progress int) error {
			return p.repo.UpdateProgress(ctx, job.ID, job.LockedBy, progress)
		},
	}

	data, err := p.invoke(withJobContext(ctx, jc), payload)
	stopLease()
	duration := time.Since(start)

	if err != nil {
		p.fail(ctx, job, err, duration, false)
		return
	}

	p.complete(ctx, job, data, duration)
}

// invoke calls the handler and turns a panic into an error.
func (p *Pool) invoke(ctx context.Context, payload Payload) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
			p.logger.ErrorContext(ctx, "handler panicked",
				logger.WorkerID(p.workerID),
				logger.Key("panic", r))
		}
	}()

	out, err := p.handler.Handle(ctx, payload)
	if err != nil {
		return nil, err
	}
	return encodeResult(out)
}

func encodeResult(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handler result of type %T: %w", out, err)
	}
	return data, nil
}

// keepLease extends the job lease at half the lock timeout until the
// returned function is called.
func (p *Pool) keepLease(ctx context.Context, job *Job) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(p.lockTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.repo.ExtendLock(ctx, job.ID, job.LockedBy, p.lockTimeout); err != nil {
					p.logger.WarnContext(ctx, "failed to extend job lease",
						logger.JobID(job.ID),
						logger.Error(err))
					if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobNotFound) {
						return
					}
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) complete(ctx context.Context, job *Job, data json.RawMessage, duration time.Duration) {
	result := Result{Success: true, Data: data, Duration: duration}

	if err := p.repo.CompleteJob(ctx, job.ID, job.LockedBy, result); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark job as completed",
			logger.JobID(job.ID),
			logger.Error(err))
		return
	}

	p.jobsProcessed.Add(1)

	p.logger.InfoContext(ctx, "job completed successfully",
		logger.WorkerID(p.workerID),
		logger.JobID(job.ID),
		logger.Attempt(job.Attempts+1),
		logger.Duration(duration))

	p.publish(ctx, JobCompleted{
		JobID:    job.ID,
		Queue:    job.Queue,
		Kind:     job.Kind,
		Attempt:  job.Attempts + 1,
		Duration: duration,
		Result:   result,
	})

	p.prune(ctx, StateCompleted, p.queue.KeepCompleted)
}

// fail records a failed attempt. The job is rescheduled with backoff while
// attempts remain, otherwise it becomes terminal-failed.
func (p *Pool) fail(ctx context.Context, job *Job, cause error, duration time.Duration, terminal bool) {
	attempt := job.Attempts + 1
	handlerErr := &HandlerError{JobID: job.ID, Queue: job.Queue, Attempt: attempt, Err: cause}
	result := Result{Success: false, Duration: duration, Error: cause.Error()}

	failed := JobFailed{
		JobID:       job.ID,
		Queue:       job.Queue,
		Kind:        job.Kind,
		Attempt:     attempt,
		MaxAttempts: job.MaxAttempts,
		Duration:    duration,
		Error:       cause.Error(),
	}

	if !terminal && attempt < job.MaxAttempts {
		delay := job.Backoff.Next(attempt)
		if err := p.repo.RetryJob(ctx, job.ID, job.LockedBy, result, time.Now().Add(delay)); err != nil {
			p.logger.ErrorContext(ctx, "failed to reschedule job",
				logger.JobID(job.ID),
				logger.Error(err))
			return
		}

		p.jobsRetried.Add(1)

		p.logger.ErrorContext(ctx, "job failed, retry scheduled",
			logger.WorkerID(p.workerID),
			logger.JobID(job.ID),
			logger.Attempt(attempt),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Duration("retry_in", delay),
			logger.Duration(duration),
			logger.Error(cause))

		failed.RetryIn = delay
		failed.Err = handlerErr
		p.publish(ctx, failed)
		return
	}

	if err := p.repo.FailJob(ctx, job.ID, job.LockedBy, result); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark job as failed",
			logger.JobID(job.ID),
			logger.Error(err))
		return
	}

	p.jobsFailed.Add(1)

	exhausted := &ExhaustedRetriesError{JobID: job.ID, Queue: job.Queue, Attempts: attempt, Err: handlerErr}
	p.logger.ErrorContext(ctx, "job moved to dead letter list",
		logger.WorkerID(p.workerID),
		logger.JobID(job.ID),
		logger.Attempt(attempt),
		slog.Int("max_attempts", job.MaxAttempts),
		logger.Duration(duration),
		logger.Error(exhausted))

	failed.Terminal = true
	failed.Err = exhausted
	p.publish(ctx, failed)

	p.prune(ctx, StateFailed, p.queue.KeepFailed)
}

func (p *Pool) publish(ctx context.Context, payload any) {
	if err := p.publisher.Publish(ctx, event.NewEvent(p.queue.Name, payload)); err != nil {
		p.logger.WarnContext(ctx, "failed to publish job event",
			logger.Error(err))
	}
}

func (p *Pool) prune(ctx context.Context, state JobState, keep int) {
	if keep <= 0 {
		return
	}
	n, err := p.repo.Prune(ctx, p.queue.Name, state, keep)
	if err != nil {
		p.logger.WarnContext(ctx, "failed to prune finished jobs",
			slog.String("state", string(state)),
			logger.Error(err))
		return
	}
	if n > 0 {
		p.logger.DebugContext(ctx, "pruned finished jobs",
			slog.String("state", string(state)),
			logger.Count("removed", n))
	}
}

// Stats returns current pool statistics for observability and monitoring.
// This method is thread-safe and can be called at any time.
func (p *Pool) Stats() PoolStats {
	p.mu.RLock()
	isRunning := p.running && !p.stopping.Load()
	p.mu.RUnlock()

	return PoolStats{
		Queue:         p.queue.Name,
		Concurrency:   cap(p.sem),
		JobsProcessed: p.jobsProcessed.Load(),
		JobsFailed:    p.jobsFailed.Load(),
		JobsRetried:   p.jobsRetried.Load(),
		ActiveJobs:    p.activeJobs.Load(),
		IsRunning:     isRunning,
	}
}

// Healthcheck returns nil while the pool is claiming jobs.
//
//	if errors.Is(err, queue.ErrPoolNotRunning) { ... }
func (p *Pool) Healthcheck(ctx context.Context) error {
	if !p.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrPoolNotRunning, fmt.Errorf("queue %q", p.queue.Name))
	}
	return nil
}
