package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/pharmaq/core/logger"
)

// recurringNamespace scopes the deterministic ids of recurring jobs.
var recurringNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:pharmaq:recurring"))

// RecurringJobID returns the stable job id for a schedule name.
func RecurringJobID(name string) string {
	return uuid.NewSHA1(recurringNamespace, []byte(name)).String()
}

// ScheduleInfo describes a registered recurring schedule.
type ScheduleInfo struct {
	Name     string    `json:"name"`
	Pattern  string    `json:"pattern"`
	Queue    string    `json:"queue"`
	Priority Priority  `json:"priority"`
	JobID    string    `json:"job_id"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run,omitzero"`
}

// Scheduler inserts recurring jobs on their schedules.
type Scheduler struct {
	repo      SchedulerRepository
	registry  *Registry
	schedules map[string]*recurringSchedule
	mu        sync.RWMutex
	interval  time.Duration
	notify    func(queue string, availableAt time.Time)
	logger    *slog.Logger

	// State management
	cancel          context.CancelFunc
	running         atomic.Bool
	wg              sync.WaitGroup
	shutdownTimeout time.Duration

	// Observability metrics
	jobsScheduled     atomic.Int64
	skippedDuplicates atomic.Int64
	activeChecks      atomic.Int32
}

// SchedulerStats provides observability metrics for monitoring and debugging
type SchedulerStats struct {
	Schedules         int   // Number of registered schedules
	JobsScheduled     int64 // Total number of jobs created by the scheduler
	SkippedDuplicates int64 // Fires skipped because an instance was still pending
	ActiveChecks      int32 // Number of check operations currently running
	IsRunning         bool  // Whether the scheduler is currently running
}

// recurringSchedule holds configuration for a recurring job
type recurringSchedule struct {
	name     string
	schedule Schedule
	queue    QueueConfig
	payload  json.RawMessage
	priority Priority
	jobID    string
	nextRun  time.Time
	lastRun  time.Time
}

// NewScheduler creates a new recurring scheduler
func NewScheduler(repo SchedulerRepository, registry *Registry, opts ...SchedulerOption) (*Scheduler, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if registry == nil {
		return nil, ErrRegistryNil
	}

	// Default options
	options := &schedulerOptions{
		checkInterval:   10 * time.Second,
		shutdownTimeout: 30 * time.Second,
		notify:          func(string, time.Time) {},
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)), // No-op logger by default
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Scheduler{
		repo:            repo,
		registry:        registry,
		schedules:       make(map[string]*recurringSchedule),
		interval:        options.checkInterval,
		notify:          options.notify,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger,
	}, nil
}

// NewSchedulerFromConfig creates a Scheduler from configuration.
// Additional options can override config values.
func NewSchedulerFromConfig(cfg Config, repo SchedulerRepository, registry *Registry, opts ...SchedulerOption) (*Scheduler, error) {
	allOpts := append([]SchedulerOption{
		WithCheckInterval(cfg.CheckInterval),
		WithSchedulerShutdownTimeout(cfg.DrainTimeout),
	}, opts...)

	return NewScheduler(repo, registry, allOpts...)
}

// AddSchedule registers a recurring job. The job identity derives from name,
// so registering the same name again is a no-op.
func (s *Scheduler) AddSchedule(name string, schedule Schedule, queue string, payload Payload, opts ...ScheduleOption) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if schedule == nil {
		return fmt.Errorf("%w: %q: schedule is required", ErrInvalidSchedule, name)
	}

	options := &scheduleOptions{priority: PriorityDefault}
	for _, opt := range opts {
		opt(options)
	}
	if !options.priority.Valid() {
		return fmt.Errorf("%w: %q: unknown priority %q", ErrInvalidSchedule, name, options.priority)
	}

	cfg, err := s.registry.Lookup(queue)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, name, err)
	}
	if payload == nil || payload.Kind() != cfg.Kind {
		return fmt.Errorf("%w: %q: queue %q needs a %s payload", ErrInvalidSchedule, name, queue, cfg.Kind)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, name, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload of schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[name]; exists {
		s.logger.Debug("recurring schedule already registered",
			logger.Schedule(name))
		return nil
	}

	rs := &recurringSchedule{
		name:     name,
		schedule: schedule,
		queue:    cfg,
		payload:  data,
		priority: options.priority,
		jobID:    RecurringJobID(name),
		nextRun:  schedule.Next(time.Now()),
	}
	s.schedules[name] = rs

	s.logger.Info("registered recurring schedule",
		logger.Schedule(name),
		slog.String("pattern", schedule.String()),
		logger.Queue(queue),
		slog.Time("next_run", rs.nextRun))

	return nil
}

// RemoveSchedule unregisters a recurring schedule. A pending instance stays queued.
func (s *Scheduler) RemoveSchedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[name]; !ok {
		return fmt.Errorf("%w: %q", ErrScheduleNotFound, name)
	}
	delete(s.schedules, name)

	s.logger.Info("removed recurring schedule",
		logger.Schedule(name))
	return nil
}

// Schedules returns the registered schedules sorted by name.
func (s *Scheduler) Schedules() []ScheduleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduleInfo, 0, len(s.schedules))
	for _, rs := range s.schedules {
		out = append(out, ScheduleInfo{
			Name:     rs.name,
			Pattern:  rs.schedule.String(),
			Queue:    rs.queue.Name,
			Priority: rs.priority,
			JobID:    rs.jobID,
			NextRun:  rs.nextRun,
			LastRun:  rs.lastRun,
		})
	}
	slices.SortFunc(out, func(a, b ScheduleInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Trigger fires a schedule now. It reports whether a job was created; false
// means an instance with the same identity is still waiting or active.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	rs, ok := s.schedules[name]
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: %q", ErrScheduleNotFound, name)
	}
	return s.fire(ctx, rs, time.Now())
}

// Start begins the scheduler's periodic checks. This is a blocking operation
// that runs until the context is cancelled. Use Run() for errgroup pattern or call this in a goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrSchedulerAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.schedules)
	s.mu.Unlock()

	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "scheduler started",
		logger.Count("schedule_count", count),
		slog.Duration("check_interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(context.WithoutCancel(ctx), "scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.checkWithWait(context.WithoutCancel(ctx))
		}
	}
}

// Stop gracefully shuts down the scheduler with a timeout.
// Returns an error if the shutdown timeout is exceeded.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrSchedulerNotStarted
	}

	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	s.logger.Info("scheduler stopping, waiting for active checks to complete",
		slog.Duration("timeout", s.shutdownTimeout))

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped cleanly")
		return nil
	case <-timer.C:
		s.logger.Warn("scheduler shutdown timeout exceeded - some checks may be abandoned",
			slog.Duration("timeout", s.shutdownTimeout))
		return fmt.Errorf("%w: scheduler after %s", ErrShutdownTimeout, s.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
// Returns a function that starts the scheduler, monitors context cancellation,
// and performs graceful shutdown when the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- s.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			err := s.Stop()
			<-errCh
			if errors.Is(err, ErrSchedulerNotStarted) {
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

// checkWithWait is a wrapper around check that tracks the operation with WaitGroup
func (s *Scheduler) checkWithWait(ctx context.Context) {
	// Mutex protects against shutdown race: Must verify scheduler is still running
	// AND add to waitgroup atomically, otherwise Stop() might wait on incomplete count
	s.mu.RLock()
	if s.cancel == nil {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	defer s.wg.Done()

	s.activeChecks.Add(1)
	defer s.activeChecks.Add(-1)

	s.check(ctx, time.Now())
}

// check fires every schedule whose next run time has passed.
func (s *Scheduler) check(ctx context.Context, now time.Time) {
	s.mu.RLock()
	due := make([]*recurringSchedule, 0, len(s.schedules))
	for _, rs := range s.schedules {
		if !rs.nextRun.IsZero() && !rs.nextRun.After(now) {
			due = append(due, rs)
		}
	}
	s.mu.RUnlock()

	for _, rs := range due {
		if _, err := s.fire(ctx, rs, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to fire recurring schedule",
				logger.Schedule(rs.name),
				slog.String("pattern", rs.schedule.String()),
				logger.Error(err))
		}
	}
}

// fire creates the schedule's job unless an instance is still pending, and
// advances the next run time either way.
func (s *Scheduler) fire(ctx context.Context, rs *recurringSchedule, now time.Time) (bool, error) {
	s.mu.Lock()
	rs.lastRun = now
	rs.nextRun = rs.schedule.Next(now)
	nextRun := rs.nextRun
	s.mu.Unlock()

	job := &Job{
		ID:          rs.jobID,
		Queue:       rs.queue.Name,
		Kind:        rs.queue.Kind,
		Payload:     rs.payload,
		Priority:    rs.priority,
		Weight:      rs.priority.Weight(),
		State:       StateWaiting,
		MaxAttempts: rs.queue.MaxAttempts,
		Backoff:     rs.queue.Backoff,
		Recurring:   rs.name,
		CreatedAt:   now,
		AvailableAt: now,
	}

	created, err := s.repo.CreateJobIfAbsent(ctx, job)
	if err != nil {
		return false, fmt.Errorf("failed to create recurring job %q: %w", rs.name, err)
	}

	if !created {
		s.skippedDuplicates.Add(1)
		s.logger.DebugContext(ctx, "recurring job already pending",
			logger.Schedule(rs.name),
			logger.JobID(rs.jobID),
			slog.Time("next_run", nextRun))
		return false, nil
	}

	s.jobsScheduled.Add(1)
	s.notify(job.Queue, job.AvailableAt)

	s.logger.InfoContext(ctx, "created recurring job",
		logger.Schedule(rs.name),
		logger.JobID(rs.jobID),
		logger.Queue(job.Queue),
		slog.Time("next_run", nextRun))

	return true, nil
}

// Stats returns current scheduler statistics for observability and monitoring.
// This method is thread-safe and can be called at any time.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	isRunning := s.cancel != nil && s.running.Load()
	count := len(s.schedules)
	s.mu.RUnlock()

	return SchedulerStats{
		Schedules:         count,
		JobsScheduled:     s.jobsScheduled.Load(),
		SkippedDuplicates: s.skippedDuplicates.Load(),
		ActiveChecks:      s.activeChecks.Load(),
		IsRunning:         isRunning,
	}
}

// Healthcheck validates that the scheduler is operational.
//
//	if errors.Is(err, queue.ErrSchedulerNotRunning) { ... }
func (s *Scheduler) Healthcheck(ctx context.Context) error {
	if !s.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrSchedulerNotRunning)
	}
	return nil
}
