package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/logger"
)

// Closer is implemented by stores that release resources on shutdown.
type Closer interface {
	Close() error
}

// Service owns the registry, the producer API, one worker pool per queue
// with a registered handler, the recurring scheduler and the event bus,
// and coordinates their startup and shutdown.
//
// There is no package level instance; construct one and pass it explicitly.
//
//	svc, err := queue.NewServiceFromConfig(cfg, storage,
//	    queue.WithServiceLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//
//	_ = svc.RegisterHandler(queue.QueueDataExport, queue.NewHandler(
//	    func(ctx context.Context, p queue.DataExportPayload) (any, error) {
//	        return exporter.Export(ctx, p)
//	    },
//	))
//
//	g.Go(func() error { return svc.Run(ctx) })
//
//	handle, err := svc.Enqueuer().EnqueueDataExport(ctx, payload, queue.WithPriority(queue.PriorityHigh))
type Service struct {
	storage   Storage
	registry  *Registry
	config    Config
	enqueuer  *Enqueuer
	scheduler *Scheduler
	bus       *event.Bus
	logger    *slog.Logger

	mu       sync.RWMutex
	pools    map[string]*Pool
	poolOpts []PoolOption
	running  bool
	stopped  bool
	cancel   context.CancelFunc

	beforeStart []func(context.Context) error
	afterStop   []func() error

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewService creates a new queue service with all components using the provided storage.
// The storage must implement the unified Storage interface that combines all repository interfaces.
func NewService(storage Storage, opts ...ServiceOption) (*Service, error) {
	return newService(DefaultConfig(), storage, opts...)
}

// NewServiceFromConfig creates a new queue service using configuration and storage.
// Additional options can override config values.
func NewServiceFromConfig(cfg Config, storage Storage, opts ...ServiceOption) (*Service, error) {
	return newService(cfg, storage, opts...)
}

func newService(cfg Config, storage Storage, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrRepositoryNil
	}

	options := &serviceOptions{
		handlers: make(map[string]Handler),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, fmt.Errorf("failed to apply service option: %w", err)
		}
	}

	registry, err := NewRegistry(options.queues...)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue registry: %w", err)
	}
	for name, n := range cfg.Concurrency {
		if err := registry.SetConcurrency(name, n); err != nil {
			return nil, fmt.Errorf("failed to apply concurrency override: %w", err)
		}
	}

	s := &Service{
		storage:     storage,
		registry:    registry,
		config:      cfg,
		logger:      options.logger,
		pools:       make(map[string]*Pool),
		beforeStart: options.beforeStart,
		afterStop:   options.afterStop,
	}

	s.bus = event.NewBus(append([]event.BusOption{
		event.WithBufferSize(cfg.EventBuffer),
		event.WithDeliveryAttempts(cfg.EventDeliveryAttempts),
		event.WithPublishTimeout(cfg.EventPublishTimeout),
		event.WithShutdownTimeout(cfg.DrainTimeout),
		event.WithBusLogger(options.logger),
	}, options.busOpts...)...)

	s.enqueuer, err = NewEnqueuerFromConfig(cfg, storage, registry, append([]EnqueuerOption{
		WithEnqueueNotifier(s.wake),
	}, options.enqueuerOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create enqueuer: %w", err)
	}

	s.scheduler, err = NewSchedulerFromConfig(cfg, storage, registry, append([]SchedulerOption{
		WithScheduleNotifier(s.wake),
		WithSchedulerLogger(options.logger),
	}, options.schedulerOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s.poolOpts = append([]PoolOption{
		WithPollInterval(cfg.PollInterval),
		WithLockTimeout(cfg.LockTimeout),
		WithDrainTimeout(cfg.DrainTimeout),
		WithAgingInterval(cfg.AgingInterval),
		WithPublisher(s.bus),
		WithPoolLogger(options.logger),
	}, options.poolOpts...)

	for name, h := range options.handlers {
		if err := s.RegisterHandler(name, h); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// RegisterHandler creates the worker pool of a queue. Each queue takes
// exactly one handler, and handlers must be registered before Run.
func (s *Service) RegisterHandler(queue string, handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}

	cfg, err := s.registry.Lookup(queue)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.stopped {
		return fmt.Errorf("cannot register handler for queue %q: %w", queue, ErrServiceRunning)
	}
	if _, exists := s.pools[queue]; exists {
		return fmt.Errorf("handler for queue %q already registered", queue)
	}

	pool, err := NewPool(s.storage, cfg, handler, s.poolOpts...)
	if err != nil {
		return fmt.Errorf("failed to create pool for queue %q: %w", queue, err)
	}
	s.pools[queue] = pool
	return nil
}

// AddSchedule registers a recurring job with the scheduler.
// This is a convenience method equivalent to service.Scheduler().AddSchedule(...).
func (s *Service) AddSchedule(name string, schedule Schedule, queue string, payload Payload, opts ...ScheduleOption) error {
	return s.scheduler.AddSchedule(name, schedule, queue, payload, opts...)
}

// Subscribe registers an event handler for a queue's events. Use
// event.Wildcard to receive the events of every queue.
func (s *Service) Subscribe(queue string, h event.Handler) error {
	if queue != event.Wildcard {
		if _, err := s.registry.Lookup(queue); err != nil {
			return err
		}
	}
	return s.bus.Subscribe(queue, h)
}

// Enqueue validates and stores a job. It returns as soon as the job is stored.
func (s *Service) Enqueue(ctx context.Context, queue string, payload Payload, opts ...EnqueueOption) (JobHandle, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()

	if stopped {
		return JobHandle{}, ErrServiceStopped
	}
	return s.enqueuer.Enqueue(ctx, queue, payload, opts...)
}

// Run initialises storage and starts pools, scheduler and event bus, in that
// order. It blocks until ctx is cancelled, Shutdown is called or a component
// fails, then shuts the service down.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	if s.running {
		s.mu.Unlock()
		return ErrServiceRunning
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	pools := make([]*Pool, 0, len(s.pools))
	for _, name := range s.registry.Names() {
		if p, ok := s.pools[name]; ok {
			pools = append(pools, p)
		}
	}
	s.mu.Unlock()

	if init, ok := s.storage.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("failed to initialise storage: %w", err)
		}
	}

	for _, hook := range s.beforeStart {
		if err := hook(ctx); err != nil {
			_ = s.Shutdown()
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}

	if len(pools) == 0 {
		s.logger.WarnContext(ctx, "no queue handlers registered, no jobs will be processed")
	}

	eg, egCtx := errgroup.WithContext(ctx)

	// The bus only stops through Shutdown so events of draining jobs are still delivered.
	busCtx := context.WithoutCancel(egCtx)
	eg.Go(func() error {
		return s.bus.Start(busCtx)
	})

	for _, p := range pools {
		eg.Go(func() error {
			return ignoreCanceled(p.Start(egCtx))
		})
	}

	eg.Go(func() error {
		return ignoreCanceled(s.scheduler.Start(egCtx))
	})

	s.logger.InfoContext(ctx, "queue service started",
		logger.Count("pools", len(pools)),
		logger.Count("schedules", len(s.scheduler.Schedules())))

	<-egCtx.Done()

	shutdownErr := s.Shutdown()
	runErr := eg.Wait()

	return errors.Join(runErr, shutdownErr)
}

// Shutdown stops the scheduler, stops claims and drains in-flight handlers
// of all pools in parallel, drains the event bus, runs after-stop hooks and
// closes storage. It is safe to call more than once and from any goroutine;
// later calls return the first result.
func (s *Service) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Service) shutdown() error {
	ctx := context.Background()
	start := time.Now()

	s.mu.Lock()
	wasRunning := s.running
	s.stopped = true
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stopping queue service",
		slog.Duration("drain_timeout", s.config.DrainTimeout))

	var errs []error

	if err := s.scheduler.Stop(); err != nil && !errors.Is(err, ErrSchedulerNotStarted) {
		errs = append(errs, fmt.Errorf("failed to stop scheduler: %w", err))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, p := range pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Stop(); err != nil && !errors.Is(err, ErrPoolNotStarted) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if err := s.bus.Stop(); err != nil && !errors.Is(err, event.ErrBusNotStarted) {
		errs = append(errs, fmt.Errorf("failed to stop event bus: %w", err))
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if wasRunning {
		for _, hook := range s.afterStop {
			if err := hook(); err != nil {
				errs = append(errs, fmt.Errorf("after stop hook failed: %w", err))
			}
		}
	}

	if closer, ok := s.storage.(Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
		}
	}

	if len(errs) > 0 {
		s.logger.ErrorContext(ctx, "queue service stopped with errors",
			logger.Elapsed(start),
			logger.Errors(errs...))
	} else {
		s.logger.InfoContext(ctx, "queue service stopped", logger.Elapsed(start))
	}
	return errors.Join(errs...)
}

// Statistics returns per-queue job counts. A queue whose query fails gets
// an entry with Error set while the others still report.
func (s *Service) Statistics(ctx context.Context) map[string]QueueStatistics {
	return CollectStatistics(ctx, s.storage, s.registry.Names(), s.logger)
}

// GetJob returns a stored job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.storage.GetJob(ctx, id)
}

// DeadLetters lists terminal-failed jobs of a queue, newest first.
func (s *Service) DeadLetters(ctx context.Context, queue string, limit int) ([]*Job, error) {
	if _, err := s.registry.Lookup(queue); err != nil {
		return nil, err
	}
	return s.storage.DeadLetters(ctx, queue, limit)
}

// PoolStats returns the statistics of every running or registered pool.
func (s *Service) PoolStats() []PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PoolStats, 0, len(s.pools))
	for _, name := range s.registry.Names() {
		if p, ok := s.pools[name]; ok {
			out = append(out, p.Stats())
		}
	}
	return out
}

// Healthcheck reports pool, scheduler, bus and storage liveness.
func (s *Service) Healthcheck(ctx context.Context) error {
	s.mu.RLock()
	running, stopped := s.running, s.stopped
	pools := make([]*Pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	if stopped {
		return errors.Join(ErrHealthcheckFailed, ErrServiceStopped)
	}
	if !running {
		return errors.Join(ErrHealthcheckFailed, errors.New("queue service not started"))
	}

	var errs []error
	for _, p := range pools {
		if err := p.Healthcheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.scheduler.Healthcheck(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.bus.Healthcheck(ctx); err != nil {
		errs = append(errs, err)
	}
	if pinger, ok := s.storage.(Pinger); ok {
		if err := pinger.Ping(ctx); err != nil {
			errs = append(errs, errors.Join(ErrHealthcheckFailed, fmt.Errorf("storage: %w", err)))
		}
	}
	return errors.Join(errs...)
}

// Registry returns the queue registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Enqueuer returns the producer API.
func (s *Service) Enqueuer() *Enqueuer {
	return s.enqueuer
}

// Scheduler returns the recurring scheduler.
func (s *Service) Scheduler() *Scheduler {
	return s.scheduler
}

// Bus returns the event bus.
func (s *Service) Bus() *event.Bus {
	return s.bus
}

// Storage returns the underlying storage implementation.
func (s *Service) Storage() Storage {
	return s.storage
}

// wake nudges the pool of queue once the job becomes eligible.
func (s *Service) wake(queue string, availableAt time.Time) {
	s.mu.RLock()
	p, ok := s.pools[queue]
	s.mu.RUnlock()

	if !ok {
		return
	}
	if d := time.Until(availableAt); d > 0 {
		time.AfterFunc(d, p.Wake)
		return
	}
	p.Wake()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
