package event

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/pharmaq/core/logger"
)

const (
	// DefaultBufferSize is the default buffer size for the bus channel.
	DefaultBufferSize = 100
	// DefaultDeliveryAttempts is how often a failing subscriber sees one event.
	DefaultDeliveryAttempts = 3
	// DefaultPublishTimeout bounds how long Publish waits for buffer space.
	DefaultPublishTimeout = 5 * time.Second
)

// Bus is an in-process, topic based event bus. Publishers hand events to a
// buffered channel; a single dispatch goroutine delivers each event, in
// publish order, to the subscribers of its topic and to wildcard subscribers.
// A full buffer blocks publishers until the dispatcher catches up, the
// publish context is done, or the publish timeout elapses.
//
// Delivery is at-least-once per subscriber: a subscriber that returns an
// error or panics sees the event again, up to the configured number of
// attempts. Events are not persisted.
//
// Example:
//
//	bus := event.NewBus(event.WithBufferSize(256))
//	bus.Subscribe("ai-analysis", event.NewHandlerFunc(func(ctx context.Context, e queue.JobFailed) error {
//	    return alert(ctx, e)
//	}))
//	g.Go(bus.Run(ctx))
type Bus struct {
	ch          chan Event
	subscribers map[string][]Handler
	mu          sync.RWMutex

	deliveryAttempts int
	publishTimeout   time.Duration
	retryDelay       time.Duration
	shutdownTimeout  time.Duration
	logger           *slog.Logger

	closed   bool
	started  bool
	quit     chan struct{}
	done     chan struct{}
	inflight sync.WaitGroup

	eventsPublished atomic.Int64
	eventsDelivered atomic.Int64
	eventsFailed    atomic.Int64
	eventsDropped   atomic.Int64
	lastActivityAt  atomic.Int64
}

// BusStats provides observability metrics for monitoring and debugging.
type BusStats struct {
	EventsPublished int64 // Events accepted by Publish
	EventsDelivered int64 // Successful subscriber deliveries
	EventsFailed    int64 // Deliveries that failed after all attempts
	EventsDropped   int64 // Events not accepted before the publish timeout
	Buffered        int   // Events waiting for dispatch
	IsRunning       bool
	LastActivityAt  time.Time
}

// NewBus creates a new event bus with the given options.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ch:               make(chan Event, DefaultBufferSize),
		subscribers:      make(map[string][]Handler),
		deliveryAttempts: DefaultDeliveryAttempts,
		publishTimeout:   DefaultPublishTimeout,
		retryDelay:       10 * time.Millisecond,
		shutdownTimeout:  30 * time.Second,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Subscribe registers a handler for a topic. Use Wildcard to receive the
// events of every topic. Subscribing while the bus runs is safe.
func (b *Bus) Subscribe(topic string, h Handler) error {
	if h == nil {
		return ErrHandlerNil
	}
	if topic == "" {
		topic = Wildcard
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[topic] = append(b.subscribers[topic], h)
	return nil
}

// Publish enqueues an event for dispatch, waiting for buffer space while the
// buffer is full. It returns ErrPublishTimeout when no space frees up within
// the publish timeout and ErrBusClosed when the bus stops during the wait.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	select {
	case b.ch <- evt:
		b.eventsPublished.Add(1)
		return nil
	default:
	}

	var timeout <-chan time.Time
	if b.publishTimeout > 0 {
		timer := time.NewTimer(b.publishTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case b.ch <- evt:
		b.eventsPublished.Add(1)
		return nil
	case <-b.quit:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		b.eventsDropped.Add(1)
		b.logger.WarnContext(ctx, "event buffer full, publish timed out",
			logger.Key("event_id", evt.ID),
			logger.Event(evt.Name),
			logger.Key("topic", evt.Topic),
			slog.Duration("timeout", b.publishTimeout))
		return ErrPublishTimeout
	}
}

// Start dispatches events until the bus is stopped. This is a blocking operation.
// Cancelling ctx closes intake and drains the events already buffered.
// Use Run() for errgroup pattern or call this in a goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return ErrBusAlreadyStarted
	}
	b.started = true
	closed := b.closed
	b.mu.Unlock()

	defer close(b.done)

	// Stopped before it started: deliver what was accepted, then return.
	if closed {
		for evt := range b.ch {
			b.dispatch(context.WithoutCancel(ctx), evt)
		}
		return nil
	}

	b.logger.InfoContext(ctx, "event bus started",
		slog.Int("buffer_size", cap(b.ch)),
		slog.Int("delivery_attempts", b.deliveryAttempts))

	// Subscribers must finish delivering buffered events after cancellation.
	deliverCtx := context.WithoutCancel(ctx)

	stop := context.AfterFunc(ctx, b.close)
	defer stop()

	for evt := range b.ch {
		b.dispatch(deliverCtx, evt)
	}

	b.logger.InfoContext(deliverCtx, "event bus drained")
	return nil
}

// Stop closes intake and waits for buffered events to be delivered.
// Returns an error if the shutdown timeout is exceeded. A bus stopped before
// Start returns ErrBusNotStarted; a later Start delivers the events accepted
// so far and returns.
func (b *Bus) Stop() error {
	b.close()

	b.mu.RLock()
	started := b.started
	b.mu.RUnlock()

	if !started {
		return ErrBusNotStarted
	}

	b.logger.Info("event bus stopping, draining buffered events",
		slog.Duration("timeout", b.shutdownTimeout))

	timer := time.NewTimer(b.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-b.done:
		b.logger.Info("event bus stopped cleanly")
		return nil
	case <-timer.C:
		b.logger.Warn("event bus shutdown timeout exceeded - some events may be lost",
			slog.Duration("timeout", b.shutdownTimeout),
			logger.Count("buffered", len(b.ch)))
		return fmt.Errorf("shutdown timeout exceeded after %s", b.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
// Returns a function that starts the bus, monitors context cancellation,
// and drains buffered events when the context is cancelled.
func (b *Bus) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- b.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			err := b.Stop()
			<-errCh
			if errors.Is(err, ErrBusNotStarted) {
				return nil
			}
			return err
		case err := <-errCh:
			return err
		}
	}
}

// close stops intake. Publishers blocked on a full buffer are released
// through quit, and the channel closes once none is mid-send.
func (b *Bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.quit)
	b.mu.Unlock()

	b.inflight.Wait()
	close(b.ch)
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[evt.Topic])+len(b.subscribers[Wildcard]))
	handlers = append(handlers, b.subscribers[evt.Topic]...)
	if evt.Topic != Wildcard {
		handlers = append(handlers, b.subscribers[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if name := h.EventName(); name != "" && name != evt.Name {
			continue
		}
		b.deliver(ctx, h, evt)
	}

	b.lastActivityAt.Store(time.Now().Unix())
}

// deliver hands one event to one handler, retrying on error or panic.
func (b *Bus) deliver(ctx context.Context, h Handler, evt Event) {
	var err error
	for attempt := 1; attempt <= b.deliveryAttempts; attempt++ {
		start := time.Now()
		err = b.invoke(withEventMeta(ctx, evt, attempt), h, evt)
		if err == nil {
			b.eventsDelivered.Add(1)
			b.logger.DebugContext(ctx, "event delivered",
				logger.Key("event_id", evt.ID),
				logger.Event(evt.Name),
				logger.Key("topic", evt.Topic),
				logger.Attempt(attempt),
				logger.Duration(time.Since(start)))
			return
		}

		b.logger.WarnContext(ctx, "event handler failed",
			logger.Key("event_id", evt.ID),
			logger.Event(evt.Name),
			logger.Key("topic", evt.Topic),
			logger.Attempt(attempt),
			logger.Error(err))

		if attempt < b.deliveryAttempts && b.retryDelay > 0 {
			time.Sleep(b.retryDelay)
		}
	}

	b.eventsFailed.Add(1)
	b.logger.ErrorContext(ctx, "event delivery gave up",
		logger.Key("event_id", evt.ID),
		logger.Event(evt.Name),
		logger.Key("topic", evt.Topic),
		slog.Int("attempts", b.deliveryAttempts),
		logger.Error(err))
}

func (b *Bus) invoke(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in event handler: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

// Stats returns current bus statistics for observability and monitoring.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	isRunning := b.started && !b.closed
	b.mu.RUnlock()

	lastActivity := b.lastActivityAt.Load()
	var lastActivityTime time.Time
	if lastActivity > 0 {
		lastActivityTime = time.Unix(lastActivity, 0)
	}

	return BusStats{
		EventsPublished: b.eventsPublished.Load(),
		EventsDelivered: b.eventsDelivered.Load(),
		EventsFailed:    b.eventsFailed.Load(),
		EventsDropped:   b.eventsDropped.Load(),
		Buffered:        len(b.ch),
		IsRunning:       isRunning,
		LastActivityAt:  lastActivityTime,
	}
}

// Healthcheck validates that the bus is dispatching.
func (b *Bus) Healthcheck(ctx context.Context) error {
	if !b.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrBusNotRunning)
	}
	return nil
}
