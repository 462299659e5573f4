// Package event provides an in-process, topic based event bus with type-safe
// handlers, at-least-once delivery to subscribers and graceful draining.
//
// # Core Components
//
// Event carries routing metadata (ID, Topic, Name, CreatedAt) and a payload.
// NewEvent derives the name from the payload type.
//
// Handler processes events. NewHandlerFunc infers the event name from the
// type parameter, NewHandler takes it explicitly, and NewEventHandler
// receives every event of its topic.
//
// Bus owns a buffered channel and a single dispatch goroutine. Events are
// delivered in publish order to the subscribers of their topic and to
// Wildcard subscribers. A subscriber that fails or panics is retried up to
// the configured delivery attempts.
//
// # Basic Usage
//
//	bus := event.NewBus(
//		event.WithBufferSize(256),
//		event.WithDeliveryAttempts(3),
//		event.WithBusLogger(logger),
//	)
//
//	_ = bus.Subscribe("data-export", event.NewHandlerFunc(func(ctx context.Context, e queue.JobFailed) error {
//		if e.Terminal {
//			return notifyOperator(ctx, e)
//		}
//		return nil
//	}))
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(bus.Run(ctx))
//
//	_ = bus.Publish(ctx, event.NewEvent("data-export", queue.JobFailed{JobID: id}))
//
// # Handler Context
//
// Handlers receive a context that survives bus shutdown so buffered events
// can drain. EventID, EventTopic, EventName, EventTime and DeliveryAttempt
// read the delivery metadata from it.
//
// # Lifecycle
//
// Start blocks until the bus is stopped or its context is cancelled; both
// close intake and drain the buffer. Stop waits for the drain up to the
// shutdown timeout. Run adapts the bus to errgroup.
package event
