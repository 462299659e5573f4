package event

import (
	"context"
	"encoding/json"
	"fmt"
)

// HandlerFunc is a type-safe function signature for processing events of type T.
type HandlerFunc[T any] func(context.Context, T) error

// Handler processes events delivered by a Bus.
type Handler interface {
	// EventName returns the event name this handler processes.
	// An empty name matches every event on the subscribed topic.
	EventName() string

	// Handle executes the handler with the given event.
	Handle(ctx context.Context, evt Event) error
}

// NewHandler creates a new handler with a manually specified event name.
// Use this when you need explicit control over the event name.
//
// Example:
//
//	handler := event.NewHandler("JobFailed", func(ctx context.Context, evt queue.JobFailed) error {
//	    return alert(ctx, evt)
//	})
func NewHandler[T any](eventName string, fn HandlerFunc[T]) Handler {
	return &handlerFuncWrapper[T]{
		name: eventName,
		fn:   fn,
	}
}

// NewHandlerFunc creates a new type-safe handler from a function.
// The event name is automatically derived from the type parameter using reflection.
//
// Example:
//
//	handler := event.NewHandlerFunc(func(ctx context.Context, evt queue.JobCompleted) error {
//	    return record(ctx, evt)
//	})
func NewHandlerFunc[T any](fn HandlerFunc[T]) Handler {
	var zero T
	return &handlerFuncWrapper[T]{
		name: getEventName(zero),
		fn:   fn,
	}
}

// NewEventHandler creates a handler that receives every event of its topic
// with metadata. Useful for logging and metrics sinks.
func NewEventHandler(fn func(context.Context, Event) error) Handler {
	return eventHandler(fn)
}

type eventHandler func(context.Context, Event) error

func (h eventHandler) EventName() string { return "" }

func (h eventHandler) Handle(ctx context.Context, evt Event) error { return h(ctx, evt) }

// handlerFuncWrapper is a generic, type-safe event handler implementation.
type handlerFuncWrapper[T any] struct {
	name string
	fn   func(context.Context, T) error
}

// EventName returns the event name this handler processes.
func (h *handlerFuncWrapper[T]) EventName() string {
	return h.name
}

// Handle executes the handler function with type-safe payload conversion.
// Returns an error if the payload cannot be converted to type T.
func (h *handlerFuncWrapper[T]) Handle(ctx context.Context, evt Event) error {
	typed, err := unmarshalPayload[T](evt.Payload)
	if err != nil {
		return err
	}
	return h.fn(ctx, typed)
}

// unmarshalPayload attempts to convert payload to type T.
// Handles pre-typed payloads, pointers to T and raw JSON.
func unmarshalPayload[T any](payload any) (T, error) {
	var zero T

	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		if v != nil {
			return *v, nil
		}
	case []byte:
		var evt T
		if err := json.Unmarshal(v, &evt); err != nil {
			return zero, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		return evt, nil
	}

	return zero, fmt.Errorf("unexpected payload type: %T", payload)
}
