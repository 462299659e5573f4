package queue

import (
	"context"
	"fmt"
)

type (
	// Handler runs the domain logic for one job kind.
	// The returned value is stored as the job result data (JSON encoded).
	Handler interface {
		// Kind returns the job kind this handler accepts.
		Kind() JobKind
		// Handle processes a decoded payload.
		Handle(ctx context.Context, payload Payload) (any, error)
	}

	// HandlerFunc is a type-safe handler function for payload type P.
	HandlerFunc[P Payload] func(ctx context.Context, payload P) (any, error)
)

// NewHandler creates a type-safe handler. The job kind is taken from P.
//
//	h := queue.NewHandler(func(ctx context.Context, p queue.DataExportPayload) (any, error) {
//		_ = queue.ReportProgress(ctx, 50)
//		return exporter.Export(ctx, p)
//	})
func NewHandler[P Payload](fn HandlerFunc[P]) Handler {
	var zero P
	return &typedHandler[P]{
		kind: zero.Kind(),
		fn:   fn,
	}
}

type typedHandler[P Payload] struct {
	kind JobKind
	fn   HandlerFunc[P]
}

func (h *typedHandler[P]) Kind() JobKind {
	return h.kind
}

func (h *typedHandler[P]) Handle(ctx context.Context, payload Payload) (any, error) {
	typed, ok := payload.(P)
	if !ok {
		return nil, fmt.Errorf("%w: handler for %s got %T", ErrHandlerKind, h.kind, payload)
	}
	return h.fn(ctx, typed)
}
