package queue

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/pharmaq/core/event"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*serviceOptions) error

type serviceOptions struct {
	queues        []QueueConfig
	poolOpts      []PoolOption
	schedulerOpts []SchedulerOption
	enqueuerOpts  []EnqueuerOption
	busOpts       []event.BusOption
	handlers      map[string]Handler
	logger        *slog.Logger
	beforeStart   []func(context.Context) error
	afterStop     []func() error
}

// WithServiceLogger sets the logger for the service and all its components.
// Component specific logger options still override it.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) error {
		if logger != nil {
			o.logger = logger
		}
		return nil
	}
}

// WithQueues replaces the default queue set.
func WithQueues(queues ...QueueConfig) ServiceOption {
	return func(o *serviceOptions) error {
		o.queues = append(o.queues, queues...)
		return nil
	}
}

// WithPoolOptions applies options to every worker pool.
func WithPoolOptions(opts ...PoolOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.poolOpts = append(o.poolOpts, opts...)
		return nil
	}
}

// WithSchedulerOptions applies options to the scheduler component.
func WithSchedulerOptions(opts ...SchedulerOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.schedulerOpts = append(o.schedulerOpts, opts...)
		return nil
	}
}

// WithEnqueuerOptions applies options to the enqueuer component.
func WithEnqueuerOptions(opts ...EnqueuerOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.enqueuerOpts = append(o.enqueuerOpts, opts...)
		return nil
	}
}

// WithBusOptions applies options to the event bus.
func WithBusOptions(opts ...event.BusOption) ServiceOption {
	return func(o *serviceOptions) error {
		o.busOpts = append(o.busOpts, opts...)
		return nil
	}
}

// WithHandler registers the handler of a queue during service creation.
func WithHandler(queue string, handler Handler) ServiceOption {
	return func(o *serviceOptions) error {
		if handler == nil {
			return ErrHandlerNil
		}
		o.handlers[queue] = handler
		return nil
	}
}

// WithBeforeStart adds a hook that runs before any component starts.
func WithBeforeStart(hook func(context.Context) error) ServiceOption {
	return func(o *serviceOptions) error {
		if hook != nil {
			o.beforeStart = append(o.beforeStart, hook)
		}
		return nil
	}
}

// WithAfterStop adds a hook that runs after all components stopped,
// before storage is closed.
func WithAfterStop(hook func() error) ServiceOption {
	return func(o *serviceOptions) error {
		if hook != nil {
			o.afterStop = append(o.afterStop, hook)
		}
		return nil
	}
}
