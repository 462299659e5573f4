package queue

import (
	"log/slog"
	"time"
)

// SchedulerOption is a functional option for configuring a scheduler
type SchedulerOption func(*schedulerOptions)

type schedulerOptions struct {
	checkInterval   time.Duration
	shutdownTimeout time.Duration
	notify          func(queue string, availableAt time.Time)
	logger          *slog.Logger
}

// WithCheckInterval configures how frequently the scheduler checks for due schedules.
// Shorter intervals provide more precise scheduling but increase CPU usage.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.checkInterval = d
		}
	}
}

// WithSchedulerShutdownTimeout configures maximum wait time for active checks during shutdown.
// Scheduler will wait this long for in-flight operations to complete before forcing shutdown.
func WithSchedulerShutdownTimeout(d time.Duration) SchedulerOption {
	return func(o *schedulerOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithScheduleNotifier registers a callback invoked for every created job.
func WithScheduleNotifier(fn func(queue string, availableAt time.Time)) SchedulerOption {
	return func(o *schedulerOptions) {
		if fn != nil {
			o.notify = fn
		}
	}
}

// WithSchedulerLogger configures structured logging for scheduler operations.
// Use slog.New(slog.NewTextHandler(io.Discard, nil)) to disable logging.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(o *schedulerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// ScheduleOption is a functional option for configuring a recurring schedule
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	priority Priority
}

// WithSchedulePriority sets the priority of the jobs a schedule creates.
func WithSchedulePriority(priority Priority) ScheduleOption {
	return func(o *scheduleOptions) {
		o.priority = priority
	}
}
