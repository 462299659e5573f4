package queue

import (
	"context"
	"time"

	"github.com/dmitrymomot/pharmaq/core/event"
)

// Event names published by worker pools. The event topic is the queue name.
const (
	EventJobCompleted = "JobCompleted"
	EventJobFailed    = "JobFailed"
)

// Publisher delivers job events. *event.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, evt event.Event) error
}

// JobCompleted is published after a job's result has been recorded.
type JobCompleted struct {
	JobID    string        `json:"job_id"`
	Queue    string        `json:"queue"`
	Kind     JobKind       `json:"kind"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
	Result   Result        `json:"result"`
}

// JobFailed is published on every failed attempt. Terminal is set when the
// job moved to the dead-letter list.
type JobFailed struct {
	JobID       string        `json:"job_id"`
	Queue       string        `json:"queue"`
	Kind        JobKind       `json:"kind"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Terminal    bool          `json:"terminal"`
	RetryIn     time.Duration `json:"retry_in,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error"`

	// Err is a *HandlerError for retryable failures and an
	// *ExhaustedRetriesError for terminal ones.
	Err error `json:"-"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, event.Event) error { return nil }
