package queue

import (
	"errors"
	"fmt"
)

var (
	ErrRepositoryNil      = errors.New("queue repository cannot be nil")
	ErrRegistryNil        = errors.New("queue registry cannot be nil")
	ErrValidation         = errors.New("job validation failed")
	ErrUnknownQueue       = errors.New("unknown queue")
	ErrDuplicateQueue     = errors.New("queue already registered")
	ErrInvalidQueueConfig = errors.New("invalid queue configuration")
	ErrHandlerNil         = errors.New("handler cannot be nil")
	ErrHandlerKind        = errors.New("handler job kind does not match queue")
	ErrNoHandler          = errors.New("no handler registered for queue")
	ErrUnknownJobKind     = errors.New("unknown job kind")
	ErrNoJobToClaim       = errors.New("no job to claim")
	ErrJobNotFound        = errors.New("job not found")
	ErrLeaseLost          = errors.New("job lease lost")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrShutdownTimeout    = errors.New("shutdown timeout exceeded")
	ErrNoJobContext       = errors.New("context does not belong to a running job")

	ErrSchedulerAlreadyStarted = errors.New("scheduler already started")
	ErrSchedulerNotStarted     = errors.New("scheduler not started")
	ErrScheduleNotFound        = errors.New("recurring schedule not found")
	ErrInvalidSchedule         = errors.New("invalid recurring schedule")

	ErrServiceStopped = errors.New("queue service stopped")
	ErrServiceRunning = errors.New("queue service already running")

	ErrHealthcheckFailed   = errors.New("healthcheck failed")
	ErrPoolNotRunning      = errors.New("worker pool is not running")
	ErrSchedulerNotRunning = errors.New("scheduler is not running")
)

// ValidationError is returned synchronously by the producer API when the
// payload or the enqueue options are not acceptable.
type ValidationError struct {
	Field  string
	Reason string
	// Err is an optional underlying sentinel, e.g. ErrUnknownQueue.
	Err error
}

// NewValidationError builds a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap makes every ValidationError match ErrValidation and its cause.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// HandlerError wraps an error returned (or a panic raised) by a job handler.
type HandlerError struct {
	JobID   string
	Queue   string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for job %s in queue %q failed on attempt %d: %v", e.JobID, e.Queue, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// ExhaustedRetriesError marks a job that was moved to the dead-letter list.
// It is only surfaced through events and logs, never to producers.
type ExhaustedRetriesError struct {
	JobID    string
	Queue    string
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("job %s in queue %q exhausted %d attempts: %v", e.JobID, e.Queue, e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// StatisticsQueryError reports a failed count query for one queue.
type StatisticsQueryError struct {
	Queue string
	Err   error
}

func (e *StatisticsQueryError) Error() string {
	return fmt.Sprintf("statistics query for queue %q failed: %v", e.Queue, e.Err)
}

func (e *StatisticsQueryError) Unwrap() error { return e.Err }
