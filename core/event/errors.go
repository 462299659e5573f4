package event

import "errors"

var (
	// ErrPublishTimeout is returned when the buffer stayed full for the whole publish timeout.
	ErrPublishTimeout = errors.New("event publish timed out")

	// ErrBusClosed is returned when publishing to a bus that is stopping or stopped.
	ErrBusClosed = errors.New("event bus is closed")

	// ErrBusAlreadyStarted is returned when attempting to start a bus that is already running.
	ErrBusAlreadyStarted = errors.New("event bus already started")

	// ErrBusNotStarted is returned when attempting to stop a bus that is not running.
	ErrBusNotStarted = errors.New("event bus not started")

	// ErrHandlerNil is returned when subscribing a nil handler.
	ErrHandlerNil = errors.New("event handler cannot be nil")

	ErrHealthcheckFailed = errors.New("healthcheck failed")
	ErrBusNotRunning     = errors.New("event bus is not running")
)
