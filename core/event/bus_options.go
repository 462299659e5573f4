package event

import (
	"log/slog"
	"time"
)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the buffer size for the event channel.
// Default is 100. Publish blocks while the buffer is full.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.ch = make(chan Event, size)
		}
	}
}

// WithPublishTimeout bounds how long Publish waits for buffer space.
// Default is 5s. Zero waits until the publish context is done.
func WithPublishTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d >= 0 {
			b.publishTimeout = d
		}
	}
}

// WithDeliveryAttempts sets how many times a failing subscriber receives the same event.
func WithDeliveryAttempts(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.deliveryAttempts = n
		}
	}
}

// WithRetryDelay sets the pause between delivery attempts. Zero retries immediately.
func WithRetryDelay(d time.Duration) BusOption {
	return func(b *Bus) {
		if d >= 0 {
			b.retryDelay = d
		}
	}
}

// WithShutdownTimeout configures maximum wait time for draining buffered events during shutdown.
func WithShutdownTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.shutdownTimeout = d
		}
	}
}

// WithBusLogger configures structured logging for the bus.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}
