package queue

import "time"

// Config holds the configuration for pools, scheduler and enqueuer.
// Designed for environment-based configuration with caarlos0/env.
type Config struct {
	// Worker pool configuration
	PollInterval  time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout   time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	DrainTimeout  time.Duration `env:"QUEUE_DRAIN_TIMEOUT" envDefault:"30s"`
	AgingInterval time.Duration `env:"QUEUE_AGING_INTERVAL" envDefault:"30s"`
	// Concurrency overrides the per-queue pool size, e.g. "ai-analysis:4,data-export:2".
	Concurrency map[string]int `env:"QUEUE_CONCURRENCY" envSeparator:"," envKeyValSeparator:":"`

	// Scheduler configuration
	CheckInterval time.Duration `env:"QUEUE_CHECK_INTERVAL" envDefault:"10s"`

	// Enqueuer configuration
	CommitDelay time.Duration `env:"QUEUE_COMMIT_DELAY" envDefault:"1s"`

	// Event bus configuration
	EventBuffer           int           `env:"QUEUE_EVENT_BUFFER" envDefault:"256"`
	EventDeliveryAttempts int           `env:"QUEUE_EVENT_DELIVERY_ATTEMPTS" envDefault:"3"`
	EventPublishTimeout   time.Duration `env:"QUEUE_EVENT_PUBLISH_TIMEOUT" envDefault:"5s"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		PollInterval:          time.Second,
		LockTimeout:           5 * time.Minute,
		DrainTimeout:          30 * time.Second,
		AgingInterval:         30 * time.Second,
		CheckInterval:         10 * time.Second,
		CommitDelay:           time.Second,
		EventBuffer:           256,
		EventDeliveryAttempts: 3,
		EventPublishTimeout:   5 * time.Second,
	}
}
