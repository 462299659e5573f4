package queue

import (
	"fmt"
	"sync"
	"time"
)

// Names of the fixed queue set.
const (
	QueueAIAnalysis          = "ai-analysis"
	QueueDataExport          = "data-export"
	QueueCacheWarmup         = "cache-warmup"
	QueueDatabaseMaintenance = "db-maintenance"
)

// QueueConfig is the default execution policy of one queue.
type QueueConfig struct {
	Name        string
	Kind        JobKind
	Concurrency int
	MaxAttempts int
	Backoff     Backoff
	// KeepCompleted and KeepFailed bound how many finished jobs are retained
	// for inspection. Zero keeps everything.
	KeepCompleted int
	KeepFailed    int
}

// Validate checks the configuration invariants.
func (c QueueConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidQueueConfig)
	}
	if c.Kind == "" {
		return fmt.Errorf("%w: queue %q: job kind is required", ErrInvalidQueueConfig, c.Name)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: queue %q: concurrency must be at least 1", ErrInvalidQueueConfig, c.Name)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: queue %q: max attempts must be at least 1", ErrInvalidQueueConfig, c.Name)
	}
	if err := c.Backoff.Validate(); err != nil {
		return fmt.Errorf("%w: queue %q: %v", ErrInvalidQueueConfig, c.Name, err)
	}
	if c.KeepCompleted < 0 || c.KeepFailed < 0 {
		return fmt.Errorf("%w: queue %q: retention must not be negative", ErrInvalidQueueConfig, c.Name)
	}
	return nil
}

// DefaultQueues returns the platform queue set.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{
			Name:          QueueAIAnalysis,
			Kind:          KindAIAnalysis,
			Concurrency:   2,
			MaxAttempts:   3,
			Backoff:       ExponentialBackoff(2 * time.Second),
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		{
			Name:          QueueDataExport,
			Kind:          KindDataExport,
			Concurrency:   3,
			MaxAttempts:   2,
			Backoff:       FixedBackoff(5 * time.Second),
			KeepCompleted: 100,
			KeepFailed:    50,
		},
		{
			Name:          QueueCacheWarmup,
			Kind:          KindCacheWarmup,
			Concurrency:   5,
			MaxAttempts:   3,
			Backoff:       FixedBackoff(time.Second),
			KeepCompleted: 50,
			KeepFailed:    20,
		},
		{
			Name:          QueueDatabaseMaintenance,
			Kind:          KindDatabaseMaintenance,
			Concurrency:   1,
			MaxAttempts:   2,
			Backoff:       ExponentialBackoff(30 * time.Second),
			KeepCompleted: 20,
			KeepFailed:    20,
		},
	}
}

// Registry holds the named queues known to the system.
type Registry struct {
	mu     sync.RWMutex
	queues map[string]QueueConfig
	order  []string
}

// NewRegistry creates a registry from the given configurations.
// With no arguments it registers DefaultQueues.
func NewRegistry(configs ...QueueConfig) (*Registry, error) {
	if len(configs) == 0 {
		configs = DefaultQueues()
	}

	r := &Registry{queues: make(map[string]QueueConfig, len(configs))}
	for _, cfg := range configs {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds one queue.
func (r *Registry) Register(cfg QueueConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.queues[cfg.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateQueue, cfg.Name)
	}
	r.queues[cfg.Name] = cfg
	r.order = append(r.order, cfg.Name)
	return nil
}

// Lookup returns the configuration of a queue.
func (r *Registry) Lookup(name string) (QueueConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.queues[name]
	if !ok {
		return QueueConfig{}, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return cfg, nil
}

// SetConcurrency overrides the pool size of a queue. Must be called before
// the service starts.
func (r *Registry) SetConcurrency(name string, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: queue %q: concurrency must be at least 1", ErrInvalidQueueConfig, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.queues[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	cfg.Concurrency = n
	r.queues[name] = cfg
	return nil
}

// Names returns queue names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Queues returns all configurations in registration order.
func (r *Registry) Queues() []QueueConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]QueueConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.queues[name])
	}
	return out
}
