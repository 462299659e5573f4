package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/pharmaq/core/event"
	"github.com/dmitrymomot/pharmaq/core/queue"
)

const namespace = "pharmaq"

// DefaultScrapeTimeout bounds the statistics query run on every scrape.
const DefaultScrapeTimeout = 5 * time.Second

var ErrSourceNil = errors.New("metrics source cannot be nil")

// Source exposes the queue service state read on every scrape.
// *queue.Service satisfies it.
type Source interface {
	Statistics(ctx context.Context) map[string]queue.QueueStatistics
	PoolStats() []queue.PoolStats
}

// BusSource exposes event bus counters. *event.Bus satisfies it.
type BusSource interface {
	Stats() event.BusStats
}

// Metrics owns a Prometheus registry with the queue collectors and the
// job event recorders.
type Metrics struct {
	registry *prometheus.Registry

	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// Option configures Metrics.
type Option func(*options)

type options struct {
	bus           BusSource
	scrapeTimeout time.Duration
	runtime       bool
	buckets       []float64
}

// WithBus adds event bus gauges and counters.
func WithBus(bus BusSource) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithScrapeTimeout bounds the statistics query per scrape.
func WithScrapeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.scrapeTimeout = d
		}
	}
}

// WithRuntimeMetrics registers the Go runtime and process collectors.
func WithRuntimeMetrics() Option {
	return func(o *options) {
		o.runtime = true
	}
}

// WithDurationBuckets replaces the handler duration histogram buckets.
func WithDurationBuckets(buckets []float64) Option {
	return func(o *options) {
		if len(buckets) > 0 {
			o.buckets = buckets
		}
	}
}

// New registers every collector on a fresh registry.
func New(src Source, opts ...Option) (*Metrics, error) {
	if src == nil {
		return nil, ErrSourceNil
	}

	o := options{
		scrapeTimeout: DefaultScrapeTimeout,
		buckets:       []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs whose handler succeeded.",
		}, []string{"queue"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Failed handler attempts; terminal=true when the job was dead-lettered.",
		}, []string{"queue", "terminal"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time per attempt.",
			Buckets:   o.buckets,
		}, []string{"queue", "outcome"}),
	}

	cs := []prometheus.Collector{
		m.completed,
		m.failed,
		m.duration,
		newQueueCollector(src, o.bus, o.scrapeTimeout),
	}
	if o.runtime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// EventHandler records job events. Subscribe it to event.Wildcard.
func (m *Metrics) EventHandler() event.Handler {
	return event.NewEventHandler(func(_ context.Context, evt event.Event) error {
		switch p := evt.Payload.(type) {
		case queue.JobCompleted:
			m.observeCompleted(p)
		case *queue.JobCompleted:
			m.observeCompleted(*p)
		case queue.JobFailed:
			m.observeFailed(p)
		case *queue.JobFailed:
			m.observeFailed(*p)
		}
		return nil
	})
}

func (m *Metrics) observeCompleted(e queue.JobCompleted) {
	m.completed.WithLabelValues(e.Queue).Inc()
	m.duration.WithLabelValues(e.Queue, "success").Observe(e.Duration.Seconds())
}

func (m *Metrics) observeFailed(e queue.JobFailed) {
	m.failed.WithLabelValues(e.Queue, strconv.FormatBool(e.Terminal)).Inc()
	m.duration.WithLabelValues(e.Queue, "failure").Observe(e.Duration.Seconds())
}
