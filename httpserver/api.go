package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrymomot/pharmaq/core/health"
	"github.com/dmitrymomot/pharmaq/core/logger"
	"github.com/dmitrymomot/pharmaq/core/queue"
	"github.com/dmitrymomot/pharmaq/pkg/ratelimiter"
)

const (
	DefaultMaxBodyBytes    = 1 << 20
	DefaultDeadLetterLimit = 50
	MaxDeadLetterLimit     = 500
)

var ErrServiceNil = errors.New("queue service cannot be nil")

// Service is the part of the queue service the API exposes.
// *queue.Service satisfies it.
type Service interface {
	Registry() *queue.Registry
	Enqueue(ctx context.Context, queue string, payload queue.Payload, opts ...queue.EnqueueOption) (queue.JobHandle, error)
	Statistics(ctx context.Context) map[string]queue.QueueStatistics
	GetJob(ctx context.Context, id string) (*queue.Job, error)
	DeadLetters(ctx context.Context, queue string, limit int) ([]*queue.Job, error)
	PoolStats() []queue.PoolStats
	Healthcheck(ctx context.Context) error
}

// API serves the queue HTTP endpoints.
type API struct {
	svc          Service
	logger       *slog.Logger
	metrics      http.Handler
	stream       *Stream
	readiness    []health.CheckFunc
	limiter      *ratelimiter.Limiter
	maxBodyBytes int64
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *API) {
		a.metrics = h
	}
}

// WithEventStream mounts s at GET /api/events.
func WithEventStream(s *Stream) Option {
	return func(a *API) {
		a.stream = s
	}
}

// WithReadinessChecks adds checks to /health/ready on top of the service check.
func WithReadinessChecks(checks ...health.CheckFunc) Option {
	return func(a *API) {
		a.readiness = append(a.readiness, checks...)
	}
}

// WithMaxBodyBytes limits enqueue request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithEnqueueLimiter rate limits enqueue calls per tenant and queue.
func WithEnqueueLimiter(l *ratelimiter.Limiter) Option {
	return func(a *API) {
		a.limiter = l
	}
}

// New creates the API.
func New(svc Service, opts ...Option) (*API, error) {
	if svc == nil {
		return nil, ErrServiceNil
	}
	a := &API{
		svc:          svc,
		logger:       logger.Discard(),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Handler returns the routed handler with request id, logging and panic
// recovery applied.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/queues", a.handle(a.listQueues))
	mux.Handle("POST /api/queues/{queue}/jobs", a.handle(a.enqueue))
	mux.Handle("GET /api/queues/{queue}/dead-letters", a.handle(a.deadLetters))
	mux.Handle("GET /api/jobs/{id}", a.handle(a.getJob))
	mux.Handle("GET /api/stats", a.handle(a.stats))
	if a.stream != nil {
		mux.Handle("GET /api/events", a.stream)
	}

	mux.Handle("GET /health/live", health.Liveness())
	mux.Handle("GET /health/ready", health.Readiness(a.logger, append([]health.CheckFunc{a.svc.Healthcheck}, a.readiness...)...))
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics)
	}

	mux.Handle("/", a.handle(func(http.ResponseWriter, *http.Request) error {
		return ErrNotFound
	}))

	return requestID(a.logRequests(a.recoverer(mux)))
}

// EnqueueRequest is the body of POST /api/queues/{queue}/jobs.
type EnqueueRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Priority queue.Priority  `json:"priority,omitempty"`
	DelayMS  int64           `json:"delay_ms,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) error {
	name := r.PathValue("queue")
	cfg, err := a.svc.Registry().Lookup(name)
	if err != nil {
		return err
	}

	var req EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return ErrRequestTooLarge
		}
		if errors.Is(err, io.EOF) {
			return ErrBadRequest.WithMessage("request body is empty")
		}
		return ErrBadRequest.WithMessage("invalid JSON body: " + err.Error())
	}

	if len(req.Payload) == 0 || string(req.Payload) == "null" {
		return queue.NewValidationError("payload", "is required")
	}
	payload, err := queue.DecodePayload(cfg.Kind, req.Payload)
	if err != nil {
		return queue.NewValidationError("payload", err.Error())
	}

	if err := payload.Validate(); err != nil {
		return err
	}
	if err := a.takeEnqueueToken(w, r, name, req.Payload); err != nil {
		return err
	}

	var opts []queue.EnqueueOption
	if req.Priority != "" {
		opts = append(opts, queue.WithPriority(req.Priority))
	}
	if req.DelayMS != 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelayMS)*time.Millisecond))
	}
	if req.Attempts != 0 {
		opts = append(opts, queue.WithAttempts(req.Attempts))
	}

	handle, err := a.svc.Enqueue(r.Context(), name, payload, opts...)
	if err != nil {
		return err
	}

	a.logger.InfoContext(r.Context(), "job enqueued over http",
		logger.Queue(handle.Queue),
		logger.JobID(handle.ID),
		logger.Priority(string(req.Priority)))

	w.Header().Set("Location", "/api/jobs/"+handle.ID)
	writeJSON(w, http.StatusAccepted, handle)
	return nil
}

// takeEnqueueToken charges one token to the tenant's bucket for the queue.
// Payloads without a tenant share the queue's bucket. A store failure lets
// the request through.
func (a *API) takeEnqueueToken(w http.ResponseWriter, r *http.Request, name string, raw json.RawMessage) error {
	if a.limiter == nil {
		return nil
	}

	var scope struct {
		TenantID string `json:"tenant_id"`
	}
	_ = json.Unmarshal(raw, &scope)
	key := name
	if tenant := strings.TrimSpace(scope.TenantID); tenant != "" {
		key = tenant + ":" + name
	}

	res, err := a.limiter.Allow(r.Context(), key)
	if err != nil {
		a.logger.WarnContext(r.Context(), "enqueue rate limit unavailable",
			logger.Queue(name),
			logger.Error(err))
		return nil
	}

	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Allowed {
		return nil
	}

	retry := max(int(math.Ceil(res.RetryAfter().Seconds())), 1)
	h.Set("Retry-After", strconv.Itoa(retry))
	return ErrTooManyRequests.WithDetails(map[string]any{
		"queue":               name,
		"retry_after_seconds": retry,
	})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) error {
	job, err := a.svc.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job)
	return nil
}

func (a *API) deadLetters(w http.ResponseWriter, r *http.Request) error {
	limit := DefaultDeadLetterLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return ErrBadRequest.WithMessage("limit must be a positive integer")
		}
		limit = min(n, MaxDeadLetterLimit)
	}

	jobs, err := a.svc.DeadLetters(r.Context(), r.PathValue("queue"), limit)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, jobs)
	return nil
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, a.svc.Statistics(r.Context()))
	return nil
}

// QueueInfo describes one queue and its pool in GET /api/queues.
type QueueInfo struct {
	Name        string        `json:"name"`
	Kind        queue.JobKind `json:"kind"`
	Concurrency int           `json:"concurrency"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     queue.Backoff `json:"backoff"`
	ActiveJobs  int32         `json:"active_jobs"`
	Running     bool          `json:"running"`
}

func (a *API) listQueues(w http.ResponseWriter, r *http.Request) error {
	pools := make(map[string]queue.PoolStats)
	for _, ps := range a.svc.PoolStats() {
		pools[ps.Queue] = ps
	}

	cfgs := a.svc.Registry().Queues()
	out := make([]QueueInfo, 0, len(cfgs))
	for _, cfg := range cfgs {
		ps := pools[cfg.Name]
		out = append(out, QueueInfo{
			Name:        cfg.Name,
			Kind:        cfg.Kind,
			Concurrency: cfg.Concurrency,
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.Backoff,
			ActiveJobs:  ps.ActiveJobs,
			Running:     ps.IsRunning,
		})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}
