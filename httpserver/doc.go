// Package httpserver exposes the queue service over HTTP: the producer API,
// job and dead-letter inspection, statistics, health probes and an optional
// Prometheus endpoint.
//
// Routes:
//
//	POST /api/queues/{queue}/jobs          enqueue, 202 with the job handle
//	GET  /api/queues                       queue configuration and pool state
//	GET  /api/queues/{queue}/dead-letters  terminal failures, ?limit=N
//	GET  /api/jobs/{id}                    one job
//	GET  /api/stats                        per-queue counts
//	GET  /api/events                       websocket job events, ?queue=a,b
//	GET  /health/live, /health/ready       probes
//	GET  /metrics                          when WithMetricsHandler is set
//
// Errors are rendered as {"code","message","details"} with the status code
// derived from the queue error: validation failures are 422, unknown queues
// and jobs 404, a stopped service 503.
//
// WithEnqueueLimiter charges each valid enqueue to a token bucket keyed by the
// payload's tenant_id and the queue. A spent bucket returns 429 with
// Retry-After.
package httpserver
