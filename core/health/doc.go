// Package health provides net/http handlers for liveness and readiness probes.
//
//   - Liveness: process is running, no dependency checks
//   - Readiness: every dependency check passes
//   - NoContent: 204 for minimal overhead
//
// Dependency checks share the func(context.Context) error signature, which
// the queue service and the database integrations expose as Healthcheck.
package health
