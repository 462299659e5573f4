package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmitrymomot/pharmaq/core/logger"
)

// DefaultCheckTimeout bounds a full readiness probe.
const DefaultCheckTimeout = 5 * time.Second

// CheckFunc verifies a single dependency.
type CheckFunc func(context.Context) error

// Readiness answers "READY" when every check passes and 503 otherwise.
// Checks run in order and stop at the first failure.
//
//	mux.Handle("GET /health/ready", health.Readiness(log,
//		svc.Healthcheck,
//		redis.Healthcheck(client),
//	))
func Readiness(log *slog.Logger, checks ...CheckFunc) http.Handler {
	if log == nil {
		log = logger.Discard()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), DefaultCheckTimeout)
		defer cancel()

		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx); err != nil {
				log.ErrorContext(ctx, "readiness check failed", logger.Error(err))
				writeText(w, http.StatusServiceUnavailable, "NOT READY")
				return
			}
		}

		writeText(w, http.StatusOK, "READY")
	})
}
