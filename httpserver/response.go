package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/dmitrymomot/pharmaq/core/logger"
)

// handlerFunc is an API endpoint. A returned error is rendered as HTTPError.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (a *API) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			a.renderError(w, r, err)
		}
	})
}

func (a *API) renderError(w http.ResponseWriter, r *http.Request, err error) {
	httpErr := toHTTPError(err)
	if httpErr.Status >= http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "request failed",
			logger.Method(r.Method),
			logger.Path(r.URL.Path),
			logger.StatusCode(httpErr.Status),
			logger.Error(err))
	}
	writeJSON(w, httpErr.Status, httpErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	// The status line is already sent; an encode failure means the client went away.
	_ = json.NewEncoder(w).Encode(v)
}
