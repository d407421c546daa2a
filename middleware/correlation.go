// Package middleware carries the cross-cutting HTTP layers shared by
// the api and worker routers: correlation ids, idempotent replay,
// webhook rate limiting and request observability. Authentication
// middleware lives in the auth package.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"pousada/observability"
	"pousada/observability/logging"
)

// HeaderCorrelationID propagates the request correlation id between
// processes and back to the caller.
const HeaderCorrelationID = "X-Correlation-Id"

// Caller-supplied ids longer than this are replaced with a fresh one so
// a hostile header cannot flood the log stream.
const maxCorrelationIDLength = 128

// Correlation assigns every request a correlation id, echoes it on the
// response and stores a context logger carrying it. Inbound ids are
// honored so retries and cross-process hops share one id.
func Correlation(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID)); id != "" && len(id) <= maxCorrelationIDLength {
				ctx = observability.WithCorrelationID(ctx, id)
			}
			ctx, id := observability.EnsureCorrelationID(ctx)
			logger := base
			if logger == nil {
				logger = slog.Default()
			}
			ctx = logging.WithContext(ctx, logger.With("correlationId", id))
			w.Header().Set(HeaderCorrelationID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
