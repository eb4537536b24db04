package middleware

import (
	"net/http"
	"time"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
)

// Logging logs one line per completed request with status, size, and
// duration.
func Logging(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			logger.Info("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("query", r.URL.RawQuery),
				observability.Int("status", rw.status),
				observability.Int("size", rw.size),
				observability.Duration("duration", time.Since(start)),
				observability.String("remoteAddr", r.RemoteAddr),
				observability.String("requestId", observability.RequestIDFromContext(r.Context())),
			)
		})
	}
}
