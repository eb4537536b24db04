package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
)

// Recovery converts handler panics into structured 500 responses. The
// stack goes to the log, never to the client.
func Recovery(logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						observability.String("path", r.URL.Path),
						observability.String("method", r.Method),
						observability.Any("error", rec),
						observability.String("stack", string(debug.Stack())),
					)

					proxy.WriteError(w, r, http.StatusInternalServerError,
						proxy.ReasonInternal, "internal gateway error", 0)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
