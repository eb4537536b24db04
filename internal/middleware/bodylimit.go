package middleware

import (
	"net/http"

	"github.com/fallowearthai/chainreactions-gateway/internal/observability"
	"github.com/fallowearthai/chainreactions-gateway/internal/proxy"
)

// BodyLimit caps the request body size. Declared oversized bodies are
// rejected up front with 413; chunked bodies are capped during reading
// by http.MaxBytesReader, which fails the proxy's upstream write once
// the cap is crossed.
func BodyLimit(maxBytes int64, logger observability.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				logger.Warn("request body too large",
					observability.Int64("contentLength", r.ContentLength),
					observability.Int64("maxBytes", maxBytes),
					observability.String("path", r.URL.Path),
				)
				proxy.WriteError(w, r, http.StatusRequestEntityTooLarge,
					proxy.ReasonBodyTooLarge, "request body exceeds the allowed size", 0)
				return
			}

			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}

			next.ServeHTTP(w, r)
		})
	}
}
