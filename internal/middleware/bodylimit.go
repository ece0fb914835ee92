package middleware

import (
	"net/http"

	"github.com/turnwarden/turnwarden/internal/config"
)

// BodyLimitMiddleware rejects oversized request bodies before a handler
// reads them. The API only ever carries small JSON control payloads; game
// files move through the engine's working directory, never this server.
type BodyLimitMiddleware struct {
	maxBytes int64
}

// NewBodyLimitMiddleware builds a limiter for the given byte ceiling; zero
// or negative falls back to config.MaxRequestBodyBytes.
func NewBodyLimitMiddleware(maxBytes int64) *BodyLimitMiddleware {
	if maxBytes <= 0 {
		maxBytes = config.MaxRequestBodyBytes
	}
	return &BodyLimitMiddleware{maxBytes: maxBytes}
}

func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The declared length is checked up front; chunked bodies without
		// one are caught by MaxBytesReader as the handler decodes.
		if r.ContentLength > m.maxBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "Request body exceeds limit",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxBytes)
		next.ServeHTTP(w, r)
	})
}
