package middleware

import (
	"errors"
	"net/http"
)

// MaxBodySize returns middleware that limits request body size
// maxBytes is the maximum allowed body size in bytes
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HandleMaxBytesError writes a 413 when err came from an oversized body and
// reports whether it did.
func HandleMaxBytesError(w http.ResponseWriter, err error) bool {
	var mbe *http.MaxBytesError
	if !errors.As(err, &mbe) {
		return false
	}
	WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
		"detail":         "Request body too large",
		"max_size_bytes": mbe.Limit,
	})
	return true
}
