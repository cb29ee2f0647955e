package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mark-chris/plansync/internal/devserver/auth"
)

// RateLimit returns middleware that rate limits requests by client IP.
// maxAttempts is the maximum number of requests allowed within window.
// Returns 429 Too Many Requests with Retry-After header when exceeded.
func RateLimit(rl *auth.RateLimiter, maxAttempts int, window time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := GetClientIP(r)

			if err := rl.CheckLimit(RateLimitKey(r), maxAttempts, window); err != nil {
				logger.Warn("rate limit exceeded",
					zap.String("ip", ip),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path))
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				WriteDetail(w, http.StatusTooManyRequests, "Too many requests, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitKey is the limiter key of r: its path and client IP.
func RateLimitKey(r *http.Request) string {
	return r.URL.Path + "|" + GetClientIP(r)
}

// GetClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For (first IP), X-Real-IP, then RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
