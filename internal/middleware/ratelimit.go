package middleware

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/ashureev/fitcoach/internal/ratelimit"
)

// KeyFunc derives the limiter key for a request.
type KeyFunc func(r *http.Request) string

// RateLimit returns middleware that rejects requests once the limiter denies
// them. Limiter errors fail open.
func RateLimit(l ratelimit.Limiter, scope string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := scope + ":" + key(r)
			res, err := l.Allow(r.Context(), k)
			if err != nil {
				slog.Warn("Rate limiter unavailable, allowing request", "key", k, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if !res.Allowed {
				secs := int(math.Ceil(res.RetryAfter.Seconds()))
				if secs < 0 {
					secs = 0
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`+"\n", secs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
