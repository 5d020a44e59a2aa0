package server

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits at most perSecond requests per second (with the
// given burst) across all callers of a port. Rejected requests get a 429 SCIM
// error with Retry-After. A non-positive rate disables the middleware.
func RateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if perSecond <= 0 {
			return next
		}
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(perSecond)))
		}
		limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
		limit := strconv.Itoa(burst)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("x-ratelimit-limit-requests", limit)

			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				w.Header().Set("x-ratelimit-remaining-requests", "0")
				writeError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			remaining := int(limiter.TokensAt(time.Now()))
			w.Header().Set("x-ratelimit-remaining-requests", strconv.Itoa(max(remaining, 0)))
			next.ServeHTTP(w, r)
		})
	}
}
