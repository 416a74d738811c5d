package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/cubbyhost/cubby/pkg/metrics"
	"github.com/cubbyhost/cubby/pkg/ratelimit"
)

// RateLimit admits requests through the token-bucket limiter. The subject
// is the authenticated user id, or the client IP for anonymous requests,
// so one abusive anonymous host cannot drain the shared allowance.
// Rejections carry a Retry-After header when the action is merely
// exhausted rather than disabled.
func RateLimit(limiter *ratelimit.Limiter, action ratelimit.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, role := subjectAndRole(r)

			decision := limiter.Allow(subject, role, action)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimited(string(action))
			if decision.RetryAfter > 0 {
				seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{
					"code":    "rate_limited",
					"message": "rate limit exceeded",
				},
			})
		})
	}
}

func subjectAndRole(r *http.Request) (subject, role string) {
	if p := Principal(r.Context()); p != nil {
		return p.UserID, p.Role
	}
	// chi's RealIP middleware has already rewritten RemoteAddr.
	return r.RemoteAddr, ratelimit.RoleAnonymous
}
