package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"taskqueue/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // client IP -> *cachedLimiter
	now      func() time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter)

// WithTTL sets how long an idle client's bucket is kept before it is rebuilt.
func WithTTL(ttl time.Duration) Option {
	return func(rl *RateLimiter) { rl.ttl = ttl }
}

// WithLimit sets the sustained rate per second and the burst size.
// A zero rate means unlimited.
func WithLimit(perSecond float64, burst int) Option {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(perSecond)
		rl.burst = burst
	}
}

// NewRateLimiter creates a limiter allowing 20 requests per second with a burst of 40.
func NewRateLimiter(opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		limit: 20,
		burst: 40,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RateLimit=0 means unlimited
			if rl.limit > 0 && !rl.get(clientIP(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", api.CodeRateLimited, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) get(key string) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(key); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rl.limit, rl.burst)
	rl.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}

// clientIP returns the host part of the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
