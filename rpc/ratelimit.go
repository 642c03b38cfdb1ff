package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	coreerrors "arcesc/core/errors"
	"arcesc/crypto"
	"arcesc/observability"
)

// RateLimit bounds requests per client.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per authenticated caller, falling back to
// the client IP for anonymous routes.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	now      func() time.Time
}

// NewRateLimiter returns nil when limit disables throttling.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		return nil
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{limit: limit, visitors: make(map[string]*rateEntry), now: time.Now}
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(clientKey(req)) {
			observability.ModuleMetrics().RecordThrottle("api", "rate_limit")
			writeErrorStatus(w, http.StatusTooManyRequests, coreerrors.CodeTransientFailure, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	entry, ok := r.visitors[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)}
		r.visitors[key] = entry
		r.evictLocked(now)
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// evictLocked drops buckets idle for more than five minutes.
func (r *RateLimiter) evictLocked(now time.Time) {
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > 5*time.Minute {
			delete(r.visitors, key)
		}
	}
}

func clientKey(r *http.Request) string {
	if caller, ok := CallerFromContext(r.Context()); ok {
		return "caller:" + crypto.FormatAddress(caller.Address)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return "ip:" + parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
