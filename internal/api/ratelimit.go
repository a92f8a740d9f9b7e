package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter holds a rate limiter and the last time its client was seen.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter manages per-client rate limiters.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
}

// NewRateLimiter creates a RateLimiter allowing rps requests/second per client.
// Burst is set to rps (allows a short burst equal to the per-second rate).
// Starts a background goroutine that evicts clients not seen for 5 minutes.
func NewRateLimiter(rps int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   rps,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.clients[key]
	if !ok {
		l = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = l
	}
	l.lastSeen = time.Now()
	return l.limiter.Allow()
}

// cleanup removes limiters for clients not seen in the last 5 minutes.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		cutoff := time.Now().Add(-5 * time.Minute)
		for key, l := range rl.clients {
			if l.lastSeen.Before(cutoff) {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Rate limit keys.
const (
	LimitByIP     = "ip"
	LimitByAPIKey = "api_key"
)

// DefaultLimitedRoutes are the routes that start export work.
var DefaultLimitedRoutes = []string{
	"POST /api/v1/exports",
	"POST /api/v1/exports/{id}/retry",
}

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	// RPS is the per-client rate. 0 disables limiting.
	RPS int
	// Routes are ServeMux patterns ("POST /api/v1/exports"). Empty means
	// DefaultLimitedRoutes.
	Routes []string
	// By is LimitByIP (default) or LimitByAPIKey. Requests without an
	// X-API-Key fall back to their IP.
	By string
}

// RateLimit returns a Middleware that limits the configured routes to
// opts.RPS requests/second per client. It fails on an invalid route pattern
// or key.
func RateLimit(opts RateLimitOptions) (Middleware, error) {
	if opts.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	switch opts.By {
	case "", LimitByIP, LimitByAPIKey:
	default:
		return nil, fmt.Errorf("rate limit key %q must be one of: %s, %s", opts.By, LimitByIP, LimitByAPIKey)
	}
	routes := opts.Routes
	if len(routes) == 0 {
		routes = DefaultLimitedRoutes
	}
	limited, err := routeMatcher(routes)
	if err != nil {
		return nil, err
	}

	rl := NewRateLimiter(opts.RPS)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, pattern := limited.Handler(r); pattern != "" {
				if !rl.allow(clientKey(r, opts.By)) {
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// routeMatcher registers the patterns on a mux used only for matching.
// ServeMux panics on malformed or conflicting patterns; that is reported as
// an error instead.
func routeMatcher(patterns []string) (mux *http.ServeMux, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rate limit routes: %v", r)
		}
	}()
	mux = http.NewServeMux()
	noop := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	for _, p := range patterns {
		mux.Handle(p, noop)
	}
	return mux, nil
}

func clientKey(r *http.Request, by string) string {
	if by == LimitByAPIKey {
		if key := r.Header.Get("X-API-Key"); key != "" {
			return "key:" + key
		}
	}
	return "ip:" + clientIP(r)
}

// clientIP extracts the real client IP, respecting X-Forwarded-For when behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// X-Forwarded-For may be "client, proxy1, proxy2"; take the first.
		if idx := strings.Index(fwd, ","); idx != -1 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
