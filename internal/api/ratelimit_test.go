package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustRateLimit(t *testing.T, opts RateLimitOptions) Middleware {
	t.Helper()
	mw, err := RateLimit(opts)
	if err != nil {
		t.Fatalf("RateLimit: %v", err)
	}
	return mw
}

func TestRateLimit_Disabled(t *testing.T) {
	t.Parallel()
	mw := mustRateLimit(t, RateLimitOptions{})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	t.Parallel()
	mw := mustRateLimit(t, RateLimitOptions{RPS: 10})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	// First request should always be allowed (burst=rps=10).
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestRateLimit_BlocksOverLimit(t *testing.T) {
	t.Parallel()
	// rps=1, burst=1: the second request from same IP should be blocked.
	mw := mustRateLimit(t, RateLimitOptions{RPS: 1})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
		req.RemoteAddr = "5.6.7.8:1234"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// First request: allowed (consumes the burst token).
	if code := send(); code != http.StatusOK {
		t.Errorf("first request: status = %d, want 200", code)
	}
	// Second request immediately after: blocked.
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", code)
	}
}

func TestRateLimit_OnlyAppliesTo_PostExports(t *testing.T) {
	t.Parallel()
	// rps=1, but GET requests should never be rate limited.
	mw := mustRateLimit(t, RateLimitOptions{RPS: 1})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/exports", nil)
		req.RemoteAddr = "9.9.9.9:9999"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("GET request %d: status = %d, want 200", i+1, rr.Code)
		}
	}
}

func TestRateLimit_DefaultRoutesIncludeRetry(t *testing.T) {
	t.Parallel()
	handler := mustRateLimit(t, RateLimitOptions{RPS: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports/abc/retry", nil)
		req.RemoteAddr = "7.7.7.7:1"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		codes[i] = rr.Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestRateLimit_ConfiguredRoutes(t *testing.T) {
	t.Parallel()
	handler := mustRateLimit(t, RateLimitOptions{
		RPS:    1,
		Routes: []string{"GET /api/v1/exports/{id}/download"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "8.8.8.8:1"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Creation is no longer limited.
	for i := 0; i < 3; i++ {
		if code := send(http.MethodPost, "/api/v1/exports"); code != http.StatusOK {
			t.Fatalf("POST %d: status = %d, want 200", i+1, code)
		}
	}
	if code := send(http.MethodGet, "/api/v1/exports/x/download"); code != http.StatusOK {
		t.Errorf("first download: status = %d, want 200", code)
	}
	if code := send(http.MethodGet, "/api/v1/exports/y/download"); code != http.StatusTooManyRequests {
		t.Errorf("second download: status = %d, want 429", code)
	}
}

func TestRateLimit_ByAPIKey(t *testing.T) {
	t.Parallel()
	handler := mustRateLimit(t, RateLimitOptions{RPS: 1, By: LimitByAPIKey})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/exports", nil)
		req.RemoteAddr = "4.4.4.4:1"
		req.Header.Set("X-API-Key", key)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Same IP, different keys: each key has its own budget.
	if code := send("a"); code != http.StatusOK {
		t.Errorf("key a: status = %d, want 200", code)
	}
	if code := send("b"); code != http.StatusOK {
		t.Errorf("key b: status = %d, want 200", code)
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("key a again: status = %d, want 429", code)
	}
}

func TestRateLimit_InvalidOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		opts RateLimitOptions
	}{
		{"bad pattern", RateLimitOptions{RPS: 1, Routes: []string{"POST /api/v1/exports/{id"}}},
		{"duplicate pattern", RateLimitOptions{RPS: 1, Routes: []string{"POST /a", "POST /a"}}},
		{"unknown key", RateLimitOptions{RPS: 1, By: "cookie"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RateLimit(tt.opts); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "10.0.0.1:4321", "", "10.0.0.1"},
		{"ipv6 remote addr", "[::1]:4321", "", "::1"},
		{"forwarded single", "10.0.0.1:4321", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:4321", "203.0.113.9, 10.0.0.2", "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
