package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"pousada/auth"
	"pousada/config"
)

func limitedHandler(rl *RateLimiter, source string) http.Handler {
	return rl.Middleware(source)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func webhookRequest(property string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/evolution", nil)
	if property != "" {
		req.Header.Set(auth.HeaderPropertyID, property)
	}
	return req
}

type fakeWindow struct {
	allow  bool
	err    error
	keys   []string
	limits []int
}

func (f *fakeWindow) take(_ context.Context, key string, limit int) (bool, error) {
	f.keys = append(f.keys, key)
	f.limits = append(f.limits, limit)
	return f.allow, f.err
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 60, Burst: 2}, nil)
	handler := limitedHandler(rl, "evolution")
	property := uuid.NewString()

	for i := 0; i < 2; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, webhookRequest(property))
		if res.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i+1, res.Code)
		}
	}

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(property))
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", res.Header().Get("Retry-After"))
	}
	if code, _ := decodeErrorBody(t, res); code != "rate_limited" {
		t.Fatalf("unexpected code %q", code)
	}
}

func TestRateLimiterScopesByProperty(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 60, Burst: 1}, nil)
	handler := limitedHandler(rl, "evolution")

	first := uuid.NewString()
	second := uuid.NewString()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(first))
	if res.Code != http.StatusOK {
		t.Fatalf("first property should pass, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(first))
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("first property should be limited, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(second))
	if res.Code != http.StatusOK {
		t.Fatalf("second property must not share the bucket, got %d", res.Code)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 0, Burst: 1}, nil)
	handler := limitedHandler(rl, "evolution")
	property := uuid.NewString()

	for i := 0; i < 50; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, webhookRequest(property))
		if res.Code != http.StatusOK {
			t.Fatalf("limiting disabled, request %d got %d", i+1, res.Code)
		}
	}
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 60, Burst: 1}, nil)
	current := time.Now()
	rl.now = func() time.Time { return current }

	rl.obtainLimiter("evolution:" + uuid.NewString())
	rl.obtainLimiter("evolution:" + uuid.NewString())
	if len(rl.visitors) != 2 {
		t.Fatalf("expected two buckets, got %d", len(rl.visitors))
	}

	current = current.Add(visitorTTL + sweepInterval + time.Second)
	rl.obtainLimiter("evolution:fresh")
	if len(rl.visitors) != 1 {
		t.Fatalf("idle buckets should be swept, got %d", len(rl.visitors))
	}
	if _, ok := rl.visitors["evolution:fresh"]; !ok {
		t.Fatalf("fresh bucket missing after sweep")
	}
}

func TestRateLimiterPrefersWindowBackend(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 120, Burst: 30}, nil)
	fake := &fakeWindow{allow: false}
	rl.window = fake
	handler := limitedHandler(rl, "meta")

	req := webhookRequest("")
	req.Header.Set("X-Real-IP", "203.0.113.9")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("window verdict should be honored, got %d", res.Code)
	}
	if len(fake.keys) != 1 || fake.keys[0] != "pousada:ratelimit:meta:203.0.113.9" {
		t.Fatalf("unexpected window key %v", fake.keys)
	}
	if fake.limits[0] != 150 {
		t.Fatalf("expected window limit 150, got %d", fake.limits[0])
	}
}

func TestRateLimiterFallsBackWhenWindowFails(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{PerMinute: 60, Burst: 1}, nil)
	rl.window = &fakeWindow{err: errors.New("connection refused")}
	handler := limitedHandler(rl, "evolution")
	property := uuid.NewString()

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(property))
	if res.Code != http.StatusOK {
		t.Fatalf("fallback should allow the first request, got %d", res.Code)
	}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, webhookRequest(property))
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("fallback bucket should limit the second request, got %d", res.Code)
	}
}

func TestClientIDResolution(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(*http.Request)
		expect string
	}{
		{"real ip", func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.7") }, "198.51.100.7"},
		{"forwarded list", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "198.51.100.8, 10.0.0.1") }, "198.51.100.8"},
		{"remote addr", func(r *http.Request) { r.RemoteAddr = "192.0.2.4:9921" }, "192.0.2.4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/meta", nil)
			tc.setup(req)
			if got := clientID(req); got != tc.expect {
				t.Fatalf("expected %q, got %q", tc.expect, got)
			}
		})
	}
}
