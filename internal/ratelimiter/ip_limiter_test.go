package ratelimiter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newLimiter(requests int) *IPRateLimiter {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return NewIPRateLimiter(requests, time.Minute, CleanupOpts{TTL: time.Minute, Interval: time.Second}, logger)
}

func TestGetClientIP(t *testing.T) {
	rl := newLimiter(1)

	tests := []struct {
		name   string
		remote string
		xff    string
		want   ipAddr
	}{
		{"remote addr", "10.0.0.1:5555", "", "10.0.0.1"},
		{"last forwarded hop", "10.0.0.1:5555", "1.1.1.1, 2.2.2.2", "2.2.2.2"},
		{"remote without port", "10.0.0.9", "", "10.0.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := rl.GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	rl := newLimiter(2)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, codes[i], want[i])
		}
	}

	// A different client has its own bucket.
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Errorf("other client status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestCleanupEvictsIdleBuckets(t *testing.T) {
	rl := newLimiter(1)
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("10.0.0.1")
	now = now.Add(30 * time.Second)
	rl.Allow("10.0.0.2")

	now = now.Add(45 * time.Second)
	if n := rl.Cleanup(); n != 1 {
		t.Fatalf("Cleanup() = %d, want 1", n)
	}
	if _, ok := rl.limiters["10.0.0.2"]; !ok {
		t.Error("recently seen bucket was evicted")
	}
}
