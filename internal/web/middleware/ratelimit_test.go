package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_Allow(t *testing.T) {
	l := NewRateLimiter(1, 2, 100)
	defer l.Stop()
	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Error("third request inside the same instant should be limited")
	}
	if !l.Allow("10.0.0.2") {
		t.Error("other IPs have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("10.0.0.1") {
		t.Error("bucket should refill after one second")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 10, 100)
	if l != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	for range 100 {
		if !l.Allow("10.0.0.1") {
			t.Fatal("nil limiter must allow everything")
		}
	}
	l.Stop()
}

func TestRateLimiter_MaxVisitors(t *testing.T) {
	l := NewRateLimiter(1, 1, 3)
	defer l.Stop()
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := range 5 {
		now = now.Add(time.Millisecond)
		l.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if len(l.visitors) != 3 {
		t.Errorf("visitors = %d, want 3", len(l.visitors))
	}
	if _, ok := l.visitors["10.0.0.0"]; ok {
		t.Error("oldest visitor should have been evicted")
	}
	if _, ok := l.visitors["10.0.0.4"]; !ok {
		t.Error("newest visitor should be tracked")
	}
}

func TestRateLimiter_Sweep(t *testing.T) {
	l := NewRateLimiter(1, 1, 0)
	defer l.Stop()
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("10.0.0.1")
	now = now.Add(visitorStaleAfter + time.Second)
	l.Allow("10.0.0.2")

	if n := l.sweep(); n != 1 {
		t.Errorf("sweep() = %d, want 1", n)
	}
	if _, ok := l.visitors["10.0.0.2"]; !ok {
		t.Error("recent visitor should survive the sweep")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(1, 1, 100)
	defer l.Stop()
	handler := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
		req.RemoteAddr = "192.0.2.7:51234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send(); w.Code != http.StatusOK {
		t.Fatalf("first request Status = %d, want 200", w.Code)
	}
	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request Status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After not set")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	if got := clientIP(req); got != "2001:db8::1" {
		t.Errorf("clientIP() = %q", got)
	}
	req.RemoteAddr = "192.0.2.1"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP() without port = %q", got)
	}
}
