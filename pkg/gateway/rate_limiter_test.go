package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sjwalker189/mongodb-tools/pkg/config"
)

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(60, 10) // 1/sec, burst 10
	for i := 0; i < 10; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	for i := 0; i < 5; i++ {
		rl.Allow("1.2.3.4")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("request after burst should be blocked")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(6000, 5) // 100/sec
	for i := 0; i < 5; i++ {
		rl.Allow("1.2.3.4")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("should be blocked after burst")
	}
	time.Sleep(100 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Fatal("should be allowed after refill")
	}
}

func TestRateLimiter_PerIPIsolation(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	rl.Allow("1.1.1.1")
	rl.Allow("1.1.1.1")
	if rl.Allow("1.1.1.1") {
		t.Fatal("IP A should be blocked")
	}
	if !rl.Allow("2.2.2.2") {
		t.Fatal("IP B should be allowed")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 10)
	rl.Allow("old-ip")
	rl.mu.Lock()
	rl.clients["old-ip"].lastSeen = time.Now().Add(-20 * time.Minute)
	rl.mu.Unlock()

	rl.Cleanup(10 * time.Minute)

	rl.mu.Lock()
	_, exists := rl.clients["old-ip"]
	rl.mu.Unlock()
	if exists {
		t.Fatal("stale entry should have been cleaned up")
	}
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(60000, 100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow("concurrent-ip")
			}
		}()
	}
	wg.Wait()
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:8080", true},
		{"::1", true},
		{"10.0.0.1", false},
		{"8.8.8.8", false},
		{"not-an-ip", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.ip); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.ip, got, tt.want)
		}
	}
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	gw, err := New(&stubFeed{}, config.GatewayConfig{ConnsPerMinute: 60, ConnBurst: 1})
	if err != nil {
		t.Fatal(err)
	}
	handler := gw.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/changes", nil)
	req.RemoteAddr = "8.8.8.8:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request should be 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("should have Retry-After header")
	}
}

func TestRateLimitMiddleware_ExemptsLoopback(t *testing.T) {
	gw, err := New(&stubFeed{}, config.GatewayConfig{ConnsPerMinute: 60, ConnBurst: 1})
	if err != nil {
		t.Fatal(err)
	}
	handler := gw.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/v1/changes", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("loopback request %d should be 200, got %d", i, w.Code)
		}
	}
}
