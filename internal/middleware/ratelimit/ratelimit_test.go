package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func get(handler http.Handler, path, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	req.RemoteAddr = addr
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 5, CleanupMinutes: 1})
	defer rl.Stop()
	handler := rl.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		rr := get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
		assert.Equal(t, http.StatusOK, rr.Code, "request %d should succeed", i+1)
	}
}

func TestRateLimiter_BlocksExcess(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 2, CleanupMinutes: 1})
	defer rl.Stop()
	handler := rl.Middleware()(okHandler())

	for i := 0; i < 3; i++ {
		get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
	}

	rr := get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errObj["code"])
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 2, CleanupMinutes: 1})
	defer rl.Stop()
	handler := rl.Middleware()(okHandler())

	for i := 0; i < 3; i++ {
		get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
	}

	// The first IP is exhausted, the second still has quota.
	assert.Equal(t, http.StatusTooManyRequests, get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345").Code)
	assert.Equal(t, http.StatusOK, get(handler, "/api/v1/ledger/supply", "192.168.1.101:12345").Code)
}

func TestRateLimiter_HealthChecksExempt(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 1, CleanupMinutes: 1})
	defer rl.Stop()
	handler := rl.Middleware()(okHandler())

	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		for i := 0; i < 10; i++ {
			rr := get(handler, path, "192.168.1.100:12345")
			assert.Equal(t, http.StatusOK, rr.Code, "%s should never be limited", path)
		}
	}
}

func TestMiddleware_Disabled(t *testing.T) {
	handler := Middleware(Config{Enabled: false, RequestsPerMin: 1, BurstSize: 1})(okHandler())

	for i := 0; i < 100; i++ {
		rr := get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
		assert.Equal(t, http.StatusOK, rr.Code)
	}
}

func TestMiddleware_Enabled(t *testing.T) {
	handler := Middleware(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 5, CleanupMinutes: 1})(okHandler())

	rr := get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 6000, BurstSize: 100, CleanupMinutes: 1})
	defer rl.Stop()
	handler := rl.Middleware()(okHandler())

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				get(handler, "/api/v1/ledger/supply", "192.168.1.100:12345")
			}
		}()
	}
	wg.Wait()
}

func TestRateLimiter_DropStale(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 5, CleanupMinutes: 1})
	defer rl.Stop()

	rl.getLimiter("10.1.2.3")

	rl.mu.Lock()
	rl.limiters["10.1.2.3"].lastSeen = time.Now().Add(-2 * time.Minute)
	rl.mu.Unlock()

	rl.dropStale()

	rl.mu.Lock()
	_, exists := rl.limiters["10.1.2.3"]
	rl.mu.Unlock()
	assert.False(t, exists)
}

func TestRateLimiter_RecentEntrySurvivesCleanup(t *testing.T) {
	rl := New(Config{Enabled: true, RequestsPerMin: 60, BurstSize: 5, CleanupMinutes: 1})
	defer rl.Stop()

	rl.getLimiter("10.1.2.4")
	rl.dropStale()

	rl.mu.Lock()
	_, exists := rl.limiters["10.1.2.4"]
	rl.mu.Unlock()
	assert.True(t, exists)
}
