package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 5, BurstSize: 5})
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow("client-a"))
	}
}

func TestAllowRejectsAboveBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 2, BurstSize: 3})
	assert.True(t, rl.Allow("client-b"))
	assert.True(t, rl.Allow("client-b"))
	assert.True(t, rl.Allow("client-b"))
	assert.False(t, rl.Allow("client-b"))
}

func TestAllowTracksKeysIndependently(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	assert.True(t, rl.Allow("client-c"))
	assert.False(t, rl.Allow("client-c"))
	assert.True(t, rl.Allow("client-d"))
}

func TestMiddlewareRejectsWithTooManyRequests(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/execute", nil)
	req.RemoteAddr = "10.0.0.5:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
