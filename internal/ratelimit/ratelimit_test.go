package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/identity"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testLimiter(rps float64, burst int) (*Limiter, *clock.Fake) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return newLimiter(Config{RequestsPerSecond: rps, BurstSize: burst, IdleTTL: time.Minute}, fake, false), fake
}

func TestLimiterAllow(t *testing.T) {
	limiter, fake := testLimiter(1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("k"), "request after burst should be denied")

	fake.Advance(time.Second)
	assert.True(t, limiter.Allow("k"), "one token refills per second")
	assert.False(t, limiter.Allow("k"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := testLimiter(1, 3)

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	limiter, fake := testLimiter(10, 2)
	limiter.Allow("k")
	limiter.Allow("k")

	fake.Advance(time.Hour)
	assert.True(t, limiter.Allow("k"))
	assert.True(t, limiter.Allow("k"))
	assert.False(t, limiter.Allow("k"))
}

func TestLimiterEvictsIdleBuckets(t *testing.T) {
	limiter, fake := testLimiter(1, 1)
	limiter.Allow("k")

	fake.Advance(2 * time.Minute)
	limiter.evictIdle()

	limiter.mu.Lock()
	_, kept := limiter.buckets["k"]
	limiter.mu.Unlock()
	assert.False(t, kept)
}

func TestFromRPS(t *testing.T) {
	cfg := FromRPS(50)
	assert.Equal(t, 50.0, cfg.RequestsPerSecond)
	assert.Equal(t, 100, cfg.BurstSize)

	assert.Equal(t, DefaultConfig(), FromRPS(0))
}

func TestMiddleware_KeysByUserThenIP(t *testing.T) {
	limiter, _ := testLimiter(0.5, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(identity.ContextKeyUserID, u)
		}
		c.Next()
	})
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("").Code)
	assert.Equal(t, http.StatusOK, send("usr_a").Code, "user bucket is separate from the IP bucket")
	assert.Equal(t, http.StatusOK, send("usr_b").Code)

	w := send("usr_a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusTooManyRequests, send("").Code)
}

func TestStop_Idempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}
