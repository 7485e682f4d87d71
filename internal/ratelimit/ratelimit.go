// Package ratelimit provides token-bucket rate limiting for the settlement
// API. Authenticated callers are limited per user; anonymous callers per
// client IP.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlehub/internal/clock"
	"github.com/mbd888/settlehub/internal/identity"
	"github.com/mbd888/settlehub/internal/metrics"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained rate per key
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// IdleTTL is how long an unused bucket is kept
	IdleTTL time.Duration
	// CleanupInterval is how often idle buckets are swept
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         20,
		IdleTTL:           2 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// FromRPS derives a config from a single requests-per-second setting.
// Bursts are allowed up to twice the rate.
func FromRPS(rps int) Config {
	cfg := DefaultConfig()
	if rps > 0 {
		cfg.RequestsPerSecond = float64(rps)
		cfg.BurstSize = 2 * rps
	}
	return cfg
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	return newLimiter(cfg, clock.Real{}, true)
}

func newLimiter(cfg Config, c clock.Clock, sweep bool) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 2 * time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clock:   c,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	if sweep && cfg.CleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-l.cfg.IdleTTL)
	for key, b := range l.buckets {
		if b.lastCheck.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed and consumes a token
// if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// retryAfter is the whole seconds until one token is available.
func (l *Limiter) retryAfter() int {
	if l.cfg.RequestsPerSecond <= 0 {
		return 1
	}
	secs := int(1/l.cfg.RequestsPerSecond + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// Middleware returns a Gin middleware that rate limits per authenticated
// user, falling back to client IP. It must run after identity.Middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, key := "ip", "ip:"+c.ClientIP()
		if userID := identity.UserID(c); userID != "" {
			scope, key = "user", "user:"+userID
		}

		if !l.Allow(key) {
			metrics.RateLimitedTotal.WithLabelValues(scope).Inc()
			wait := l.retryAfter()
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": wait,
			})
			return
		}

		c.Next()
	}
}
