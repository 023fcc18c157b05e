package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ThrottleConfig configures per-client request throttling.
type ThrottleConfig struct {
	// RequestsPerMinute is the sustained rate per client IP
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle clients are forgotten
	CleanupInterval time.Duration
}

// DefaultThrottleConfig returns defaults sized for a signup form: a person
// submits a handful of requests per minute.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		RequestsPerMinute: 30,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Throttle tracks a token bucket per client key.
type Throttle struct {
	cfg     ThrottleConfig
	mu      sync.Mutex
	clients map[string]*throttleEntry
	stop    chan struct{}
	once    sync.Once
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottle creates a throttle and starts its cleanup loop.
func NewThrottle(cfg ThrottleConfig) *Throttle {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultThrottleConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	t := &Throttle{
		cfg:     cfg,
		clients: make(map[string]*throttleEntry),
		stop:    make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Allow reports whether a request for key may proceed.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	e, ok := t.clients[key]
	if !ok {
		e = &throttleEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(t.cfg.RequestsPerMinute)/60.0), t.cfg.BurstSize),
		}
		t.clients[key] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	t.mu.Unlock()

	return limiter.Allow()
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * t.cfg.CleanupInterval)
			t.mu.Lock()
			for key, e := range t.clients {
				if e.lastSeen.Before(cutoff) {
					delete(t.clients, key)
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}

// Middleware returns a Gin middleware that throttles by client IP.
func (t *Throttle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !t.Allow(c.ClientIP()) {
			c.Header("Retry-After", "2")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 2,
			})
			return
		}
		c.Next()
	}
}
