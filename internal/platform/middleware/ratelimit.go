package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// RateLimitConfig holds token bucket settings applied per client IP.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// DefaultRateLimitConfig returns the default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// limiter holds per-IP token buckets and drops buckets that have been idle
// long enough to have fully refilled.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     RateLimitConfig
	swept   time.Time
}

func newLimiter(cfg RateLimitConfig) *limiter {
	return &limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		swept:   time.Now(),
	}
}

// allow refills the caller's bucket and consumes one token if available.
// It also returns a Retry-After hint in seconds when the request is denied.
func (l *limiter) allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), lastSeen: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastSeen = now

	// Piggyback stale bucket cleanup on request handling so the limiter
	// needs no background goroutine.
	if now.Sub(l.swept) > time.Minute {
		idle := time.Duration(float64(l.cfg.BurstSize)/l.cfg.RequestsPerSecond) * time.Second
		for k, old := range l.buckets {
			if k != key && now.Sub(old.lastSeen) > idle+time.Minute {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	retry := 1
	if l.cfg.RequestsPerSecond > 0 {
		retry = int((1-b.tokens)/l.cfg.RequestsPerSecond) + 1
	}
	return false, retry
}

// RateLimit limits requests per client IP using a token bucket. Denied
// requests get a 429 with a Retry-After header.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	l := newLimiter(cfg)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ok, retry := l.allow(c.RealIP())
			if !ok {
				c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
