package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter decides whether key may make another request. The Redis sliding
// window limiter satisfies it, so limits hold across replicas.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Token Bucket Rate Limiter
// ──────────────────────────────────────────────────────────────────────────────

// bucket is a simple in-memory token bucket for one IP address.
type bucket struct {
	tokens    float64
	lastRefil time.Time
	mu        sync.Mutex
}

// TokenBucket holds per-key buckets and the shared read-write lock.
type TokenBucket struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // maximum token capacity
}

// NewTokenBucket creates an in-process limiter with the given
// requests-per-second allowance. The burst capacity is max(10, rps).
func NewTokenBucket(rps int) *TokenBucket {
	return &TokenBucket{
		buckets: make(map[string]*bucket),
		rate:    float64(rps),
		burst:   max(10, float64(rps)),
	}
}

// Allow implements Limiter. It never fails.
func (rl *TokenBucket) Allow(_ context.Context, key string) (bool, error) {
	return rl.allow(key, time.Now()), nil
}

func (rl *TokenBucket) allow(key string, now time.Time) bool {
	rl.mu.RLock()
	b, ok := rl.buckets[key]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		if b, ok = rl.buckets[key]; !ok {
			b = &bucket{tokens: rl.burst, lastRefil: now}
			rl.buckets[key] = b
		}
		rl.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefil).Seconds()
	b.tokens = min(rl.burst, b.tokens+elapsed*rl.rate)
	b.lastRefil = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Evict drops buckets idle since before cutoff.
func (rl *TokenBucket) Evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if b.lastRefil.Before(cutoff) {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// RateLimitMiddleware enforces a per-IP in-memory token bucket of rps
// requests per second. Clients exceeding the limit receive 429 Too Many
// Requests.
func RateLimitMiddleware(rps int) gin.HandlerFunc {
	rl := NewTokenBucket(rps)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.Evict(time.Now().Add(-10 * time.Minute))
		}
	}()

	return RateLimitWith(rl, "")
}

// RateLimitWith enforces l per client IP. Keys are prefixed with scope so
// separate route groups keep separate windows. A limiter error lets the
// request through.
func RateLimitWith(l Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, err := l.Allow(c.Request.Context(), scope+c.ClientIP())
		if err != nil {
			slog.Warn("rate limiter unavailable", "err", err)
			ok = true
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}
