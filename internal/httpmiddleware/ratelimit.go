// Package httpmiddleware holds the gin middleware shared by the API binaries.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"attendiq/internal/auth"
)

// idleAfter is how long an untouched bucket is kept before eviction.
const idleAfter = 10 * time.Minute

// SimpleTokenBucket is an in-memory per-key rate limiter.
type SimpleTokenBucket struct {
	capacity  int
	rate      int
	now       func() time.Time
	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// GinMiddleware returns gin handler enforcing limits per authenticated
// subject, falling back to the client IP.
func (l *SimpleTokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(limitKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func limitKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.UserID() != "" {
		return "user:" + claims.UserID()
	}
	if ip := c.ClientIP(); ip != "" {
		return "ip:" + ip
	}
	return "ip:unknown"
}

func (l *SimpleTokenBucket) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweep(now)

	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle for longer than idleAfter, at most once a minute.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, b := range l.state {
		if now.Sub(b.last) > idleAfter {
			delete(l.state, key)
		}
	}
}

// Len reports the number of tracked keys.
func (l *SimpleTokenBucket) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state)
}
