package notify

import (
	"sync"
	"time"
)

// bucket tracks the token-bucket state for a single channel.
type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// limiter implements an in-memory token-bucket rate limiter keyed by
// channel name. Tokens refill at a rate of (limit / window) per second.
type limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
}

func newLimiter(window time.Duration) *limiter {
	if window <= 0 {
		window = time.Hour
	}
	return &limiter{
		buckets: make(map[string]*bucket),
		window:  window,
	}
}

// allow checks whether the given channel has remaining capacity. It
// consumes one token on success and returns true. Returns false when the
// rate limit has been exceeded.
func (l *limiter) allow(key string, limit int, now time.Time) bool {
	if limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{
			tokens:    float64(limit - 1),
			lastCheck: now,
		}
		return true
	}

	elapsed := now.Sub(b.lastCheck)
	b.lastCheck = now

	// Refill tokens proportionally to elapsed time.
	rate := float64(limit) / l.window.Seconds()
	b.tokens += elapsed.Seconds() * rate
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}

	if b.tokens < 1 {
		return false
	}

	b.tokens--
	return true
}
