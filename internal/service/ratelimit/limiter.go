package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter is a token bucket per key. Every key starts full with capacity
// tokens and refills at rate tokens per second.
type Limiter struct {
	capacity float64
	rate     float64
	idle     time.Duration
	now      func() time.Time

	mu    sync.Mutex
	m     map[string]*bucket
	swept time.Time
}

// New creates a limiter. A non-positive capacity disables limiting.
func New(capacity, ratePerSec float64) *Limiter {
	idle := time.Minute
	if ratePerSec > 0 {
		// a bucket idle this long is full again and can be forgotten
		if full := time.Duration(capacity / ratePerSec * float64(time.Second)); full > idle {
			idle = full
		}
	}
	return &Limiter{
		capacity: capacity,
		rate:     ratePerSec,
		idle:     idle,
		now:      time.Now,
		m:        make(map[string]*bucket),
	}
}

// Allow returns true if one token can be consumed for key.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.capacity <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > l.idle {
		for k, b := range l.m {
			if now.Sub(b.last) > l.idle {
				delete(l.m, k)
			}
		}
		l.swept = now
	}

	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: l.capacity, last: now}
		l.m[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.rate
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
