package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a simple token bucket rate limiter with continuous refill.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity float64, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// TryTake takes a token if one is available. Non-blocking.
func (b *TokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		if b.TryTake() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// RateLimiter bundles per-action buckets for the venue API. Cancels get a
// deeper bucket than placements so risk shutdowns are never throttled behind
// quote traffic.
type RateLimiter struct {
	Order  *TokenBucket // order placements
	Cancel *TokenBucket // cancellations
	Info   *TokenBucket // account state queries
}

// NewRateLimiter creates limits sized to the venue's published caps.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(40, 20),
		Info:   NewTokenBucket(10, 2),
	}
}
