package ratelimit

import (
	"sync"
	"time"

	"github.com/ferd36/maths-chat/internal/clock"
)

// Clock is the part of clock.Clock the buckets need.
type Clock interface {
	Now() time.Time
}

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds X
// nano-tokens per elapsed nanosecond.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate using fixed-point arithmetic.
type TokenBucket struct {
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec

	mu        sync.Mutex
	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket. A nil clock uses wall time.
func NewTokenBucket(clk Clock, capacity, rate int64) *TokenBucket {
	if clk == nil {
		clk = clock.Real()
	}
	capacity = max(capacity, 0)
	rate = max(rate, 0)
	capNano := toNano(capacity)
	return &TokenBucket{
		clock:     clk,
		capacity:  capNano,
		rate:      rate,
		available: capNano,
		last:      clk.Now(),
	}
}

// Allow takes n tokens if they are available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that went backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.available >= b.capacity {
		return
	}

	missing := b.capacity - b.available
	// Clamp before multiplying so elapsed*rate cannot overflow.
	if elapsed >= missing/b.rate {
		b.available = b.capacity
		return
	}
	b.available = min(b.available+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
