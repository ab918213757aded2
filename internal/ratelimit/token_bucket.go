// Package ratelimit provides a deterministic token bucket used to cap the
// inbound signaling message rate per WebSocket connection.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket refills at an integer rate (tokens/sec) using a provided Clock.
//
// Token accounting is done in nanoseconds-worth of tokens to avoid float
// rounding: at a fill rate of R tokens/sec, one nanosecond of elapsed time is
// worth R nano-tokens, and one token costs 1e9 nano-tokens.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

const nanosPerToken = int64(time.Second)

// tokenNanos converts tokens to nano-tokens, clamping to MaxInt64 instead of
// overflowing for absurdly large token counts.
func tokenNanos(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nanosPerToken {
		return math.MaxInt64
	}
	return tokens * nanosPerToken
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: tokenNanos(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := tokenNanos(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now

	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	max := tokenNanos(b.capacity)
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}
	// fillRate tokens/sec equals fillRate nano-tokens per nanosecond. Clamp to
	// capacity before multiplying to avoid overflow on long idle periods.
	if elapsed >= need/b.fillRate+1 {
		b.available = max
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > max {
		b.available = max
	}
}
