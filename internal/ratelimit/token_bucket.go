package ratelimit

import (
	"math"
	"sync"
	"time"
)

// unit is one token in balance units. At r tokens/s the balance grows by r
// units per nanosecond.
const unit = int64(time.Second)

// TokenBucket admits work at a steady rate with bursts up to its capacity.
// A nil *TokenBucket admits everything.
type TokenBucket struct {
	clock Clock
	rate  int64 // tokens per second
	limit int64 // capacity in units

	mu      sync.Mutex
	balance int64 // units
	at      time.Time
}

// NewMessageLimiter allows perSecond messages per second with an equal
// burst. It returns nil when perSecond <= 0.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// NewTokenBucket returns a full bucket. Negative arguments count as zero.
func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	limit := toUnits(capacity)
	return &TokenBucket{
		clock:   clock,
		rate:    max(rate, 0),
		limit:   limit,
		balance: limit,
		at:      clock.Now(),
	}
}

// Allow takes tokens from the bucket, or nothing if there are too few.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := toUnits(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock.Now())
	if cost > b.balance {
		return false
	}
	b.balance -= cost
	return true
}

// Available reports the whole tokens left.
func (b *TokenBucket) Available() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.clock.Now())
	return b.balance / unit
}

// advance credits the time since the previous call. When the clock moved
// backwards only the reference point moves.
func (b *TokenBucket) advance(now time.Time) {
	elapsed := int64(now.Sub(b.at))
	b.at = now
	if elapsed <= 0 || b.rate == 0 {
		return
	}
	room := b.limit - b.balance
	if elapsed >= room/b.rate {
		b.balance = b.limit
		return
	}
	// elapsed*rate < room here, so the product fits.
	b.balance += elapsed * b.rate
}

func toUnits(tokens int64) int64 {
	switch {
	case tokens <= 0:
		return 0
	case tokens > math.MaxInt64/unit:
		return math.MaxInt64
	}
	return tokens * unit
}
