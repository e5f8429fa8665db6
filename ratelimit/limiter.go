// Package ratelimit implements the per-provider token bucket (component
// C2). The teacher (control_plane/scheduler/limiter.go) wraps
// golang.org/x/time/rate behind a lazily-populated map keyed by provider;
// that shape is kept here, but the bucket arithmetic itself is hand-rolled
// because the fractional-refill rule below is incompatible with
// x/time/rate's Allow/Reserve semantics, which round to whole tokens and
// reset their internal clock to "now" on every touch.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a try_consume or status call.
type Decision struct {
	Allowed      bool
	Remaining    float64
	NextRefillAt time.Time
	WaitMS       int64
}

// Bucket is a single provider's token bucket. Safe for concurrent use; one
// mutex guards the whole bucket, matching the "one mutex per provider
// bucket" resource policy.
type Bucket struct {
	mu sync.Mutex

	capacity   float64
	refillRate float64 // tokens per second

	tokens       float64
	lastRefillMS int64
}

// NewBucket creates a bucket starting at full capacity.
func NewBucket(capacity float64, refillRate float64, now time.Time) *Bucket {
	return &Bucket{
		capacity:     capacity,
		refillRate:   refillRate,
		tokens:       capacity,
		lastRefillMS: now.UnixMilli(),
	}
}

// refill applies the spec-mandated fractional accumulation: tokens_added
// advances in whole-token steps, but last_refill_ms only advances by the
// time those whole tokens actually consumed, so leftover fractional time
// is preserved for the next touch instead of being discarded by snapping
// to now.
func (b *Bucket) refill(now int64) {
	if b.refillRate <= 0 {
		return
	}
	elapsed := now - b.lastRefillMS
	if elapsed <= 0 {
		return
	}
	tokensAdded := float64(elapsed) * b.refillRate / 1000
	tokensAdded = float64(int64(tokensAdded)) // floor toward zero; elapsed/rate are both non-negative here
	if tokensAdded <= 0 {
		return
	}
	b.tokens += tokensAdded
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefillMS += int64(tokensAdded * (1000 / b.refillRate))
}

func (b *Bucket) nextRefillAt() time.Time {
	if b.refillRate <= 0 {
		return time.UnixMilli(b.lastRefillMS)
	}
	msPerToken := 1000 / b.refillRate
	return time.UnixMilli(b.lastRefillMS + int64(msPerToken))
}

func (b *Bucket) waitMS(now int64) int64 {
	if b.refillRate <= 0 {
		return 0
	}
	wait := b.nextRefillAt().UnixMilli() - now
	if wait < 0 {
		return 0
	}
	return wait
}

// TryConsume atomically removes one token if available.
func (b *Bucket) TryConsume(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMS := now.UnixMilli()
	b.refill(nowMS)

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens, NextRefillAt: b.nextRefillAt()}
	}
	return Decision{Allowed: false, Remaining: b.tokens, NextRefillAt: b.nextRefillAt(), WaitMS: b.waitMS(nowMS)}
}

// Status reports the bucket's state without consuming a token.
func (b *Bucket) Status(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	nowMS := now.UnixMilli()
	b.refill(nowMS)
	return Decision{
		Allowed:      b.tokens >= 1,
		Remaining:    b.tokens,
		NextRefillAt: b.nextRefillAt(),
		WaitMS:       b.waitMS(nowMS),
	}
}

// UpdateConfig changes capacity and/or refill rate; nil leaves a field
// unchanged. Current tokens are clamped to the (possibly new) capacity.
func (b *Bucket) UpdateConfig(capacity, refillRate *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity != nil {
		b.capacity = *capacity
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	if refillRate != nil {
		b.refillRate = *refillRate
	}
}

// Reset refills the bucket to capacity.
func (b *Bucket) Reset(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefillMS = now.UnixMilli()
}
