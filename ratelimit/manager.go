package ratelimit

import (
	"sync"
	"time"
)

// Config is the per-provider bucket configuration, matching the
// rate_limits.{provider}.{capacity,refill_rate} config keys.
type Config struct {
	Capacity   float64
	RefillRate float64
}

// DefaultConfig is applied when a provider is first queried with no
// explicit configuration on file.
var DefaultConfig = Config{Capacity: 10, RefillRate: 1}

// Manager keeps an associative map of provider_id -> limiter, creating
// buckets lazily on first touch, mirroring control_plane/scheduler/limiter.go's
// TokenBucketLimiter.
type Manager struct {
	mu       sync.RWMutex
	buckets  map[string]*Bucket
	defaults Config
}

// NewManager builds a manager that falls back to defaults (or
// DefaultConfig if defaults is the zero value) for unconfigured providers.
func NewManager(defaults Config) *Manager {
	if defaults.Capacity == 0 && defaults.RefillRate == 0 {
		defaults = DefaultConfig
	}
	return &Manager{buckets: make(map[string]*Bucket), defaults: defaults}
}

func (m *Manager) bucket(provider string, now time.Time) *Bucket {
	m.mu.RLock()
	b, ok := m.buckets[provider]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[provider]; ok {
		return b
	}
	b = NewBucket(m.defaults.Capacity, m.defaults.RefillRate, now)
	m.buckets[provider] = b
	return b
}

// Configure installs an explicit config for provider, creating or updating
// its bucket.
func (m *Manager) Configure(provider string, cfg Config, now time.Time) {
	m.mu.Lock()
	b, ok := m.buckets[provider]
	if !ok {
		b = NewBucket(cfg.Capacity, cfg.RefillRate, now)
		m.buckets[provider] = b
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	cap, rate := cfg.Capacity, cfg.RefillRate
	b.UpdateConfig(&cap, &rate)
}

// TryConsume consumes one token for provider, creating its bucket with
// defaults if this is the first touch.
func (m *Manager) TryConsume(provider string, now time.Time) Decision {
	return m.bucket(provider, now).TryConsume(now)
}

// TryConsumeMany attempts to consume one token per provider in providers,
// preserving input order in the returned slice.
func (m *Manager) TryConsumeMany(providers []string, now time.Time) []Decision {
	out := make([]Decision, len(providers))
	for i, p := range providers {
		out[i] = m.TryConsume(p, now)
	}
	return out
}

// Status reports provider's bucket state without consuming a token.
func (m *Manager) Status(provider string, now time.Time) Decision {
	return m.bucket(provider, now).Status(now)
}

// Reset refills provider's bucket to capacity.
func (m *Manager) Reset(provider string, now time.Time) {
	m.bucket(provider, now).Reset(now)
}
