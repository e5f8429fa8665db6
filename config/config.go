// Package config loads the coordination core's recognized configuration
// keys (spec.md §6.3) with viper. The teacher (control_plane/main.go)
// reads individual os.Getenv calls with inline parsing; this module
// upgrades that to a typed loader (env vars, an optional config file, and
// in-code defaults) while keeping the same recognized-key surface, since
// viper appears across the retrieved pack's manifests (e.g.
// Natolumin-coredhcp/go.mod) as the idiomatic config library where the
// teacher itself falls short of one.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimitConfig is the capacity/refill_rate pair for one provider.
type RateLimitConfig struct {
	Capacity   float64
	RefillRate float64
}

// QueueCaps mirrors queue.Caps without importing the queue package, so
// config stays a leaf dependency.
type QueueCaps struct {
	High   int
	Medium int
	Low    int
}

// QuotaLimitConfig is the rolling-window quota bound for one provider
// (spec.md §3's "Quota state"): at most Max operations per Window.
type QuotaLimitConfig struct {
	Max    int64
	Window time.Duration
}

// Config is the fully-resolved, validated configuration for the core.
type Config struct {
	RateLimits  map[string]RateLimitConfig
	QuotaLimits map[string]QuotaLimitConfig

	QueueCaps            QueueCaps
	EnablePrioritization bool

	LeaseTTL                time.Duration
	HeartbeatInterval       time.Duration
	RenewalInterval         time.Duration
	ReservationRetryBudget  int
	AttemptsCeiling         int // 0 means disabled

	// ReaperInterval, when nonzero, opts into scheduler.SelfTimedReaper at
	// that pacing. Zero (the default) leaves reclamation entirely external,
	// per spec.md §9's open question on self-timed reaping.
	ReaperInterval time.Duration

	StorePath string
}

// Defaults match spec.md §6.3.
func Defaults() Config {
	return Config{
		RateLimits:             map[string]RateLimitConfig{},
		QuotaLimits:            map[string]QuotaLimitConfig{},
		QueueCaps:              QueueCaps{High: 100, Medium: 200, Low: 400},
		EnablePrioritization:   false,
		LeaseTTL:               30 * time.Second,
		HeartbeatInterval:      15 * time.Second,
		RenewalInterval:        10 * time.Second,
		ReservationRetryBudget: 8,
		AttemptsCeiling:        0,
		ReaperInterval:         0,
		StorePath:              "mafcore.db",
	}
}

// Load reads configuration from an optional file at path (viper figures
// out the format from its extension; pass "" to skip), overlays
// environment variables (MAFCORE_ prefix, nested keys joined by
// underscore), and falls back to Defaults() for anything unset. It
// validates the renewal/lease-TTL relationship spec.md §6.3 requires.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("mafcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault("queue_caps.high", d.QueueCaps.High)
	v.SetDefault("queue_caps.medium", d.QueueCaps.Medium)
	v.SetDefault("queue_caps.low", d.QueueCaps.Low)
	v.SetDefault("enable_prioritization", d.EnablePrioritization)
	v.SetDefault("lease_ttl_ms", d.LeaseTTL.Milliseconds())
	v.SetDefault("heartbeat_interval_ms", d.HeartbeatInterval.Milliseconds())
	v.SetDefault("renewal_interval_ms", d.RenewalInterval.Milliseconds())
	v.SetDefault("reservation_retry_budget", d.ReservationRetryBudget)
	v.SetDefault("attempts_ceiling", d.AttemptsCeiling)
	v.SetDefault("reaper_interval_ms", d.ReaperInterval.Milliseconds())
	v.SetDefault("store_path", d.StorePath)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := Config{
		RateLimits:  loadRateLimits(v),
		QuotaLimits: loadQuotaLimits(v),
		QueueCaps: QueueCaps{
			High:   v.GetInt("queue_caps.high"),
			Medium: v.GetInt("queue_caps.medium"),
			Low:    v.GetInt("queue_caps.low"),
		},
		EnablePrioritization:   v.GetBool("enable_prioritization"),
		LeaseTTL:               time.Duration(v.GetInt64("lease_ttl_ms")) * time.Millisecond,
		HeartbeatInterval:      time.Duration(v.GetInt64("heartbeat_interval_ms")) * time.Millisecond,
		RenewalInterval:        time.Duration(v.GetInt64("renewal_interval_ms")) * time.Millisecond,
		ReservationRetryBudget: v.GetInt("reservation_retry_budget"),
		AttemptsCeiling:        v.GetInt("attempts_ceiling"),
		ReaperInterval:         time.Duration(v.GetInt64("reaper_interval_ms")) * time.Millisecond,
		StorePath:              v.GetString("store_path"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadRateLimits(v *viper.Viper) map[string]RateLimitConfig {
	raw := v.GetStringMap("rate_limits")
	out := make(map[string]RateLimitConfig, len(raw))
	for provider := range raw {
		out[provider] = RateLimitConfig{
			Capacity:   v.GetFloat64(fmt.Sprintf("rate_limits.%s.capacity", provider)),
			RefillRate: v.GetFloat64(fmt.Sprintf("rate_limits.%s.refill_rate", provider)),
		}
	}
	return out
}

func loadQuotaLimits(v *viper.Viper) map[string]QuotaLimitConfig {
	raw := v.GetStringMap("quota_limits")
	out := make(map[string]QuotaLimitConfig, len(raw))
	for provider := range raw {
		out[provider] = QuotaLimitConfig{
			Max:    v.GetInt64(fmt.Sprintf("quota_limits.%s.max", provider)),
			Window: time.Duration(v.GetInt64(fmt.Sprintf("quota_limits.%s.window_ms", provider))) * time.Millisecond,
		}
	}
	return out
}

// Validate enforces renewal_interval < lease_ttl/2, the invariant the
// heartbeat/renewal pair depends on to guarantee a lease is renewed
// before it can expire.
func (c Config) Validate() error {
	if c.RenewalInterval >= c.LeaseTTL/2 {
		return fmt.Errorf("config: renewal_interval (%s) must be less than lease_ttl/2 (%s)", c.RenewalInterval, c.LeaseTTL/2)
	}
	if c.HeartbeatInterval <= 0 || c.RenewalInterval <= 0 || c.LeaseTTL <= 0 {
		return fmt.Errorf("config: heartbeat_interval, renewal_interval, and lease_ttl must all be positive")
	}
	if c.ReservationRetryBudget <= 0 {
		return fmt.Errorf("config: reservation_retry_budget must be positive")
	}
	return nil
}
