package queue

import (
	"time"

	"github.com/beadforge/mafcore/ratelimit"
)

// Route is the routing decision returned by ShouldRoute.
type Route int

const (
	RouteGo Route = iota
	RouteThrottle
	RouteDefer
	RouteDrop
)

func (r Route) String() string {
	switch r {
	case RouteGo:
		return "ROUTE"
	case RouteThrottle:
		return "THROTTLE"
	case RouteDefer:
		return "DEFER"
	case RouteDrop:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

// Health is the provider health indicator surfaced alongside a routing
// decision.
type Health int

const (
	Healthy Health = iota
	Warning
	Critical
	Unavailable
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// RoutingDecision is the full result of ShouldRoute.
type RoutingDecision struct {
	Route      Route
	WaitMS     int64
	Health     Health
	QueueDepth int
}

// QuotaManager tracks rolling per-provider quota windows, consulted only
// for providers that advertise one; when present it is authoritative over
// the rate limiter's own verdict.
type QuotaManager struct {
	limits map[string]quotaLimit
}

type quotaLimit struct {
	max        int64
	windowSize time.Duration
}

// NewQuotaManager builds an empty manager; call SetLimit per provider that
// advertises a quota.
func NewQuotaManager() *QuotaManager {
	return &QuotaManager{limits: make(map[string]quotaLimit)}
}

// SetLimit registers provider as quota-bound: at most max operations per
// window.
func (q *QuotaManager) SetLimit(provider string, max int64, window time.Duration) {
	q.limits[provider] = quotaLimit{max: max, windowSize: window}
}

// HasLimit reports whether provider advertises a quota limit.
func (q *QuotaManager) HasLimit(provider string) bool {
	_, ok := q.limits[provider]
	return ok
}

// WithinQuota reports whether one more operation would stay within
// provider's current window, given currentCount, the window-scoped counter
// the caller reads from store.quota_windows via Store.QuotaCount.
func (q *QuotaManager) WithinQuota(provider string, currentCount int64) bool {
	l, ok := q.limits[provider]
	if !ok {
		return true
	}
	return currentCount < l.max
}

// WindowID returns the window bucket identifier for now, used as the key
// into a rolling counter.
func (q *QuotaManager) WindowID(provider string, now time.Time) int64 {
	l, ok := q.limits[provider]
	if !ok || l.windowSize <= 0 {
		return 0
	}
	return now.UnixMilli() / l.windowSize.Milliseconds()
}

// ShouldRoute consults the rate limiter, queue depth, and optional quota
// manager to decide whether a task bound for provider should proceed.
// Quota, when the provider advertises one, is authoritative: a
// quota-exhausted provider is always THROTTLE regardless of token bucket
// state.
func ShouldRoute(limiter *ratelimit.Manager, q *Queue, quota *QuotaManager, provider string, currentQuotaCount int64, now time.Time) RoutingDecision {
	depth := q.Len()

	if quota != nil && quota.HasLimit(provider) && !quota.WithinQuota(provider, currentQuotaCount) {
		return RoutingDecision{Route: RouteThrottle, Health: healthFor(depth, q), QueueDepth: depth, WaitMS: quota.limits[provider].windowSize.Milliseconds()}
	}

	decision := limiter.Status(provider, now)
	if !decision.Allowed {
		return RoutingDecision{Route: RouteThrottle, WaitMS: decision.WaitMS, Health: healthFor(depth, q), QueueDepth: depth}
	}

	if depth >= totalCap(q) {
		return RoutingDecision{Route: RouteDrop, Health: Unavailable, QueueDepth: depth}
	}
	if depth >= (totalCap(q) * 3 / 4) {
		return RoutingDecision{Route: RouteDefer, Health: Warning, QueueDepth: depth}
	}

	return RoutingDecision{Route: RouteGo, Health: healthFor(depth, q), QueueDepth: depth}
}

func totalCap(q *Queue) int {
	return q.caps.High + q.caps.Medium + q.caps.Low
}

func healthFor(depth int, q *Queue) Health {
	total := totalCap(q)
	if total == 0 {
		return Healthy
	}
	ratio := float64(depth) / float64(total)
	switch {
	case ratio >= 0.95:
		return Critical
	case ratio >= 0.75:
		return Warning
	default:
		return Healthy
	}
}
