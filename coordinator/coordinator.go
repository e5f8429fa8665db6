// Package coordinator is the top-level wiring for the coordination core,
// the cmd-equivalent layer grounded on control_plane/main.go's
// construction order: store opened first, the collaborators it backs
// built over it, the scheduler last since it depends on everything
// below it. Unlike the teacher, which embeds this wiring directly in
// func main and immediately starts an HTTP server, this package stops
// at the process-level Coordinator struct: the CLI that would call
// Submit/Reserve/Complete over a transport is an external collaborator
// outside this module's scope (spec.md §1).
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beadforge/mafcore/config"
	"github.com/beadforge/mafcore/dag"
	"github.com/beadforge/mafcore/events"
	"github.com/beadforge/mafcore/observability"
	"github.com/beadforge/mafcore/queue"
	"github.com/beadforge/mafcore/ratelimit"
	"github.com/beadforge/mafcore/scheduler"
	"github.com/beadforge/mafcore/store"
)

// Coordinator owns every component (C1-C5) and drives the admission
// pipeline spec.md §2 describes: rate-limit check, priority enqueue,
// ready-set recompute, reservation.
type Coordinator struct {
	Store     *store.Store
	Graph     *dag.Graph
	Limiter   *ratelimit.Manager
	Queue     *queue.Queue
	Quota     *queue.QuotaManager
	Scheduler *scheduler.Scheduler

	cfg    config.Config
	bus    events.Bus
	log    zerolog.Logger
	reaper *scheduler.SelfTimedReaper
}

// Open builds a Coordinator over a fresh or existing SQLite file,
// synchronizing the in-memory DAG from whatever the store already holds
// (so a restart resumes from exactly where the prior process left off,
// matching the teacher's RehydrateQueue step in main.go).
func Open(ctx context.Context, cfg config.Config, bus events.Bus) (*Coordinator, error) {
	if bus == nil {
		bus = events.MultiBus{}
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	graph := dag.New()
	if err := scheduler.SyncGraph(ctx, s, graph); err != nil {
		s.Close()
		return nil, fmt.Errorf("coordinator: sync graph: %w", err)
	}

	limiterDefaults := ratelimit.DefaultConfig
	limiter := ratelimit.NewManager(limiterDefaults)
	for provider, rc := range cfg.RateLimits {
		limiter.Configure(provider, ratelimit.Config{Capacity: rc.Capacity, RefillRate: rc.RefillRate}, time.Now())
	}

	q := queue.New(queue.Caps{High: cfg.QueueCaps.High, Medium: cfg.QueueCaps.Medium, Low: cfg.QueueCaps.Low}, cfg.EnablePrioritization)
	quota := queue.NewQuotaManager()
	for provider, ql := range cfg.QuotaLimits {
		quota.SetLimit(provider, ql.Max, ql.Window)
	}

	sched := scheduler.New(s, graph, bus, cfg)

	c := &Coordinator{
		Store:     s,
		Graph:     graph,
		Limiter:   limiter,
		Queue:     q,
		Quota:     quota,
		Scheduler: sched,
		cfg:       cfg,
		bus:       bus,
		log:       log.With().Str("component", "coordinator").Logger(),
	}
	if cfg.ReaperInterval > 0 {
		c.StartReaper(cfg.ReaperInterval)
	}
	return c, nil
}

// Close releases the store handle and stops any background reaper.
func (c *Coordinator) Close() error {
	if c.reaper != nil {
		c.reaper.Stop()
	}
	return c.Store.Close()
}

// AdmitOutcome reports where a submitted task landed in the admission
// pipeline: RouteGo means it reached the queue and is now stored (READY
// unless the caller set another state);
// anything else means the rate limiter or queue backpressure rejected
// it before a row was ever written.
type AdmitOutcome struct {
	Route    queue.Route
	WaitMS   int64
	Enqueued queue.Outcome
}

// Submit runs a new task through the full admission pipeline: rate-limit
// check against its policy label (C2), priority enqueue with
// backpressure (C3), and — only once both pass — persistence as a
// task the scheduler can later pick up (C1; READY when the caller left
// State empty), registering it in
// the dependency graph (C4) so Reserve can see it immediately.
//
// This is the "admission -> rate-limit check -> enqueue at priority"
// half of spec.md §2's data flow; Reserve (scheduler.Scheduler.Reserve)
// is the second half and does not consult the queue at all, since the
// queue's role ends once a task is durably PENDING/READY in the store.
func (c *Coordinator) Submit(ctx context.Context, t *store.Task, qp queue.Priority) (AdmitOutcome, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()

	var quotaCount int64
	if c.Quota.HasLimit(t.PolicyLabel) {
		windowID := c.Quota.WindowID(t.PolicyLabel, now)
		n, err := c.Store.QuotaCount(ctx, t.PolicyLabel, windowID)
		if err != nil {
			return AdmitOutcome{}, fmt.Errorf("coordinator: read quota count: %w", err)
		}
		quotaCount = n
	}

	decision := queue.ShouldRoute(c.Limiter, c.Queue, c.Quota, t.PolicyLabel, quotaCount, now)
	observability.ProviderHealth.WithLabelValues(t.PolicyLabel).Set(float64(decision.Health))

	if decision.Route == queue.RouteThrottle || decision.Route == queue.RouteDrop {
		observability.RateLimitDecisions.WithLabelValues(t.PolicyLabel, "false").Inc()
		c.bus.Publish(events.New(t.ID, store.EventThrottled, map[string]interface{}{
			"provider": t.PolicyLabel, "route": decision.Route.String(), "wait_ms": decision.WaitMS,
		}))
		return AdmitOutcome{Route: decision.Route, WaitMS: decision.WaitMS}, nil
	}
	// should_route only consults the bucket's current level; the actual
	// token removal happens here, once admission is committed to, so a
	// task that is ultimately dropped by the queue never costs a token.
	consumed := c.Limiter.TryConsume(t.PolicyLabel, now)
	observability.RateLimitTokensRemaining.WithLabelValues(t.PolicyLabel).Set(consumed.Remaining)
	if !consumed.Allowed {
		observability.RateLimitDecisions.WithLabelValues(t.PolicyLabel, "false").Inc()
		c.bus.Publish(events.New(t.ID, store.EventThrottled, map[string]interface{}{
			"provider": t.PolicyLabel, "wait_ms": consumed.WaitMS,
		}))
		return AdmitOutcome{Route: queue.RouteThrottle, WaitMS: consumed.WaitMS}, nil
	}
	observability.RateLimitDecisions.WithLabelValues(t.PolicyLabel, "true").Inc()

	outcome := c.Queue.Enqueue(queue.Item{ID: t.ID, Priority: qp, Payload: t, EnqueuedAt: now})
	observability.QueueDepth.WithLabelValues(qp.String()).Set(float64(c.Queue.Depth(qp)))
	if outcome.Dropped {
		observability.QueueDropsTotal.WithLabelValues(qp.String(), outcome.DropReason).Inc()
		c.bus.Publish(events.New(t.ID, store.EventDropped, map[string]interface{}{"reason": outcome.DropReason}))
		return AdmitOutcome{Route: queue.RouteDrop, Enqueued: outcome}, nil
	}
	if outcome.Evicted != nil {
		// Eviction always displaces the oldest Low item; only High triggers it.
		observability.QueueDropsTotal.WithLabelValues(queue.Low.String(), "PRIORITY_DROPPED").Inc()
		c.bus.Publish(events.New(outcome.Evicted.ID, store.EventPriorityDropped, map[string]interface{}{"evicted_by": t.ID}))
	}

	if c.Quota.HasLimit(t.PolicyLabel) {
		windowID := c.Quota.WindowID(t.PolicyLabel, now)
		if _, err := c.Store.IncrementQuotaWindow(ctx, t.PolicyLabel, windowID); err != nil {
			return AdmitOutcome{}, fmt.Errorf("coordinator: increment quota window: %w", err)
		}
	}

	if t.State == "" {
		t.State = store.TaskReady
	}
	if err := c.Scheduler.UpsertTask(ctx, t); err != nil {
		return AdmitOutcome{}, fmt.Errorf("coordinator: persist admitted task: %w", err)
	}
	c.bus.Publish(events.New(t.ID, store.EventQueued, map[string]interface{}{"priority": qp.String()}))

	return AdmitOutcome{Route: queue.RouteGo, Enqueued: outcome}, nil
}

// Drain pops the next queued item without blocking; it exists so a
// caller can observe and act on backpressure-shaped admission order
// (e.g. logging or re-deriving priority) independent of the store's own
// priority/created_at ordering, which Reserve uses directly. Returns nil
// when the queue is empty.
func (c *Coordinator) Drain(now time.Time) *queue.Item {
	return c.Queue.Dequeue(now)
}

// StartReaper begins the opt-in self-timed reclamation loop described in
// spec.md §9's open question, paced at interval.
func (c *Coordinator) StartReaper(interval time.Duration) {
	c.reaper = c.Scheduler.StartSelfTimedReaper(interval)
}
