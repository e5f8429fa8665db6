package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/beadforge/mafcore/config"
	"github.com/beadforge/mafcore/events"
	"github.com/beadforge/mafcore/queue"
	"github.com/beadforge/mafcore/ratelimit"
	"github.com/beadforge/mafcore/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *events.SpyBus) {
	t.Helper()
	cfg := config.Defaults()
	cfg.StorePath = ":memory:"
	spy := events.NewSpyBus()

	c, err := Open(context.Background(), cfg, spy)
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, spy
}

func TestSubmitAdmitsAndReservesTask(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	task := &store.Task{ID: "t1", PolicyLabel: "openai", Priority: 1}
	outcome, err := c.Submit(ctx, task, queue.High)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Route != queue.RouteGo {
		t.Fatalf("expected ROUTE, got %s", outcome.Route)
	}

	loaded, err := c.Store.LoadTask(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.State != store.TaskReady {
		t.Fatalf("expected READY after admission, got %s", loaded.State)
	}

	res, err := c.Scheduler.Reserve(ctx, "agent-a")
	if err != nil || res == nil || res.Task.ID != "t1" {
		t.Fatalf("expected t1 reservable after submit, got r=%+v err=%v", res, err)
	}
}

func TestSubmitThrottlesOnExhaustedBucket(t *testing.T) {
	c, spy := newTestCoordinator(t)
	ctx := context.Background()
	c.Limiter.Configure("slow-provider", ratelimit.Config{Capacity: 1, RefillRate: 0}, time.Now())

	if _, err := c.Submit(ctx, &store.Task{ID: "warmup", PolicyLabel: "slow-provider"}, queue.Low); err != nil {
		t.Fatalf("submit warmup: %v", err)
	}
	// Second submission against the now-exhausted, never-refilling bucket
	// must be throttled, not admitted.
	outcome, err := c.Submit(ctx, &store.Task{ID: "t2", PolicyLabel: "slow-provider"}, queue.Low)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if outcome.Route != queue.RouteThrottle {
		t.Fatalf("expected THROTTLE on exhausted bucket, got %s", outcome.Route)
	}

	if _, err := c.Store.LoadTask(ctx, "t2"); err == nil {
		t.Fatalf("expected t2 to never reach the store")
	}

	found := false
	for _, e := range spy.All() {
		if e.Kind == store.EventThrottled {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a THROTTLED event")
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()
	c.Queue.UpdateCaps(queue.Caps{High: 0, Medium: 0, Low: 1})

	if _, err := c.Submit(ctx, &store.Task{ID: "a", PolicyLabel: "p"}, queue.Low); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	outcome, err := c.Submit(ctx, &store.Task{ID: "b", PolicyLabel: "p"}, queue.Low)
	if err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if outcome.Route != queue.RouteDrop {
		t.Fatalf("expected DROP once the low queue is full, got %s", outcome.Route)
	}
}

func TestSubmitThrottlesOnExhaustedQuotaDespiteHealthyBucket(t *testing.T) {
	cfg := config.Defaults()
	cfg.StorePath = ":memory:"
	cfg.QuotaLimits = map[string]config.QuotaLimitConfig{
		"quota-provider": {Max: 1, Window: time.Hour},
	}
	spy := events.NewSpyBus()
	c, err := Open(context.Background(), cfg, spy)
	if err != nil {
		t.Fatalf("open coordinator: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	// The token bucket has plenty of capacity left; only the quota should
	// block the second submission.
	if _, err := c.Submit(ctx, &store.Task{ID: "q1", PolicyLabel: "quota-provider"}, queue.Low); err != nil {
		t.Fatalf("submit q1: %v", err)
	}
	outcome, err := c.Submit(ctx, &store.Task{ID: "q2", PolicyLabel: "quota-provider"}, queue.Low)
	if err != nil {
		t.Fatalf("submit q2: %v", err)
	}
	if outcome.Route != queue.RouteThrottle {
		t.Fatalf("expected THROTTLE once the quota window is exhausted, got %s", outcome.Route)
	}
	if _, err := c.Store.LoadTask(ctx, "q2"); err == nil {
		t.Fatalf("expected q2 to never reach the store")
	}

	count, err := c.Store.QuotaCount(ctx, "quota-provider", c.Quota.WindowID("quota-provider", time.Now()))
	if err != nil {
		t.Fatalf("quota count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one admitted task to have incremented the quota window, got %d", count)
	}
}

func TestReaperStartStop(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.StartReaper(5 * time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	c.Close() // exercises reaper.Stop via Close
}
