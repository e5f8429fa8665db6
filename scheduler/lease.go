package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beadforge/mafcore/observability"
	"github.com/beadforge/mafcore/store"
)

// LeaseHandle owns the two cooperating timers spec.md §4.5 describes for
// an active reservation: a heartbeat timer that upserts liveness, and a
// renewal timer that extends the lease. Both are independent periodic
// tickers, cancellable by the single shutdown signal Stop provides, per
// spec.md §9's async-control-flow note. Missed ticks are coalesced, not
// made up, because each tick fires from a fresh time.Ticker channel read
// rather than a fixed schedule.
type LeaseHandle struct {
	sched   *Scheduler
	agentID string
	taskID  string

	// attemptToken distinguishes this specific holding of the lease from
	// any earlier attempt the same agent made on the same task (attempts
	// only increments on reclaim; a fresh token lets log and event
	// consumers correlate a run of renewals to one live handle even
	// across a reclaim-and-reacquire by the same agent).
	attemptToken string

	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	lost bool
	err  error
}

// StartLeaseHandle begins the heartbeat/renewal pair for a reservation
// this process holds. Call Stop when the agent finishes the task
// (successfully or not) to release the timers; Stop does not itself
// release the lease — call Scheduler.Complete or Scheduler.Fail for that.
func (s *Scheduler) StartLeaseHandle(agentID string, task *store.Task) *LeaseHandle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &LeaseHandle{
		sched:        s,
		agentID:      agentID,
		taskID:       task.ID,
		attemptToken: uuid.NewString(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[task.ID] = h
	s.mu.Unlock()

	go h.run(ctx)
	return h
}

func (h *LeaseHandle) run(ctx context.Context) {
	defer close(h.done)

	heartbeat := time.NewTicker(h.sched.heartbeatInterval())
	renewal := time.NewTicker(h.sched.renewalInterval())
	defer heartbeat.Stop()
	defer renewal.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := h.sched.store.UpsertHeartbeat(ctx, h.agentID, store.HeartbeatWorking, 0, time.Now()); err != nil {
				h.sched.log.Warn().Err(err).Str("agent_id", h.agentID).Msg("heartbeat upsert failed")
			}
		case <-renewal.C:
			newExpiry := time.Now().Add(h.sched.leaseTTL())
			if err := h.sched.store.RenewLease(ctx, h.agentID, h.taskID, newExpiry); err != nil {
				h.markLost(err)
				observability.LeaseRenewalFailuresTotal.WithLabelValues(h.agentID).Inc()
				h.sched.publish(context.Background(), h.taskID, store.EventLeaseLost, map[string]interface{}{"agent_id": h.agentID, "attempt_token": h.attemptToken})
				return
			}
			h.sched.publish(ctx, h.taskID, store.EventLeaseRenewed, map[string]interface{}{"agent_id": h.agentID, "expires_at": newExpiry.UnixMilli(), "attempt_token": h.attemptToken})
		}
	}
}

func (h *LeaseHandle) markLost(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = true
	h.err = err
}

// Lost reports whether the renewal timer found the lease already gone. A
// lost lease terminates the in-process execution; the reaper will
// eventually restore the task to READY.
func (h *LeaseHandle) Lost() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost, h.err
}

// Stop cancels both timers and waits for the background goroutine to
// exit.
func (h *LeaseHandle) Stop() {
	h.cancel()
	<-h.done
	h.sched.mu.Lock()
	delete(h.sched.handles, h.taskID)
	h.sched.mu.Unlock()
}

func (s *Scheduler) heartbeatInterval() time.Duration {
	if s.cfg.HeartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return s.cfg.HeartbeatInterval
}

func (s *Scheduler) renewalInterval() time.Duration {
	if s.cfg.RenewalInterval <= 0 {
		return 10 * time.Second
	}
	return s.cfg.RenewalInterval
}

// Complete transitions a RESERVED/RUNNING task to COMPLETED and releases
// its lease. Matches the verifier PASS outcome in spec.md §6's exit
// contract.
func (s *Scheduler) Complete(ctx context.Context, agentID, taskID string) error {
	if err := s.store.ReleaseLease(ctx, agentID, taskID, store.TaskCompleted); err != nil {
		return err
	}
	s.graph.UpdateState(taskID, store.TaskCompleted)
	s.publish(ctx, taskID, store.EventTaskCompleted, map[string]interface{}{"agent_id": agentID})
	return nil
}

// Fail transitions a RESERVED/RUNNING task to FAILED and releases its
// lease. Matches the verifier FAIL outcome.
func (s *Scheduler) Fail(ctx context.Context, agentID, taskID string, reason string) error {
	if err := s.store.ReleaseLease(ctx, agentID, taskID, store.TaskFailed); err != nil {
		return err
	}
	s.graph.UpdateState(taskID, store.TaskFailed)
	s.publish(ctx, taskID, store.EventTaskFailed, map[string]interface{}{"agent_id": agentID, "reason": reason})
	return nil
}
