package scheduler

import (
	"context"
	"time"

	"github.com/beadforge/mafcore/dag"
	"github.com/beadforge/mafcore/observability"
	"github.com/beadforge/mafcore/store"
)

// Reservation is returned to the agent that won reserve().
type Reservation struct {
	Task         *store.Task
	Dependencies []store.DependencyEdge
	BlockedBy    []string // always empty on a successful reservation; kept for shape parity with spec.md §4.5
}

// Reserve executes the reservation protocol in a single logical
// transaction from the caller's point of view: it computes the
// highest-priority candidate with all hard predecessors COMPLETED,
// attempts the store's atomic try_reserve, and retries on Contended
// (excluding the failed candidate) up to the configured retry budget.
//
// Returns (nil, nil) when no READY, dependency-satisfied task exists.
// Returns a Contended error once the retry budget is exhausted on lease
// contention. A file-reservation conflict is never retried internally:
// it surfaces immediately as a Conflict error, with the task already
// rolled back to READY.
func (s *Scheduler) Reserve(ctx context.Context, agentID string) (*Reservation, error) {
	start := time.Now()
	defer func() { observability.SchedulerReservationDuration.Observe(time.Since(start).Seconds()) }()

	excluded := make(map[string]bool)
	budget := s.cfg.ReservationRetryBudget
	if budget <= 0 {
		budget = 8
	}

	for attempt := 0; attempt < budget; attempt++ {
		candidate, err := s.nextCandidate(ctx, excluded)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			observability.SchedulerReservations.WithLabelValues("none_ready").Inc()
			return nil, nil
		}

		if s.cfg.AttemptsCeiling > 0 && candidate.Attempts >= s.cfg.AttemptsCeiling {
			if err := s.store.UpdateTaskState(ctx, candidate.ID, store.TaskReady, store.TaskFailed); err == nil {
				s.graph.AddTask(nodeFromTask(candidate, store.TaskFailed))
				s.publish(ctx, candidate.ID, store.EventTaskFailed, map[string]interface{}{"kind": "EXHAUSTED"})
			}
			excluded[candidate.ID] = true
			continue
		}

		_, err = s.store.TryReserve(ctx, agentID, candidate.ID, s.leaseTTL())
		if err != nil {
			if store.Is(err, store.KindContended) {
				excluded[candidate.ID] = true
				observability.SchedulerReservations.WithLabelValues("contended_retry").Inc()
				continue
			}
			return nil, err
		}

		s.graph.AddTask(nodeFromTask(candidate, store.TaskReserved))

		if len(candidate.Files) > 0 {
			if _, conflictErr := s.acquireFileReservations(ctx, agentID, candidate); conflictErr != nil {
				// Unlike a lease Contended, a file conflict is not retried
				// internally: the task has already been rolled back to
				// READY and the caller decides what to do next.
				observability.SchedulerReservations.WithLabelValues("blocked_by_file").Inc()
				return nil, conflictErr
			}
		}

		deps, err := s.store.ListDependencies(ctx, candidate.ID)
		if err != nil {
			return nil, err
		}

		s.publish(ctx, candidate.ID, store.EventTaskReserved, map[string]interface{}{"agent_id": agentID})
		observability.SchedulerReservations.WithLabelValues("reserved").Inc()
		return &Reservation{Task: candidate, Dependencies: deps, BlockedBy: nil}, nil
	}

	observability.SchedulerReservations.WithLabelValues("contended_exhausted").Inc()
	return nil, store.ErrContended("reservation retry budget exhausted")
}

// nextCandidate picks the highest-priority READY task whose hard
// predecessors are all COMPLETED, excluding ids already tried this
// Reserve() call. Tie-break is (descending priority, ascending
// created_at, lexicographic id) — ListTasksByState already returns rows
// in (priority DESC, created_at ASC, id ASC) order, so the first eligible
// row below is the candidate.
func (s *Scheduler) nextCandidate(ctx context.Context, excluded map[string]bool) (*store.Task, error) {
	ready, err := s.store.ListTasksByState(ctx, store.TaskReady)
	if err != nil {
		return nil, err
	}
	executable := make(map[string]bool)
	for _, id := range s.graph.ExecutableTasks() {
		executable[id] = true
	}

	for _, t := range ready {
		if excluded[t.ID] {
			continue
		}
		if !executable[t.ID] {
			continue
		}
		return t, nil
	}
	return nil, nil
}

// acquireFileReservations applies the file-reservation edge policy: any
// conflict atomically releases the task lease and returns the task to
// READY, surfacing the list of conflicting paths.
func (s *Scheduler) acquireFileReservations(ctx context.Context, agentID string, task *store.Task) ([]string, error) {
	conflicts, err := s.store.ReservationConflicts(ctx, task.Files, agentID)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		if abortErr := s.store.AbortReservation(ctx, agentID, task.ID); abortErr != nil {
			return nil, abortErr
		}
		s.graph.AddTask(nodeFromTask(task, store.TaskReady))
		observability.FileReservationConflictsTotal.Inc()
		s.publish(ctx, task.ID, store.EventDropped, map[string]interface{}{"reason": "BLOCKED_BY_FILE", "paths": conflicts})
		return conflicts, store.ErrConflict(conflicts)
	}

	for _, path := range task.Files {
		if err := s.store.AcquireReservation(ctx, path, agentID, s.leaseTTL()); err != nil {
			// Another reserver won the race on this exact path after our
			// conflict check; unwind every reservation we already took plus
			// the task lease itself.
			for _, acquired := range task.Files {
				if acquired == path {
					break
				}
				_ = s.store.ReleaseReservation(ctx, acquired, agentID)
			}
			if abortErr := s.store.AbortReservation(ctx, agentID, task.ID); abortErr != nil {
				return nil, abortErr
			}
			s.graph.AddTask(nodeFromTask(task, store.TaskReady))
			return []string{path}, store.ErrConflict([]string{path})
		}
	}
	return nil, nil
}

func (s *Scheduler) leaseTTL() time.Duration {
	if s.cfg.LeaseTTL <= 0 {
		return 30 * time.Second
	}
	return s.cfg.LeaseTTL
}

func nodeFromTask(t *store.Task, state store.TaskState) dag.Node {
	return dag.Node{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt, State: state}
}
