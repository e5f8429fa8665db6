// Package scheduler is the centerpiece component (C5): it orchestrates
// the store (C1), rate limiter (C2), priority queue (C3), and DAG engine
// (C4) to move tasks through their state machine and guarantees
// at-most-one active executor per task.
//
// Grounded on control_plane/scheduler/scheduler.go's shape: a struct
// holding its collaborators plus a small admission/config surface, built
// with a constructor that wires sane defaults. The reservation,
// lease/heartbeat, and reaper responsibilities that file folds into one
// type are split here into reserve.go, lease.go, and reaper.go so each
// stays close to its own section of spec.md §4.5.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/beadforge/mafcore/config"
	"github.com/beadforge/mafcore/dag"
	"github.com/beadforge/mafcore/events"
	"github.com/beadforge/mafcore/store"
)

// Scheduler is the coordination core's top-level orchestrator.
type Scheduler struct {
	store *store.Store
	graph *dag.Graph
	bus   events.Bus
	cfg   config.Config
	log   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*LeaseHandle // taskID -> active lease handle, for agents running in-process
}

// New builds a scheduler over an already-open store and a graph the
// caller has synchronized with the store's dependency rows (see
// SyncGraph). bus may be nil, in which case events are dropped; cfg
// should come from config.Load or config.Defaults.
func New(s *store.Store, graph *dag.Graph, bus events.Bus, cfg config.Config) *Scheduler {
	if bus == nil {
		bus = events.MultiBus{}
	}
	return &Scheduler{
		store:   s,
		graph:   graph,
		bus:     bus,
		cfg:     cfg,
		log:     log.With().Str("component", "scheduler").Logger(),
		handles: make(map[string]*LeaseHandle),
	}
}

// SyncGraph rebuilds the in-memory DAG from the store's current tasks and
// dependency edges. Call once at startup, and again after any out-of-band
// mutation the scheduler did not itself perform.
func SyncGraph(ctx context.Context, s *store.Store, g *dag.Graph) error {
	tasks, err := s.ListAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: sync graph tasks: %w", err)
	}
	for _, t := range tasks {
		g.AddTask(dag.Node{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt, State: t.State})
	}
	deps, err := s.ListAllDependencies(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: sync graph dependencies: %w", err)
	}
	for _, e := range deps {
		if err := g.AddDependency(e.TaskID, e.DependsOnID, e.Kind); err != nil {
			// The store already accepted this edge; a graph-level rejection
			// here means the two have drifted out of sync, which should
			// never happen outside of a bug.
			return fmt.Errorf("scheduler: sync graph edge %s->%s: %w", e.TaskID, e.DependsOnID, err)
		}
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, taskID string, kind store.EventKind, fields map[string]interface{}) {
	s.bus.Publish(events.New(taskID, kind, fields))
	data, err := json.Marshal(fields)
	if err != nil {
		data = []byte("{}")
	}
	if err := s.store.AppendEvent(ctx, &store.Event{TaskID: taskID, Kind: kind, Data: data}); err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Str("kind", string(kind)).Msg("failed to persist event")
	}
}

// Reset re-opens a FAILED task for execution, per spec.md §4.5's explicit
// re-opening policy.
func (s *Scheduler) Reset(ctx context.Context, taskID string) error {
	if err := s.store.Reset(ctx, taskID); err != nil {
		return err
	}
	t, err := s.store.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.graph.AddTask(dag.Node{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt, State: t.State})
	return nil
}

// RemoveTask deletes a task, forbidden while a lease is active.
func (s *Scheduler) RemoveTask(ctx context.Context, taskID string) error {
	if err := s.store.RemoveTask(ctx, taskID); err != nil {
		return err
	}
	s.graph.RemoveTask(taskID)
	return nil
}

// AddDependency adds a hard or soft edge, validating acyclicity against
// the in-memory graph inside the same store transaction so the two never
// diverge on a rejected mutation.
func (s *Scheduler) AddDependency(ctx context.Context, taskID, dependsOnID string, kind store.DependencyKind) error {
	err := s.store.AddDependency(ctx, taskID, dependsOnID, kind, func() error {
		if kind == store.DependencyHard && s.graph.WouldCreateCycle(taskID, dependsOnID) {
			return store.ErrWouldCycle(fmt.Sprintf("%s -> %s would close a cycle", taskID, dependsOnID))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.graph.AddDependency(taskID, dependsOnID, kind)
}

// RemoveDependency removes an edge from both the store and the graph.
func (s *Scheduler) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	if err := s.store.RemoveDependency(ctx, taskID, dependsOnID); err != nil {
		return err
	}
	s.graph.RemoveDependency(taskID, dependsOnID)
	return nil
}

// UpsertTask registers or updates a task in both the store and the graph.
func (s *Scheduler) UpsertTask(ctx context.Context, t *store.Task) error {
	if err := s.store.UpsertTask(ctx, t); err != nil {
		return err
	}
	s.graph.AddTask(dag.Node{ID: t.ID, Priority: t.Priority, CreatedAt: t.CreatedAt, State: t.State})
	return nil
}

