package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustUpsert(t *testing.T, s *Store, id string) *Task {
	t.Helper()
	ctx := context.Background()
	task := &Task{ID: id, Title: id, State: TaskReady}
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	loaded, err := s.LoadTask(ctx, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return loaded
}

func TestUpsertAndLoadTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := mustUpsert(t, s, "bd-1")
	if task.State != TaskReady {
		t.Fatalf("expected READY, got %s", task.State)
	}

	task.Priority = 5
	if err := s.UpsertTask(ctx, task); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	reloaded, err := s.LoadTask(ctx, "bd-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Priority != 5 {
		t.Fatalf("expected priority to persist across upsert, got %d", reloaded.Priority)
	}
}

func TestLoadTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.LoadTask(context.Background(), "bd-missing"); !Is(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestUpdateTaskStateCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	if err := s.UpdateTaskState(ctx, "bd-1", TaskReady, TaskReserved); err != nil {
		t.Fatalf("expected CAS to succeed: %v", err)
	}
	if err := s.UpdateTaskState(ctx, "bd-1", TaskReady, TaskReserved); !Is(err, KindContended) {
		t.Fatalf("expected Contended on stale CAS, got %v", err)
	}
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	err := s.AddDependency(ctx, "bd-1", "bd-1", DependencyHard, nil)
	if !Is(err, KindWouldCycle) {
		t.Fatalf("expected WouldCycle, got %v", err)
	}
}

func TestAddDependencyInvokesCycleCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")
	mustUpsert(t, s, "bd-2")

	called := false
	err := s.AddDependency(ctx, "bd-1", "bd-2", DependencyHard, func() error {
		called = true
		return ErrWouldCycle("would close a cycle")
	})
	if !called {
		t.Fatal("expected cycle check closure to be invoked")
	}
	if !Is(err, KindWouldCycle) {
		t.Fatalf("expected WouldCycle from callback, got %v", err)
	}

	deps, err := s.ListDependencies(ctx, "bd-1")
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("rejected edge must not be persisted, got %d edges", len(deps))
	}
}

func TestAddDependencyIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")
	mustUpsert(t, s, "bd-2")

	for i := 0; i < 2; i++ {
		if err := s.AddDependency(ctx, "bd-1", "bd-2", DependencyHard, nil); err != nil {
			t.Fatalf("add dependency attempt %d: %v", i, err)
		}
	}
	deps, err := s.ListDependencies(ctx, "bd-1")
	if err != nil {
		t.Fatalf("list dependencies: %v", err)
	}
	if len(deps) != 1 {
		t.Fatalf("expected exactly one edge after repeated add, got %d", len(deps))
	}

	dependents, err := s.ListDependents(ctx, "bd-2")
	if err != nil {
		t.Fatalf("list dependents: %v", err)
	}
	if len(dependents) != 1 || dependents[0].TaskID != "bd-1" {
		t.Fatalf("expected bd-1 as dependent of bd-2, got %+v", dependents)
	}
}

func TestTryReserveAtMostOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	lease, err := s.TryReserve(ctx, "agent-a", "bd-1", time.Minute)
	if err != nil {
		t.Fatalf("first reserve should win: %v", err)
	}
	if lease.AgentID != "agent-a" {
		t.Fatalf("expected agent-a to hold lease, got %s", lease.AgentID)
	}

	if _, err := s.TryReserve(ctx, "agent-b", "bd-1", time.Minute); !Is(err, KindContended) {
		t.Fatalf("expected second reserve to be Contended, got %v", err)
	}

	task, err := s.LoadTask(ctx, "bd-1")
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.State != TaskReserved {
		t.Fatalf("expected RESERVED, got %s", task.State)
	}
}

func TestRenewLeaseRejectsWrongAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	if _, err := s.TryReserve(ctx, "agent-a", "bd-1", time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.RenewLease(ctx, "agent-b", "bd-1", time.Now().Add(time.Minute)); !Is(err, KindLeaseLost) {
		t.Fatalf("expected LeaseLost for wrong agent, got %v", err)
	}
	if err := s.RenewLease(ctx, "agent-a", "bd-1", time.Now().Add(2*time.Minute)); err != nil {
		t.Fatalf("expected renewal by owning agent to succeed: %v", err)
	}
}

func TestReleaseLeaseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	if _, err := s.TryReserve(ctx, "agent-a", "bd-1", time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.ReleaseLease(ctx, "agent-a", "bd-1", TaskCompleted); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := s.ReleaseLease(ctx, "agent-a", "bd-1", TaskCompleted); err != nil {
		t.Fatalf("expected second release to be a no-op, got %v", err)
	}
	task, err := s.LoadTask(ctx, "bd-1")
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.State != TaskCompleted {
		t.Fatalf("expected COMPLETED, got %s", task.State)
	}
}

func TestReclaimExpiredRequeuesAndIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	if _, err := s.TryReserve(ctx, "agent-a", "bd-1", -time.Second); err != nil {
		t.Fatalf("reserve with already-expired ttl: %v", err)
	}

	reclaimed, err := s.ReclaimExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].TaskID != "bd-1" || reclaimed[0].PriorAgent != "agent-a" {
		t.Fatalf("unexpected reclaim result: %+v", reclaimed)
	}

	task, err := s.LoadTask(ctx, "bd-1")
	if err != nil {
		t.Fatalf("load task: %v", err)
	}
	if task.State != TaskReady {
		t.Fatalf("expected READY after reclaim, got %s", task.State)
	}
	if task.Attempts != 1 {
		t.Fatalf("expected attempts incremented to 1, got %d", task.Attempts)
	}
}

func TestReservationConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AcquireReservation(ctx, "internal/store/sqlite.go", "agent-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err := s.AcquireReservation(ctx, "internal/store/sqlite.go", "agent-b", time.Minute)
	var ferr *Error
	if !Is(err, KindConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	if errAs(err, &ferr) && len(ferr.Paths) != 1 {
		t.Fatalf("expected one conflicting path, got %v", ferr.Paths)
	}

	// Same agent re-acquiring its own reservation is not a conflict.
	if err := s.AcquireReservation(ctx, "internal/store/sqlite.go", "agent-a", time.Minute); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
}

func TestReservationReleaseThenReacquire(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AcquireReservation(ctx, "f.go", "agent-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.ReleaseReservation(ctx, "f.go", "agent-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	// Releasing again is a no-op, not an error.
	if err := s.ReleaseReservation(ctx, "f.go", "agent-a"); err != nil {
		t.Fatalf("expected idempotent release, got %v", err)
	}
	if err := s.AcquireReservation(ctx, "f.go", "agent-b", time.Minute); err != nil {
		t.Fatalf("expected re-acquire after release to succeed: %v", err)
	}
}

func TestAppendEventOrdersMonotonicallyPerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustUpsert(t, s, "bd-1")

	first := &Event{TaskID: "bd-1", Timestamp: 1000, Kind: EventQueued}
	second := &Event{TaskID: "bd-1", Timestamp: 1000, Kind: EventAllowed}
	if err := s.AppendEvent(ctx, first); err != nil {
		t.Fatalf("append first: %v", err)
	}
	if err := s.AppendEvent(ctx, second); err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.Timestamp <= first.Timestamp {
		t.Fatalf("expected second event to be bumped strictly after first, got %d <= %d", second.Timestamp, first.Timestamp)
	}

	events, err := s.ListEvents(ctx, "bd-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Kind != EventQueued || events[1].Kind != EventAllowed {
		t.Fatalf("unexpected event order: %+v", events)
	}
}

func errAs(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
