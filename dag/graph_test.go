package dag

import (
	"testing"

	"github.com/beadforge/mafcore/store"
)

func addNode(g *Graph, id string, priority int, createdAt int64, state store.TaskState) {
	g.AddTask(Node{ID: id, Priority: priority, CreatedAt: createdAt, State: state})
}

func TestAddDependencyRejectsSelfLoop(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	if err := g.AddDependency("t1", "t1", store.DependencyHard); !store.Is(err, store.KindWouldCycle) {
		t.Fatalf("expected WouldCycle, got %v", err)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)
	addNode(g, "t3", 0, 3, store.TaskReady)

	if err := g.AddDependency("t2", "t1", store.DependencyHard); err != nil {
		t.Fatalf("t2->t1: %v", err)
	}
	if err := g.AddDependency("t3", "t2", store.DependencyHard); err != nil {
		t.Fatalf("t3->t2: %v", err)
	}

	before := g.Validate()
	err := g.AddDependency("t1", "t3", store.DependencyHard)
	if !store.Is(err, store.KindWouldCycle) {
		t.Fatalf("expected WouldCycle for t1->t3, got %v", err)
	}
	after := g.Validate()
	if len(before.SortedTasks) != len(after.SortedTasks) {
		t.Fatalf("graph should be unchanged after rejected mutation: before=%v after=%v", before.SortedTasks, after.SortedTasks)
	}
}

func TestValidateDeterministicTieBreak(t *testing.T) {
	g := New()
	addNode(g, "c", 1, 100, store.TaskReady)
	addNode(g, "a", 1, 100, store.TaskReady)
	addNode(g, "b", 1, 100, store.TaskReady)

	result := g.Validate()
	if !result.IsValid {
		t.Fatalf("expected valid graph, got errors: %v", result.Errors)
	}
	want := []string{"a", "b", "c"}
	if len(result.SortedTasks) != 3 {
		t.Fatalf("expected 3 sorted tasks, got %v", result.SortedTasks)
	}
	for i, id := range want {
		if result.SortedTasks[i] != id {
			t.Fatalf("expected lexicographic tie-break %v, got %v", want, result.SortedTasks)
		}
	}
}

func TestExecutableTasksIgnoreSoftDependencies(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)
	if err := g.AddDependency("t2", "t1", store.DependencySoft); err != nil {
		t.Fatalf("add soft dep: %v", err)
	}

	exec := g.ExecutableTasks()
	found := false
	for _, id := range exec {
		if id == "t2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected t2 executable despite incomplete soft predecessor, got %v", exec)
	}
}

func TestExecutableTasksGatedByHardDependency(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)
	if err := g.AddDependency("t2", "t1", store.DependencyHard); err != nil {
		t.Fatalf("add hard dep: %v", err)
	}

	exec := g.ExecutableTasks()
	for _, id := range exec {
		if id == "t2" {
			t.Fatalf("t2 should not be executable until t1 is COMPLETED, got %v", exec)
		}
	}

	g.AddTask(Node{ID: "t1", Priority: 0, CreatedAt: 1, State: store.TaskCompleted})
	exec = g.ExecutableTasks()
	found := false
	for _, id := range exec {
		if id == "t2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected t2 executable once t1 COMPLETED, got %v", exec)
	}
}

func TestRemoveTaskRemovesIncidentEdges(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)
	if err := g.AddDependency("t2", "t1", store.DependencyHard); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	g.RemoveTask("t1")

	result := g.Validate()
	if len(result.MissingDependencies) != 0 || len(result.OrphanedTasks) != 1 || result.OrphanedTasks[0] != "t2" {
		t.Fatalf("expected no edge left pointing at t1 and t2 orphaned after removal, got missing=%+v orphaned=%+v", result.MissingDependencies, result.OrphanedTasks)
	}
}

func TestRoundTripAddRemoveDependencyRestoresGraph(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)

	before := g.Validate()
	if err := g.AddDependency("t2", "t1", store.DependencyHard); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	g.RemoveDependency("t2", "t1")
	after := g.Validate()

	if len(before.SortedTasks) != len(after.SortedTasks) {
		t.Fatalf("round-trip should restore prior validate() output: before=%v after=%v", before, after)
	}
}

func TestWouldCreateCycleIsPure(t *testing.T) {
	g := New()
	addNode(g, "t1", 0, 1, store.TaskReady)
	addNode(g, "t2", 0, 2, store.TaskReady)
	if err := g.AddDependency("t2", "t1", store.DependencyHard); err != nil {
		t.Fatalf("add dep: %v", err)
	}

	if !g.WouldCreateCycle("t1", "t2") {
		t.Fatal("expected t1->t2 to be reported as cycle-forming")
	}
	result := g.Validate()
	if !result.IsValid {
		t.Fatalf("predicate call must not mutate graph, got invalid: %+v", result)
	}
}
