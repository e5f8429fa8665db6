// Package dag maintains the in-memory dependency graph (component C4)
// kept synchronized with the store's task_dependencies rows. It never
// holds cross-component task references; every node is addressed by its
// task_id string and looked up through the Store when full task data is
// needed, per spec.md §9's note on cyclic data structures.
//
// Grounded on the teacher's single-writer/multi-reader resource policy
// (control_plane/scheduler's RWMutex-guarded maps) generalized to a
// directed graph; no teacher file implements a dependency graph directly,
// so the traversal algorithms (Kahn topological sort, three-color DFS
// cycle detection) follow the textbook shapes spec.md §4.4 names.
package dag

import (
	"fmt"
	"sync"

	"github.com/beadforge/mafcore/store"
)

// Node is one task's view inside the graph: just enough to order and
// filter without re-fetching from the store on every traversal.
type Node struct {
	ID        string
	Priority  int
	CreatedAt int64
	State     store.TaskState
}

// edge is an adjacency entry: TaskID depends on DependsOnID.
type edge struct {
	to   string // depends_on_task_id
	kind store.DependencyKind
}

// Graph is the in-memory adjacency-list dependency graph.
type Graph struct {
	mu sync.RWMutex

	nodes map[string]*Node
	// out[t] lists the tasks t depends on (its predecessors).
	out map[string][]edge
	// in[t] lists the tasks that depend on t (its successors).
	in map[string][]edge

	cacheValid bool
	cached     ValidationResult
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		out:   make(map[string][]edge),
		in:    make(map[string][]edge),
	}
}

// AddTask registers or updates a node. Idempotent.
func (g *Graph) AddTask(n Node) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[n.ID] = &n
	g.invalidateLocked()
}

// UpdateState changes a node's state in place, leaving priority and
// created_at untouched. A no-op if the node is not registered.
func (g *Graph) UpdateState(id string, state store.TaskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.State = state
		g.invalidateLocked()
	}
}

// RemoveTask deletes a node and every edge incident to it, in either
// direction.
func (g *Graph) RemoveTask(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)

	for _, e := range g.out[id] {
		g.in[e.to] = removeEdge(g.in[e.to], id)
	}
	delete(g.out, id)

	for _, e := range g.in[id] {
		g.out[e.to] = removeEdge(g.out[e.to], id)
	}
	delete(g.in, id)

	g.invalidateLocked()
}

func removeEdge(edges []edge, to string) []edge {
	out := edges[:0]
	for _, e := range edges {
		if e.to != to {
			out = append(out, e)
		}
	}
	return out
}

// AddDependency records that task depends on predecessor. Self-loops
// always fail. Hard edges are rejected with ErrWouldCycle if they would
// close a directed cycle among hard edges; soft edges never cycle-check
// since they do not gate execution.
func (g *Graph) AddDependency(task, predecessor string, kind store.DependencyKind) error {
	if task == predecessor {
		return store.ErrWouldCycle("self-dependency")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if kind == store.DependencyHard {
		if g.wouldCreateCycleLocked(task, predecessor) {
			return store.ErrWouldCycle(fmt.Sprintf("%s -> %s would close a cycle", task, predecessor))
		}
	}

	g.out[task] = upsertEdge(g.out[task], predecessor, kind)
	g.in[predecessor] = upsertEdge(g.in[predecessor], task, kind)
	g.invalidateLocked()
	return nil
}

func upsertEdge(edges []edge, to string, kind store.DependencyKind) []edge {
	for i, e := range edges {
		if e.to == to {
			edges[i].kind = kind
			return edges
		}
	}
	return append(edges, edge{to: to, kind: kind})
}

// RemoveDependency deletes the edge task -> predecessor in both
// directions.
func (g *Graph) RemoveDependency(task, predecessor string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.out[task] = removeEdge(g.out[task], predecessor)
	g.in[predecessor] = removeEdge(g.in[predecessor], task)
	g.invalidateLocked()
}

// WouldCreateCycle is the pure predicate: would adding task -> predecessor
// close a directed cycle among hard edges? Equivalent to asking whether
// task is reachable from predecessor via existing hard edges.
func (g *Graph) WouldCreateCycle(task, predecessor string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.wouldCreateCycleLocked(task, predecessor)
}

func (g *Graph) wouldCreateCycleLocked(task, predecessor string) bool {
	if task == predecessor {
		return true
	}
	visited := make(map[string]bool)
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == task {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, e := range g.out[n] {
			if e.kind != store.DependencyHard {
				continue
			}
			if dfs(e.to) {
				return true
			}
		}
		return false
	}
	return dfs(predecessor)
}

func (g *Graph) invalidateLocked() {
	g.cacheValid = false
}
