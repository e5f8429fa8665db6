package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/beadforge/mafcore/store"
)

// Cycle is one detected cyclic component, listed as the ordered path from
// its first repeated node back to itself.
type Cycle struct {
	Path []string
}

// ValidationResult is the full shape returned by Validate.
type ValidationResult struct {
	IsValid             bool
	Cycles              []Cycle
	MissingDependencies []string // depends_on ids with no corresponding node
	OrphanedTasks       []string // nodes with no edges in either direction
	SortedTasks         []string // Kahn topological order over hard edges
	Errors              []string
}

// Statistics summarizes the graph's shape.
type Statistics struct {
	TotalTasks      int
	HardEdges       int
	SoftEdges       int
	MaxDepth        int
	CyclicComponents int
}

const (
	white = 0
	grey  = 1
	black = 2
)

// Validate runs cycle detection and a deterministic topological sort over
// hard edges. Ties break by (ascending priority, ascending created_at,
// lexicographic id).
func (g *Graph) Validate() ValidationResult {
	g.mu.RLock()
	if g.cacheValid {
		result := g.cached
		g.mu.RUnlock()
		return result
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	// Re-check under the write lock: another writer may have validated
	// and populated the cache between our RUnlock and Lock.
	if g.cacheValid {
		return g.cached
	}

	result := g.computeValidationLocked()
	g.cached = result
	g.cacheValid = true
	return result
}

func (g *Graph) computeValidationLocked() ValidationResult {
	var result ValidationResult

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	// Missing dependencies: any edge target without a registered node.
	missing := make(map[string]bool)
	for _, edges := range g.out {
		for _, e := range edges {
			if _, ok := g.nodes[e.to]; !ok {
				missing[e.to] = true
			}
		}
	}
	for id := range missing {
		result.MissingDependencies = append(result.MissingDependencies, id)
	}
	sort.Strings(result.MissingDependencies)

	// Orphaned tasks: nodes with no incident edges at all.
	for _, id := range ids {
		if len(g.out[id]) == 0 && len(g.in[id]) == 0 {
			result.OrphanedTasks = append(result.OrphanedTasks, id)
		}
	}

	cycles := g.detectCyclesLocked(ids)
	result.Cycles = cycles
	if len(cycles) > 0 {
		for _, c := range cycles {
			result.Errors = append(result.Errors, fmt.Sprintf("cycle detected: %v", c.Path))
		}
		result.IsValid = false
		return result
	}

	sortedTasks, err := g.topoSortLocked(ids)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.IsValid = false
		return result
	}
	result.SortedTasks = sortedTasks
	result.IsValid = true
	return result
}

// detectCyclesLocked runs three-color DFS over hard edges from every node,
// reporting the path forming a cycle the first time a grey node is
// revisited.
func (g *Graph) detectCyclesLocked(ids []string) []Cycle {
	color := make(map[string]int, len(ids))
	var stack []string
	var cycles []Cycle

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, e := range g.out[n] {
			if e.kind != store.DependencyHard {
				continue
			}
			switch color[e.to] {
			case white:
				if visit(e.to) {
					return true
				}
			case grey:
				start := 0
				for i, s := range stack {
					if s == e.to {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), e.to)
				cycles = append(cycles, Cycle{Path: path})
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// topoSortLocked implements Kahn's algorithm over hard edges only, with a
// deterministic tie-break among simultaneously-available nodes.
func (g *Graph) topoSortLocked(ids []string) ([]string, error) {
	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		indegree[id] = 0
	}
	for _, id := range ids {
		for _, e := range g.out[id] {
			if e.kind == store.DependencyHard {
				indegree[id]++
			}
		}
	}

	ready := make([]string, 0)
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	less := func(a, b string) bool {
		na, nb := g.nodes[a], g.nodes[b]
		if na.Priority != nb.Priority {
			return na.Priority < nb.Priority
		}
		if na.CreatedAt != nb.CreatedAt {
			return na.CreatedAt < nb.CreatedAt
		}
		return a < b
	}

	var sorted []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)

		for _, e := range g.in[n] {
			if e.kind != store.DependencyHard {
				continue
			}
			indegree[e.to]--
			if indegree[e.to] == 0 {
				ready = append(ready, e.to)
			}
		}
	}

	if len(sorted) != len(ids) {
		return nil, fmt.Errorf("dag: topological sort could not order all %d nodes (cycle not caught earlier)", len(ids))
	}
	return sorted, nil
}

// ExecutableTasks returns every READY task whose hard predecessors are all
// COMPLETED. Soft dependencies never gate execution.
func (g *Graph) ExecutableTasks() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for id, n := range g.nodes {
		if n.State != store.TaskReady {
			continue
		}
		if g.allHardPredecessorsCompletedLocked(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (g *Graph) allHardPredecessorsCompletedLocked(id string) bool {
	for _, e := range g.out[id] {
		if e.kind != store.DependencyHard {
			continue
		}
		pred, ok := g.nodes[e.to]
		if !ok || pred.State != store.TaskCompleted {
			return false
		}
	}
	return true
}

// BlockedTasks returns tasks with at least one hard predecessor not yet
// COMPLETED. If filter is non-empty, results are restricted to that set.
func (g *Graph) BlockedTasks(filter map[string]bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for id := range g.nodes {
		if filter != nil && !filter[id] {
			continue
		}
		if !g.allHardPredecessorsCompletedLocked(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Statistics reports totals, edge-kind counts, max depth, and the number
// of cyclic components currently in the graph.
func (g *Graph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Statistics{TotalTasks: len(g.nodes)}
	for _, edges := range g.out {
		for _, e := range edges {
			if e.kind == store.DependencyHard {
				stats.HardEdges++
			} else {
				stats.SoftEdges++
			}
		}
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	stats.CyclicComponents = len(g.detectCyclesLocked(ids))

	depth := make(map[string]int)
	var maxDepth int
	var depthOf func(string, map[string]bool) int
	depthOf = func(id string, visiting map[string]bool) int {
		if d, ok := depth[id]; ok {
			return d
		}
		if visiting[id] {
			return 0 // cyclic; do not recurse infinitely
		}
		visiting[id] = true
		best := 0
		for _, e := range g.out[id] {
			if e.kind != store.DependencyHard {
				continue
			}
			if d := depthOf(e.to, visiting) + 1; d > best {
				best = d
			}
		}
		delete(visiting, id)
		depth[id] = best
		if best > maxDepth {
			maxDepth = best
		}
		return best
	}
	for _, id := range ids {
		depthOf(id, make(map[string]bool))
	}
	stats.MaxDepth = maxDepth

	return stats
}

// CacheKey computes the hash of (sorted edge list, sorted task states)
// that a caller may use to key an external validation cache. The Graph's
// own Validate() already caches on mutation; this is exposed for callers
// that persist validation results outside the process.
func (g *Graph) CacheKey() string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "n:%s:%s;", id, g.nodes[id].State)
		edges := append([]edge{}, g.out[id]...)
		sort.Slice(edges, func(i, j int) bool { return edges[i].to < edges[j].to })
		for _, e := range edges {
			fmt.Fprintf(h, "e:%s->%s:%s;", id, e.to, e.kind)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
