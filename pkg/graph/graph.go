// Package graph builds and maintains the execution graph: an adjacency
// projection of a plan's stages used to compute readiness, detect cycles,
// and produce a topological order. The graph is a derived view; the Stage
// Store remains the source of truth (see pkg/stagestore).
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cosmix/loom/pkg/types"
)

// Node is one stage's projection inside the execution graph.
type Node struct {
	ID            string
	Name          string
	Dependencies  []string
	Dependents    []string
	ParallelGroup string
	Status        types.NodeStatus
}

// Graph is the adjacency model of a plan's stages.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// Build constructs a Graph from stage definitions in two passes: the first
// creates nodes, the second builds the reverse-adjacency (dependents) map.
// Construction fails if any dependency reference is unresolved or a cycle
// exists.
func Build(defs []types.StageDefinition) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(defs))}

	for _, d := range defs {
		g.nodes[d.ID] = &Node{
			ID:            d.ID,
			Name:          d.Name,
			Dependencies:  append([]string(nil), d.Dependencies...),
			ParallelGroup: d.ParallelGroup,
			Status:        types.NodePending,
		}
	}

	for _, n := range g.nodes {
		for _, dep := range n.Dependencies {
			depNode, ok := g.nodes[dep]
			if !ok {
				return nil, &types.GraphError{Reason: fmt.Sprintf("stage %q depends on unknown stage %q", n.ID, dep)}
			}
			depNode.Dependents = append(depNode.Dependents, n.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, &types.GraphError{Reason: "cycle detected", Cycle: cycle}
	}

	g.recomputeReady()
	return g, nil
}

// findCycle runs a DFS with a recursion stack over every node and returns
// the first cycle path found, or nil if the graph is acyclic.
func (g *Graph) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		n := g.nodes[id]
		for _, dep := range n.Dependencies {
			if onStack[dep] {
				idx := indexOf(path, dep)
				return append(append([]string(nil), path[idx:]...), dep)
			}
			if !visited[dep] {
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
		return nil
	}

	ids := g.sortedIDs()
	for _, id := range ids {
		if !visited[id] {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// allDependenciesComplete reports whether every dependency of id is
// Completed in the graph projection. Caller must hold g.mu.
func (g *Graph) allDependenciesComplete(id string) bool {
	n := g.nodes[id]
	for _, dep := range n.Dependencies {
		if g.nodes[dep].Status != types.NodeCompleted {
			return false
		}
	}
	return true
}

// recomputeReady promotes every Pending node whose dependencies are all
// Completed to Ready. Idempotent: running it twice with no intervening state
// change yields the same Ready set. Caller must hold g.mu.
func (g *Graph) recomputeReady() []string {
	var newlyReady []string
	for _, id := range g.sortedIDs() {
		n := g.nodes[id]
		if n.Status == types.NodePending && g.allDependenciesComplete(id) {
			n.Status = types.NodeReady
			newlyReady = append(newlyReady, id)
		}
	}
	return newlyReady
}

// ReadyStages returns the ids of every node currently in state Ready, sorted
// lexicographically for deterministic tie-breaking.
func (g *Graph) ReadyStages() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for _, id := range g.sortedIDs() {
		if g.nodes[id].Status == types.NodeReady {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkExecuting transitions id from Ready to Executing. It is an error to
// call this from any other status.
func (g *Graph) MarkExecuting(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return &types.StageNotFound{StageID: id}
	}
	if n.Status != types.NodeReady {
		return &types.InvalidTransition{StageID: id, From: types.StageStatus(n.Status), To: types.StatusExecuting}
	}
	n.Status = types.NodeExecuting
	return nil
}

// MarkCompleted transitions id to Completed and recomputes readiness for the
// nodes it unblocks, returning their ids.
func (g *Graph) MarkCompleted(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil, &types.StageNotFound{StageID: id}
	}
	n.Status = types.NodeCompleted
	return g.recomputeReady(), nil
}

// MarkBlocked transitions id to Blocked and cascades Blocked to every
// transitive dependent, since their dependencies can now never complete.
func (g *Graph) MarkBlocked(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return &types.StageNotFound{StageID: id}
	}
	n.Status = types.NodeBlocked
	g.cascadeBlocked(id)
	return nil
}

func (g *Graph) cascadeBlocked(id string) {
	for _, dep := range g.nodes[id].Dependents {
		depNode := g.nodes[dep]
		if depNode.Status != types.NodeBlocked && depNode.Status != types.NodeCompleted {
			depNode.Status = types.NodeBlocked
			g.cascadeBlocked(dep)
		}
	}
}

// TopologicalSort returns stage ids in a valid topological order using
// Kahn's algorithm. It fails (re-confirming the earlier cycle check) if any
// node remains unvisited.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[string]int, len(g.nodes))
	for id, n := range g.nodes {
		inDegree[id] = len(n.Dependencies)
	}

	var queue []string
	for _, id := range g.sortedIDs() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		sort.Strings(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		dependents := append([]string(nil), g.nodes[id].Dependents...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &types.GraphError{Reason: "topological sort did not visit every node; cycle present"}
	}
	return order, nil
}

// ParallelGroup returns the ids of every node tagged with the given parallel
// group name, in lexicographic order.
func (g *Graph) ParallelGroup(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for _, id := range g.sortedIDs() {
		if g.nodes[id].ParallelGroup == name {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsComplete reports whether every node is Completed or Blocked.
func (g *Graph) IsComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		if n.Status != types.NodeCompleted && n.Status != types.NodeBlocked {
			return false
		}
	}
	return true
}

// Node returns a copy of the node for id, or nil if absent.
func (g *Graph) Node(id string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	cp := *n
	return &cp
}

// SyncStatus sets the graph projection's status for id to reflect an
// externally-observed Stage status, without re-deriving readiness. Used by
// the orchestrator after re-reading stage files from disk.
func (g *Graph) SyncStatus(id string, status types.NodeStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return &types.StageNotFound{StageID: id}
	}
	n.Status = status
	return nil
}
