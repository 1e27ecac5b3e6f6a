// Package taskgraph expands a requested task set into the DAG of concrete
// (package, task) nodes for one run. Nodes exist only when the pipeline
// resolves a definition and the package declares the script; edges follow the
// resolved dependsOn references.
package taskgraph

import (
	"container/heap"
	"sort"

	"orchard/internal/pipeline"
)

// NodeID forms the canonical node identity "pkg#task".
func NodeID(pkg, task string) string {
	return pkg + "#" + task
}

// Node is one (package, task) vertex. Hash is empty until assigned; nothing
// else mutates after the graph is built.
type Node struct {
	Package    string
	Task       string
	Definition pipeline.Definition
	Command    string
	Hash       string
}

func (n *Node) ID() string { return NodeID(n.Package, n.Task) }

// Persistent reports whether the node's task never exits on its own.
func (n *Node) Persistent() bool { return n.Definition.Persistent }

// Graph is the immutable result of expansion. All ID slices are sorted.
type Graph struct {
	nodes      map[string]*Node
	ids        []string
	deps       map[string][]string // node -> prerequisites
	dependents map[string][]string // node -> nodes that require it
	entries    []string            // nodes created directly from the request
}

func (g *Graph) Len() int { return len(g.nodes) }

// IDs returns every node ID in sorted order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.ids...)
}

// Entries returns the IDs of the nodes the request asked for directly.
func (g *Graph) Entries() []string {
	return append([]string(nil), g.entries...)
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Dependencies returns the direct prerequisites of id, sorted.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the nodes that directly require id, sorted.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// TransitiveDependents returns every node reachable from id along dependent
// edges, sorted. Used to propagate skips after a failure.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				queue = append(queue, d)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TopologicalOrder returns all node IDs such that every node appears after
// its prerequisites. Ties resolve lexicographically, so the order is
// deterministic for a given graph.
func (g *Graph) TopologicalOrder() []string {
	indeg := make(map[string]int, len(g.nodes))
	for _, id := range g.ids {
		indeg[id] = len(g.deps[id])
	}
	h := &stringHeap{}
	heap.Init(h)
	for _, id := range g.ids {
		if indeg[id] == 0 {
			heap.Push(h, id)
		}
	}
	out := make([]string, 0, len(g.nodes))
	for h.Len() > 0 {
		id := heap.Pop(h).(string)
		out = append(out, id)
		for _, d := range g.dependents[id] {
			indeg[d]--
			if indeg[d] == 0 {
				heap.Push(h, d)
			}
		}
	}
	return out
}

// Waves groups nodes by dependency depth: wave 0 has no prerequisites, wave
// n+1 depends only on waves <= n. Within a wave IDs are sorted.
func (g *Graph) Waves() [][]string {
	depth := make(map[string]int, len(g.nodes))
	for _, id := range g.TopologicalOrder() {
		d := 0
		for _, dep := range g.deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
	}
	max := -1
	for _, d := range depth {
		if d > max {
			max = d
		}
	}
	waves := make([][]string, max+1)
	for _, id := range g.ids {
		waves[depth[id]] = append(waves[depth[id]], id)
	}
	return waves
}

type stringHeap []string

func (h stringHeap) Len() int            { return len(h) }
func (h stringHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stringHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stringHeap) Push(x any)         { *h = append(*h, x.(string)) }
func (h *stringHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
