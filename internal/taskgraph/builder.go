package taskgraph

import (
	"fmt"
	"sort"
	"strings"

	"orchard/internal/pipeline"
	"orchard/internal/workspace"
)

// Builder expands requested tasks against the workspace and the resolved
// pipeline.
type Builder struct {
	Workspace *workspace.Graph
	Resolver  *pipeline.Resolver
}

// Build produces the task graph for the requested task names, scoped by
// --filter expressions. Filters narrow only the entry nodes; expansion still
// pulls in every prerequisite the entries need, in or out of scope.
func (b *Builder) Build(tasks []string, filters []string) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, graphErrorf("no tasks requested")
	}
	var missing []string
	for _, task := range tasks {
		if !b.Resolver.TaskDefined(task) {
			missing = append(missing, task)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, graphErrorf("task(s) not defined in any pipeline entry: %s", strings.Join(missing, ", "))
	}

	targets, err := b.Workspace.ResolveFilters(filters)
	if err != nil {
		return nil, graphErrorf("%v", err)
	}

	g := &Graph{
		nodes:      make(map[string]*Node),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	var queue []string
	add := func(pkg, task string) (string, bool) {
		def, ok := b.Resolver.Get(pkg, task)
		if !ok {
			return "", false
		}
		p, _ := b.Workspace.Package(pkg)
		cmd, ok := p.Scripts[task]
		if !ok {
			return "", false
		}
		id := NodeID(pkg, task)
		if _, exists := g.nodes[id]; !exists {
			g.nodes[id] = &Node{Package: pkg, Task: task, Definition: def, Command: cmd}
			queue = append(queue, id)
		}
		return id, true
	}

	entrySeen := make(map[string]bool)
	for _, task := range tasks {
		for _, pkg := range targets {
			if id, ok := add(pkg, task); ok && !entrySeen[id] {
				entrySeen[id] = true
				g.entries = append(g.entries, id)
			}
		}
	}

	edges := make(map[string]map[string]bool)
	link := func(from, to string) {
		if edges[to] == nil {
			edges[to] = make(map[string]bool)
		}
		edges[to][from] = true
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := g.nodes[id]
		for _, ref := range node.Definition.DependsOn {
			switch ref.Kind {
			case pipeline.RefSelf:
				if dep, ok := add(node.Package, ref.Task); ok {
					link(dep, id)
				}
			case pipeline.RefUpstream:
				for _, upstream := range b.Workspace.Dependencies(node.Package) {
					if dep, ok := add(upstream, ref.Task); ok {
						link(dep, id)
					}
				}
			case pipeline.RefExplicit:
				if _, ok := b.Workspace.Package(ref.Package); !ok {
					return nil, &pipeline.ConfigError{Msg: fmt.Sprintf(
						"task %s depends on %q: package %q does not exist", id, ref, ref.Package)}
				}
				if _, ok := b.Resolver.Get(ref.Package, ref.Task); !ok {
					return nil, &pipeline.ConfigError{Msg: fmt.Sprintf(
						"task %s depends on %q: task %q is not defined for package %q", id, ref, ref.Task, ref.Package)}
				}
				// Defined but script-less packages contribute no edge,
				// matching the upstream-expansion rule.
				if dep, ok := add(ref.Package, ref.Task); ok {
					link(dep, id)
				}
			}
		}
	}

	g.ids = make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)
	sort.Strings(g.entries)
	for to, froms := range edges {
		deps := make([]string, 0, len(froms))
		for from := range froms {
			deps = append(deps, from)
		}
		sort.Strings(deps)
		g.deps[to] = deps
		for _, from := range deps {
			g.dependents[from] = append(g.dependents[from], to)
		}
	}
	for _, list := range g.dependents {
		sort.Strings(list)
	}

	if chain := g.findCycle(); chain != nil {
		return nil, &CycleError{Chain: chain}
	}
	return g, nil
}

// findCycle runs a deterministic three-color DFS over dependency edges and
// returns the first cycle's witness chain, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var chain []string
	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		chain = append(chain, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case gray:
				for i, n := range chain {
					if n == dep {
						return append(append([]string(nil), chain[i:]...), dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		color[id] = black
		chain = chain[:len(chain)-1]
		return nil
	}
	for _, id := range g.ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}
