package run

import (
	"fmt"
	"strings"

	"orchard/internal/taskgraph"
)

// Graph resolves the task graph exactly as a run would and prints it in
// topological order, one node per line with its direct dependencies.
// Nothing is hashed and nothing executes.
func Graph(opts Options) int {
	prj, err := loadProject(opts.Root)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError
	}
	builder := &taskgraph.Builder{Workspace: prj.ws, Resolver: prj.resolver}
	graph, err := builder.Build(opts.Tasks, opts.Filters)
	if err != nil {
		fmt.Fprintf(opts.stderr(), "orchard: %v\n", err)
		return ExitConfigError
	}
	if graph.Len() == 0 {
		fmt.Fprintf(opts.stdout(), "No tasks matched %v\n", opts.Tasks)
		return ExitOK
	}
	for _, id := range graph.TopologicalOrder() {
		deps := graph.Dependencies(id)
		if len(deps) == 0 {
			fmt.Fprintln(opts.stdout(), id)
			continue
		}
		fmt.Fprintf(opts.stdout(), "%s <- %s\n", id, strings.Join(deps, " "))
	}
	return ExitOK
}
