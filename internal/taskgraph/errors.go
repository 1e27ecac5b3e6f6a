package taskgraph

import (
	"fmt"
	"strings"
)

// GraphError reports a task graph that cannot be built: a requested task no
// pipeline entry defines, or an invalid reference discovered during
// expansion.
type GraphError struct {
	Msg string
}

func (e *GraphError) Error() string { return e.Msg }

func graphErrorf(format string, args ...any) *GraphError {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

// CycleError reports a dependency cycle among task nodes. Chain holds the
// participating node IDs in walk order, with the first repeated at the end.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Chain, " -> ")
}
