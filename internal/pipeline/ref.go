package pipeline

import (
	"fmt"
	"strings"
)

// RefKind tags the three recognized dependency-reference forms.
type RefKind int

const (
	// RefSelf is a bare task name: the same package's task.
	RefSelf RefKind = iota
	// RefUpstream is "^task": the task in every direct package dependency.
	RefUpstream
	// RefExplicit is "pkg#task": one specific package's task.
	RefExplicit
)

// Ref is one parsed dependency reference from a task's dependsOn list.
type Ref struct {
	Kind    RefKind
	Package string // set only for RefExplicit
	Task    string
}

func (r Ref) String() string {
	switch r.Kind {
	case RefUpstream:
		return "^" + r.Task
	case RefExplicit:
		return r.Package + "#" + r.Task
	default:
		return r.Task
	}
}

// ParseRef parses a dependsOn entry. Recognized forms are "task", "^task"
// and "pkg#task"; anything else is an error.
func ParseRef(s string) (Ref, error) {
	if s == "" {
		return Ref{}, fmt.Errorf("empty dependency reference")
	}
	if strings.HasPrefix(s, "^") {
		task := strings.TrimPrefix(s, "^")
		if task == "" || strings.ContainsAny(task, "^#") {
			return Ref{}, fmt.Errorf("invalid dependency reference %q", s)
		}
		return Ref{Kind: RefUpstream, Task: task}, nil
	}
	if strings.Contains(s, "#") {
		parts := strings.Split(s, "#")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "^") {
			return Ref{}, fmt.Errorf("invalid dependency reference %q", s)
		}
		return Ref{Kind: RefExplicit, Package: parts[0], Task: parts[1]}, nil
	}
	return Ref{Kind: RefSelf, Task: s}, nil
}

func parseRefs(entries []string) ([]Ref, error) {
	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		r, err := ParseRef(e)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}
