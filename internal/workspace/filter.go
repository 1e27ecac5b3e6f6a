package workspace

import (
	"fmt"
	"sort"
	"strings"
)

// ResolveFilters expands --filter expressions into the set of target package
// names. Supported forms:
//
//	pkg       exactly that package
//	pkg...    the package plus everything it transitively depends on
//	...pkg    the package plus everything that transitively depends on it
//
// No filters means every package is a target. Unknown package names fail.
func (g *Graph) ResolveFilters(filters []string) ([]string, error) {
	if len(filters) == 0 {
		return g.Names(), nil
	}
	selected := make(map[string]bool)
	for _, f := range filters {
		name := f
		withDeps := false
		withDependents := false
		if strings.HasSuffix(name, "...") {
			withDeps = true
			name = strings.TrimSuffix(name, "...")
		}
		if strings.HasPrefix(name, "...") {
			withDependents = true
			name = strings.TrimPrefix(name, "...")
		}
		if name == "" {
			return nil, fmt.Errorf("invalid filter %q", f)
		}
		if _, ok := g.packages[name]; !ok {
			return nil, fmt.Errorf("filter %q matches no workspace package", f)
		}
		selected[name] = true
		if withDeps {
			for _, d := range g.TransitiveDependencies(name) {
				selected[d] = true
			}
		}
		if withDependents {
			for _, d := range g.TransitiveDependents(name) {
				selected[d] = true
			}
		}
	}
	out := make([]string, 0, len(selected))
	for name := range selected {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
