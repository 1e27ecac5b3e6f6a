// Package workspace models the packages of a multi-package source tree and the
// dependency relationships between them. Discovery is pluggable; the default
// provider reads a workspace.yaml manifest at the repository root.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Package is one unit of the workspace: a directory with a name, the names of
// the workspace packages it depends on, and the runnable scripts it declares.
type Package struct {
	Name    string            `yaml:"name"`
	Dir     string            `yaml:"path"`
	Deps    []string          `yaml:"dependencies"`
	Scripts map[string]string `yaml:"scripts"`
}

// HasScript reports whether the package declares a runnable command for task.
func (p Package) HasScript(task string) bool {
	_, ok := p.Scripts[task]
	return ok
}

// Provider discovers the packages of a workspace rooted at root.
type Provider interface {
	Discover(root string) ([]Package, error)
}

type manifest struct {
	Packages []Package `yaml:"packages"`
}

// FileProvider reads workspace.yaml from the workspace root.
type FileProvider struct {
	// Filename overrides the manifest name. Defaults to "workspace.yaml".
	Filename string
}

const DefaultManifestName = "workspace.yaml"

func (p FileProvider) Discover(root string) ([]Package, error) {
	name := p.Filename
	if name == "" {
		name = DefaultManifestName
	}
	path := filepath.Join(root, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	for i := range m.Packages {
		if m.Packages[i].Dir == "" {
			m.Packages[i].Dir = m.Packages[i].Name
		}
	}
	return m.Packages, nil
}

// Graph is the validated package dependency graph. Construction fails on
// duplicate names, references to unknown packages, and dependency cycles.
type Graph struct {
	root       string
	packages   map[string]Package
	names      []string
	dependents map[string][]string
}

// NewGraph validates pkgs and builds the lookup structures. root is the
// absolute workspace root; package Dir values are kept relative to it.
func NewGraph(root string, pkgs []Package) (*Graph, error) {
	g := &Graph{
		root:       root,
		packages:   make(map[string]Package, len(pkgs)),
		dependents: make(map[string][]string),
	}
	for _, p := range pkgs {
		if p.Name == "" {
			return nil, fmt.Errorf("workspace package with empty name (path %q)", p.Dir)
		}
		if _, dup := g.packages[p.Name]; dup {
			return nil, fmt.Errorf("duplicate workspace package %q", p.Name)
		}
		g.packages[p.Name] = p
		g.names = append(g.names, p.Name)
	}
	sort.Strings(g.names)
	for _, name := range g.names {
		p := g.packages[name]
		seen := make(map[string]bool, len(p.Deps))
		for _, dep := range p.Deps {
			if _, ok := g.packages[dep]; !ok {
				return nil, fmt.Errorf("package %q depends on unknown package %q", name, dep)
			}
			if seen[dep] {
				return nil, fmt.Errorf("package %q lists dependency %q twice", name, dep)
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}
	for _, deps := range g.dependents {
		sort.Strings(deps)
	}
	if chain := g.findCycle(); chain != nil {
		return nil, fmt.Errorf("workspace dependency cycle: %s", joinChain(chain))
	}
	return g, nil
}

func joinChain(chain []string) string {
	out := ""
	for i, n := range chain {
		if i > 0 {
			out += " -> "
		}
		out += n
	}
	return out
}

// findCycle runs a deterministic DFS and returns the witness chain of the
// first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.names))
	var chain []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = gray
		chain = append(chain, name)
		p := g.packages[name]
		deps := append([]string(nil), p.Deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				// Close the loop at the first occurrence of dep in the chain.
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
		color[name] = black
		chain = chain[:len(chain)-1]
		return nil
	}
	for _, name := range g.names {
		if color[name] == white {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}

// Root returns the absolute workspace root.
func (g *Graph) Root() string { return g.root }

// Names returns all package names in sorted order.
func (g *Graph) Names() []string {
	return append([]string(nil), g.names...)
}

// Package returns the named package.
func (g *Graph) Package(name string) (Package, bool) {
	p, ok := g.packages[name]
	return p, ok
}

// PackageDir returns the package directory joined onto the workspace root.
func (g *Graph) PackageDir(name string) string {
	p := g.packages[name]
	return filepath.Join(g.root, p.Dir)
}

// Dependencies returns the direct dependencies of name, sorted.
func (g *Graph) Dependencies(name string) []string {
	p, ok := g.packages[name]
	if !ok {
		return nil
	}
	deps := append([]string(nil), p.Deps...)
	sort.Strings(deps)
	return deps
}

// Dependents returns the packages that directly depend on name, sorted.
func (g *Graph) Dependents(name string) []string {
	return append([]string(nil), g.dependents[name]...)
}

func (g *Graph) transitive(start string, next func(string) []string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range next(cur) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
				queue = append(queue, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// TransitiveDependencies returns every package reachable through dependency
// edges from name, excluding name itself.
func (g *Graph) TransitiveDependencies(name string) []string {
	return g.transitive(name, g.Dependencies)
}

// TransitiveDependents returns every package that transitively depends on
// name, excluding name itself.
func (g *Graph) TransitiveDependents(name string) []string {
	return g.transitive(name, g.Dependents)
}
