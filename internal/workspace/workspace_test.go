package workspace

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testPackages() []Package {
	return []Package{
		{Name: "ui", Dir: "packages/ui", Scripts: map[string]string{"build": "tsc"}},
		{Name: "util", Dir: "packages/util", Scripts: map[string]string{"build": "tsc"}},
		{Name: "web", Dir: "apps/web", Deps: []string{"ui", "util"}, Scripts: map[string]string{"build": "next build", "dev": "next dev"}},
		{Name: "api", Dir: "apps/api", Deps: []string{"util"}, Scripts: map[string]string{"build": "esbuild"}},
	}
}

func mustGraph(t *testing.T, pkgs []Package) *Graph {
	t.Helper()
	g, err := NewGraph("/repo", pkgs)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}
	return g
}

func TestGraphLookups(t *testing.T) {
	g := mustGraph(t, testPackages())

	if got := g.Names(); !reflect.DeepEqual(got, []string{"api", "ui", "util", "web"}) {
		t.Errorf("Names() = %v", got)
	}
	if got := g.Dependencies("web"); !reflect.DeepEqual(got, []string{"ui", "util"}) {
		t.Errorf("Dependencies(web) = %v", got)
	}
	if got := g.Dependents("util"); !reflect.DeepEqual(got, []string{"api", "web"}) {
		t.Errorf("Dependents(util) = %v", got)
	}
	if got := g.PackageDir("web"); got != filepath.Join("/repo", "apps/web") {
		t.Errorf("PackageDir(web) = %v", got)
	}
}

func TestGraphRejectsUnknownDep(t *testing.T) {
	_, err := NewGraph("/repo", []Package{
		{Name: "web", Deps: []string{"ghost"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown package") {
		t.Fatalf("expected unknown-package error, got %v", err)
	}
}

func TestGraphRejectsDuplicateName(t *testing.T) {
	_, err := NewGraph("/repo", []Package{
		{Name: "ui", Dir: "a"},
		{Name: "ui", Dir: "b"},
	})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestGraphRejectsCycle(t *testing.T) {
	_, err := NewGraph("/repo", []Package{
		{Name: "a", Deps: []string{"b"}},
		{Name: "b", Deps: []string{"c"}},
		{Name: "c", Deps: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "a -> b -> c -> a") {
		t.Fatalf("cycle witness missing from error: %v", err)
	}
}

func TestTransitiveClosures(t *testing.T) {
	g := mustGraph(t, testPackages())

	if got := g.TransitiveDependencies("web"); !reflect.DeepEqual(got, []string{"ui", "util"}) {
		t.Errorf("TransitiveDependencies(web) = %v", got)
	}
	if got := g.TransitiveDependents("util"); !reflect.DeepEqual(got, []string{"api", "web"}) {
		t.Errorf("TransitiveDependents(util) = %v", got)
	}
	if got := g.TransitiveDependencies("ui"); len(got) != 0 {
		t.Errorf("TransitiveDependencies(ui) = %v, want empty", got)
	}
}

func TestResolveFilters(t *testing.T) {
	g := mustGraph(t, testPackages())

	cases := []struct {
		name    string
		filters []string
		want    []string
	}{
		{"none selects all", nil, []string{"api", "ui", "util", "web"}},
		{"exact", []string{"web"}, []string{"web"}},
		{"with dependencies", []string{"web..."}, []string{"ui", "util", "web"}},
		{"with dependents", []string{"...util"}, []string{"api", "util", "web"}},
		{"union", []string{"ui", "api"}, []string{"api", "ui"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.ResolveFilters(tc.filters)
			if err != nil {
				t.Fatalf("ResolveFilters(%v): %v", tc.filters, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ResolveFilters(%v) = %v, want %v", tc.filters, got, tc.want)
			}
		})
	}

	if _, err := g.ResolveFilters([]string{"ghost"}); err == nil {
		t.Error("expected error for unknown filter target")
	}
	if _, err := g.ResolveFilters([]string{"..."}); err == nil {
		t.Error("expected error for empty filter name")
	}
}

func TestFileProviderDiscover(t *testing.T) {
	dir := t.TempDir()
	manifest := `packages:
  - name: ui
    path: packages/ui
    scripts:
      build: tsc
  - name: web
    path: apps/web
    dependencies: [ui]
    scripts:
      build: next build
  - name: bare
`
	if err := os.WriteFile(filepath.Join(dir, DefaultManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	pkgs, err := FileProvider{}.Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(pkgs) != 3 {
		t.Fatalf("got %d packages, want 3", len(pkgs))
	}
	if pkgs[1].Name != "web" || pkgs[1].Deps[0] != "ui" || pkgs[1].Scripts["build"] != "next build" {
		t.Errorf("web package parsed wrong: %+v", pkgs[1])
	}
	// A package without a path defaults its directory to its name.
	if pkgs[2].Dir != "bare" {
		t.Errorf("default dir = %q, want %q", pkgs[2].Dir, "bare")
	}
}

func TestFileProviderErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (FileProvider{}).Discover(dir); err == nil {
		t.Error("expected error for missing manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, DefaultManifestName), []byte("packages: {not: a list}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := (FileProvider{}).Discover(dir); err == nil {
		t.Error("expected error for malformed manifest")
	}
}
