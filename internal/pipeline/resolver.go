package pipeline

import (
	"os"
	"path/filepath"
	"strings"
)

// Definition is the fully resolved configuration for one (package, task)
// pair. List fields are replaced, never merged, by more specific entries.
type Definition struct {
	DependsOn      []Ref
	Inputs         []string
	Outputs        []string
	Env            []string
	PassThroughEnv []string
	Cache          bool
	Persistent     bool
	OutputMode     OutputMode
	DotEnv         []string
}

func defaultDefinition() Definition {
	return Definition{Cache: true, OutputMode: OutputModeFull}
}

// OutputGlobs splits the outputs list into inclusion globs and "!"-prefixed
// exclusion globs (prefix stripped).
func (d Definition) OutputGlobs() (inclusions, exclusions []string) {
	for _, g := range d.Outputs {
		if strings.HasPrefix(g, "!") {
			exclusions = append(exclusions, strings.TrimPrefix(g, "!"))
		} else {
			inclusions = append(inclusions, g)
		}
	}
	return inclusions, exclusions
}

func (d Definition) apply(e entry) Definition {
	if e.raw.DependsOn != nil {
		d.DependsOn = e.dependsOn
	}
	if e.raw.Inputs != nil {
		d.Inputs = *e.raw.Inputs
	}
	if e.raw.Outputs != nil {
		d.Outputs = *e.raw.Outputs
	}
	if e.raw.Env != nil {
		d.Env = *e.raw.Env
	}
	if e.raw.PassThroughEnv != nil {
		d.PassThroughEnv = *e.raw.PassThroughEnv
	}
	if e.raw.Cache != nil {
		d.Cache = *e.raw.Cache
	}
	if e.raw.Persistent != nil {
		d.Persistent = *e.raw.Persistent
	}
	if e.raw.OutputMode != nil {
		d.OutputMode = OutputMode(*e.raw.OutputMode)
	}
	if e.raw.DotEnv != nil {
		d.DotEnv = *e.raw.DotEnv
	}
	return d
}

// Resolver merges the root configuration with per-package overrides. The
// precedence, lowest to highest: root bare-task entry, root "pkg#task" entry,
// the package's own orchard.json entry.
type Resolver struct {
	root       *Config
	pkgConfigs map[string]*PackageConfig
}

func NewResolver(root *Config) *Resolver {
	return &Resolver{root: root, pkgConfigs: make(map[string]*PackageConfig)}
}

// AddPackageConfig registers a package-level override for pkg.
func (r *Resolver) AddPackageConfig(pkg string, pc *PackageConfig) {
	if pc != nil {
		r.pkgConfigs[pkg] = pc
	}
}

// LoadPackageConfigs scans the given package directories for orchard.json
// override files. dirs maps package name to its absolute directory. Missing
// files are fine; malformed ones fail the load.
func (r *Resolver) LoadPackageConfigs(dirs map[string]string) error {
	for pkg, dir := range dirs {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		pc, err := LoadPackageConfig(path)
		if err != nil {
			return err
		}
		r.pkgConfigs[pkg] = pc
	}
	return nil
}

// Get resolves the definition for (pkg, task). The second return is false
// when no pipeline entry at any level defines the task for this package.
func (r *Resolver) Get(pkg, task string) (Definition, bool) {
	def := defaultDefinition()
	found := false
	if e, ok := r.root.entries[task]; ok {
		def = def.apply(e)
		found = true
	}
	if e, ok := r.root.entries[pkg+"#"+task]; ok {
		def = def.apply(e)
		found = true
	}
	if pc := r.pkgConfigs[pkg]; pc != nil {
		if e, ok := pc.entries[task]; ok {
			def = def.apply(e)
			found = true
		}
	}
	if !found {
		return Definition{}, false
	}
	return def, true
}

// TaskDefined reports whether any pipeline entry, at any level, defines the
// task name. Used to reject requested tasks that exist nowhere.
func (r *Resolver) TaskDefined(task string) bool {
	if _, ok := r.root.entries[task]; ok {
		return true
	}
	for key := range r.root.entries {
		if i := strings.Index(key, "#"); i >= 0 && key[i+1:] == task {
			return true
		}
	}
	for _, pc := range r.pkgConfigs {
		if _, ok := pc.entries[task]; ok {
			return true
		}
	}
	return false
}

// Config returns the root configuration backing this resolver.
func (r *Resolver) Config() *Config { return r.root }
