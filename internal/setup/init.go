// Package setup handles orchard workspace initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"orchard/internal/pipeline"
	"orchard/internal/workspace"
	"orchard/templates"
)

const workDir = ".orchard"

// Run initializes an orchard workspace in dir: the root pipeline config, a
// workspace manifest with one starter package, and the local state
// directories. pkgName names the starter package (defaults to "app").
func Run(dir, pkgName string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace dir: %w", err)
	}
	if pkgName == "" {
		pkgName = "app"
	}

	for _, name := range []string{pipeline.ConfigFileName, workspace.DefaultManifestName} {
		if _, err := os.Stat(filepath.Join(absDir, name)); err == nil {
			return fmt.Errorf("%s already exists", filepath.Join(absDir, name))
		}
	}

	dirs := []string{
		filepath.Join(workDir, "cache"),
		filepath.Join(workDir, "runs"),
		filepath.Join(pkgName, "src"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	if err := copyTemplate("orchard.json", filepath.Join(absDir, pipeline.ConfigFileName)); err != nil {
		return err
	}

	manifest, err := generateManifest(pkgName)
	if err != nil {
		return fmt.Errorf("failed to generate manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(absDir, workspace.DefaultManifestName), manifest, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", workspace.DefaultManifestName, err)
	}

	// An existing ignore file is the user's; only brand-new workspaces get
	// the starter one.
	ignorePath := filepath.Join(absDir, ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := copyTemplate("gitignore", ignorePath); err != nil {
			return err
		}
	}

	// Git cannot track the empty starter source dir without a file in it.
	if err := os.WriteFile(filepath.Join(absDir, pkgName, "src", ".gitkeep"), nil, 0o644); err != nil {
		return fmt.Errorf("failed to create starter package: %w", err)
	}

	// A broken template should fail init, not the user's first run.
	if _, err := pipeline.Load(filepath.Join(absDir, pipeline.ConfigFileName)); err != nil {
		return fmt.Errorf("generated config does not load: %w", err)
	}
	return nil
}

func copyTemplate(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

// generateManifest renders the starter manifest with the package renamed.
func generateManifest(pkgName string) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, "workspace.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest template: %w", err)
	}
	var m struct {
		Packages []workspace.Package `yaml:"packages"`
	}
	if err := yamlv3.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest template: %w", err)
	}
	if len(m.Packages) > 0 {
		m.Packages[0].Name = pkgName
		m.Packages[0].Dir = pkgName
	}
	return yamlv3.Marshal(m)
}
