package setup

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"orchard/internal/pipeline"
	"orchard/internal/workspace"
)

func TestRun_CreatesWorkspaceLayout(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	expectedDirs := []string{
		filepath.Join(".orchard", "cache"),
		filepath.Join(".orchard", "runs"),
		filepath.Join("app", "src"),
	}
	for _, d := range expectedDirs {
		path := filepath.Join(projectDir, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}

	expectedFiles := []string{
		pipeline.ConfigFileName,
		workspace.DefaultManifestName,
		".gitignore",
		filepath.Join("app", "src", ".gitkeep"),
	}
	for _, f := range expectedFiles {
		path := filepath.Join(projectDir, f)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("file %s does not exist: %v", f, err)
		}
	}
}

func TestRun_GeneratedConfigLoads(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := pipeline.Load(filepath.Join(projectDir, pipeline.ConfigFileName))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}

	tasks := cfg.Tasks()
	want := map[string]bool{"build": false, "test": false, "dev": false}
	for _, task := range tasks {
		if _, ok := want[task]; ok {
			want[task] = true
		}
	}
	for task, seen := range want {
		if !seen {
			t.Errorf("starter pipeline is missing task %q (have %v)", task, tasks)
		}
	}
}

func TestRun_ManifestDiscoverable(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pkgs, err := workspace.FileProvider{}.Discover(projectDir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(pkgs) != 1 {
		t.Fatalf("expected 1 starter package, got %d", len(pkgs))
	}
	if pkgs[0].Name != "app" {
		t.Errorf("starter package name: got %q, want %q", pkgs[0].Name, "app")
	}
	if !pkgs[0].HasScript("build") {
		t.Error("starter package has no build script")
	}
}

func TestRun_RenamesStarterPackage(t *testing.T) {
	projectDir := t.TempDir()

	if err := Run(projectDir, "web"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, workspace.DefaultManifestName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m struct {
		Packages []workspace.Package `yaml:"packages"`
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if len(m.Packages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(m.Packages))
	}
	if m.Packages[0].Name != "web" {
		t.Errorf("package name: got %q, want %q", m.Packages[0].Name, "web")
	}
	if m.Packages[0].Dir != "web" {
		t.Errorf("package path: got %q, want %q", m.Packages[0].Dir, "web")
	}
	if _, err := os.Stat(filepath.Join(projectDir, "web", "src")); err != nil {
		t.Errorf("starter source dir missing: %v", err)
	}
}

func TestRun_RejectsExistingConfig(t *testing.T) {
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, pipeline.ConfigFileName), []byte("{}"), 0644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := Run(projectDir, ""); err == nil {
		t.Fatal("expected error for existing config")
	}
}

func TestRun_RejectsExistingManifest(t *testing.T) {
	projectDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(projectDir, workspace.DefaultManifestName), []byte("packages: []\n"), 0644); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	if err := Run(projectDir, ""); err == nil {
		t.Fatal("expected error for existing manifest")
	}
}

func TestRun_KeepsExistingIgnoreFile(t *testing.T) {
	projectDir := t.TempDir()
	custom := "node_modules/\n"
	if err := os.WriteFile(filepath.Join(projectDir, ".gitignore"), []byte(custom), 0644); err != nil {
		t.Fatalf("seed ignore file: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(projectDir, ".gitignore"))
	if err != nil {
		t.Fatalf("read ignore file: %v", err)
	}
	if string(data) != custom {
		t.Errorf("existing .gitignore was overwritten: got %q", data)
	}
}
