package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseRef(t *testing.T) {
	cases := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "build", want: Ref{Kind: RefSelf, Task: "build"}},
		{in: "^build", want: Ref{Kind: RefUpstream, Task: "build"}},
		{in: "web#build", want: Ref{Kind: RefExplicit, Package: "web", Task: "build"}},
		{in: "", wantErr: true},
		{in: "^", wantErr: true},
		{in: "^a#b", wantErr: true},
		{in: "#build", wantErr: true},
		{in: "web#", wantErr: true},
		{in: "a#b#c", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseRef(tc.in)
		if tc.wantErr {
			assert.Error(t, err, "ParseRef(%q)", tc.in)
			continue
		}
		require.NoError(t, err, "ParseRef(%q)", tc.in)
		assert.Equal(t, tc.want, got)
		assert.Equal(t, tc.in, got.String())
	}
}

func TestLoadFullConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{
  "globalDependencies": ["tsconfig.json"],
  "globalEnv": ["CI"],
  "globalPassThroughEnv": ["AWS_PROFILE"],
  "remoteCache": {"enabled": false},
  "pipeline": {
    "build": {
      "dependsOn": ["^build"],
      "inputs": ["src/**"],
      "outputs": ["dist/**", "!dist/tmp/**"],
      "env": ["NODE_ENV"],
      "cache": true,
      "outputMode": "hash-only",
      "dotEnv": [".env"]
    },
    "dev": {"persistent": true, "cache": false},
    "web#build": {"outputs": [".next/**"]}
  }
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"tsconfig.json"}, cfg.GlobalDependencies)
	assert.Equal(t, []string{"CI"}, cfg.GlobalEnv)
	assert.False(t, cfg.RemoteCache.Enabled)
	assert.Equal(t, []string{"build", "dev"}, cfg.Tasks())

	r := NewResolver(cfg)
	def, ok := r.Get("ui", "build")
	require.True(t, ok)
	assert.Equal(t, []Ref{{Kind: RefUpstream, Task: "build"}}, def.DependsOn)
	assert.Equal(t, OutputModeHashOnly, def.OutputMode)
	assert.True(t, def.Cache)

	inc, exc := def.OutputGlobs()
	assert.Equal(t, []string{"dist/**"}, inc)
	assert.Equal(t, []string{"dist/tmp/**"}, exc)

	dev, ok := r.Get("web", "dev")
	require.True(t, ok)
	assert.True(t, dev.Persistent)
	assert.False(t, dev.Cache)
	assert.Equal(t, OutputModeFull, dev.OutputMode)
}

func TestRemoteCacheDefaultsEnabled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{"pipeline": {"build": {}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.RemoteCache.Enabled)
}

func TestLoadMalformedJSONReportsPosition(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{
  "pipeline": {
    "build": {"cache": true,}
  }
}`)

	_, err := Load(path)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, path, cerr.Path)
	assert.Equal(t, 3, cerr.Line)
	assert.Equal(t, 29, cerr.Col)
	assert.Contains(t, cerr.Error(), path)
}

func TestLoadTypeErrorReportsPosition(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{"pipeline": {"build": {"cache": "yes"}}}`)

	_, err := Load(path)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Line)
	assert.Greater(t, cerr.Col, 1)
}

func TestLoadTrailingContent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{"pipeline": {}} trailing`)

	_, err := Load(path)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Line)
}

func TestLoadRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad ref", `{"pipeline": {"build": {"dependsOn": ["^"]}}}`},
		{"bad outputMode", `{"pipeline": {"build": {"outputMode": "sideways"}}}`},
		{"caret key", `{"pipeline": {"^build": {}}}`},
		{"empty package key", `{"pipeline": {"#build": {}}}`},
		{"empty task key", `{"pipeline": {"web#": {}}}`},
		{"double hash key", `{"pipeline": {"a#b#c": {}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			path := writeConfig(t, dir, ConfigFileName, tc.content)
			_, err := Load(path)
			var cerr *ConfigError
			assert.True(t, errors.As(err, &cerr), "want ConfigError, got %v", err)
		})
	}
}

func TestResolverPrecedence(t *testing.T) {
	dir := t.TempDir()
	root := writeConfig(t, dir, ConfigFileName, `{
  "pipeline": {
    "build": {"dependsOn": ["^build"], "outputs": ["dist/**"], "env": ["NODE_ENV"]},
    "web#build": {"outputs": [".next/**"]}
  }
}`)
	cfg, err := Load(root)
	require.NoError(t, err)

	pkgDir := filepath.Join(dir, "apps", "web")
	require.NoError(t, os.MkdirAll(pkgDir, 0o755))
	writeConfig(t, pkgDir, ConfigFileName, `{"pipeline": {"build": {"env": ["VERCEL"]}}}`)

	r := NewResolver(cfg)
	require.NoError(t, r.LoadPackageConfigs(map[string]string{"web": pkgDir, "ui": filepath.Join(dir, "absent")}))

	// ui gets the root entry untouched.
	ui, ok := r.Get("ui", "build")
	require.True(t, ok)
	assert.Equal(t, []string{"dist/**"}, ui.Outputs)
	assert.Equal(t, []string{"NODE_ENV"}, ui.Env)

	// web: root pkg#task replaces outputs; the package file replaces env.
	// dependsOn survives from the root bare entry because neither override sets it.
	web, ok := r.Get("web", "build")
	require.True(t, ok)
	assert.Equal(t, []string{".next/**"}, web.Outputs)
	assert.Equal(t, []string{"VERCEL"}, web.Env)
	assert.Equal(t, []Ref{{Kind: RefUpstream, Task: "build"}}, web.DependsOn)

	_, ok = r.Get("ui", "deploy")
	assert.False(t, ok)

	assert.True(t, r.TaskDefined("build"))
	assert.False(t, r.TaskDefined("deploy"))
}

func TestPackageConfigRestrictions(t *testing.T) {
	dir := t.TempDir()

	qualified := writeConfig(t, dir, "a.json", `{"pipeline": {"web#build": {}}}`)
	_, err := LoadPackageConfig(qualified)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)

	global := writeConfig(t, dir, "b.json", `{"globalEnv": ["CI"], "pipeline": {"build": {}}}`)
	_, err = LoadPackageConfig(global)
	require.ErrorAs(t, err, &cerr)
}

func TestExplicitEntryOnlyDefinesThatPackage(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, ConfigFileName, `{"pipeline": {"web#deploy": {"outputs": ["out/**"]}}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	r := NewResolver(cfg)
	_, ok := r.Get("ui", "deploy")
	assert.False(t, ok)
	def, ok := r.Get("web", "deploy")
	require.True(t, ok)
	assert.Equal(t, []string{"out/**"}, def.Outputs)
	assert.True(t, r.TaskDefined("deploy"))
}
