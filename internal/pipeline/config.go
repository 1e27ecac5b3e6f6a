// Package pipeline loads the orchard.json task configuration and resolves one
// task definition per (package, task) pair. The root file declares the
// pipeline plus global hashing inputs; per-package orchard.json files override
// root definitions field-by-field for their own package.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// ConfigFileName is the pipeline configuration file, at the workspace root
// and optionally inside package directories.
const ConfigFileName = "orchard.json"

type OutputMode string

const (
	OutputModeFull       OutputMode = "full"
	OutputModeHashOnly   OutputMode = "hash-only"
	OutputModeNone       OutputMode = "none"
	OutputModeNewOnly    OutputMode = "new-only"
	OutputModeErrorsOnly OutputMode = "errors-only"
)

var validOutputModes = map[OutputMode]bool{
	OutputModeFull:       true,
	OutputModeHashOnly:   true,
	OutputModeNone:       true,
	OutputModeNewOnly:    true,
	OutputModeErrorsOnly: true,
}

// rawDefinition mirrors one pipeline entry as written in JSON. Pointer fields
// distinguish "absent" from "present but empty" so overrides replace exactly
// the fields they set.
type rawDefinition struct {
	DependsOn      *[]string `json:"dependsOn"`
	Inputs         *[]string `json:"inputs"`
	Outputs        *[]string `json:"outputs"`
	Env            *[]string `json:"env"`
	PassThroughEnv *[]string `json:"passThroughEnv"`
	Cache          *bool     `json:"cache"`
	Persistent     *bool     `json:"persistent"`
	OutputMode     *string   `json:"outputMode"`
	DotEnv         *[]string `json:"dotEnv"`
}

type rawConfig struct {
	GlobalDependencies   []string                 `json:"globalDependencies"`
	GlobalEnv            []string                 `json:"globalEnv"`
	GlobalPassThroughEnv []string                 `json:"globalPassThroughEnv"`
	RemoteCache          *RemoteCacheConfig       `json:"remoteCache"`
	Pipeline             map[string]rawDefinition `json:"pipeline"`
}

// RemoteCacheConfig controls whether cache entries are shared through a
// remote store. Endpoint and credentials come from the environment.
type RemoteCacheConfig struct {
	Enabled bool `json:"enabled"`
}

// Config is the loaded root configuration.
type Config struct {
	Path                 string
	Raw                  []byte
	GlobalDependencies   []string
	GlobalEnv            []string
	GlobalPassThroughEnv []string
	RemoteCache          RemoteCacheConfig
	entries              map[string]entry
}

// entry is a validated pipeline entry keyed either by a bare task name or by
// "pkg#task".
type entry struct {
	raw       rawDefinition
	dependsOn []Ref // parsed form of raw.DependsOn, nil when absent
}

// PackageConfig is a per-package orchard.json: only a pipeline map with bare
// task keys, overriding the root definition for that package.
type PackageConfig struct {
	Path    string
	entries map[string]entry
}

// Load reads and validates the root configuration file. JSON syntax and type
// errors are reported as ConfigError with the 1-based line and column.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	var raw rawConfig
	if err := decode(path, data, &raw); err != nil {
		return nil, err
	}
	cfg := &Config{
		Path:                 path,
		Raw:                  data,
		GlobalDependencies:   raw.GlobalDependencies,
		GlobalEnv:            raw.GlobalEnv,
		GlobalPassThroughEnv: raw.GlobalPassThroughEnv,
		RemoteCache:          RemoteCacheConfig{Enabled: true},
		entries:              make(map[string]entry, len(raw.Pipeline)),
	}
	if raw.RemoteCache != nil {
		cfg.RemoteCache = *raw.RemoteCache
	}
	for key, def := range raw.Pipeline {
		if err := validateKey(path, key); err != nil {
			return nil, err
		}
		e, err := makeEntry(path, key, def)
		if err != nil {
			return nil, err
		}
		cfg.entries[key] = e
	}
	return cfg, nil
}

// LoadPackageConfig reads a package-level override file. Keys must be bare
// task names; global fields are not allowed here.
func LoadPackageConfig(path string) (*PackageConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package pipeline config: %w", err)
	}
	var raw rawConfig
	if err := decode(path, data, &raw); err != nil {
		return nil, err
	}
	if len(raw.GlobalDependencies) > 0 || len(raw.GlobalEnv) > 0 ||
		len(raw.GlobalPassThroughEnv) > 0 || raw.RemoteCache != nil {
		return nil, configErrorf(path, "global fields are only valid in the root %s", ConfigFileName)
	}
	pc := &PackageConfig{Path: path, entries: make(map[string]entry, len(raw.Pipeline))}
	for key, def := range raw.Pipeline {
		if strings.ContainsAny(key, "#^") {
			return nil, configErrorf(path, "pipeline key %q: package-qualified keys are only valid in the root %s", key, ConfigFileName)
		}
		if key == "" {
			return nil, configErrorf(path, "pipeline key must not be empty")
		}
		e, err := makeEntry(path, key, def)
		if err != nil {
			return nil, err
		}
		pc.entries[key] = e
	}
	return pc, nil
}

func decode(path string, data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return positionError(path, data, err)
	}
	// Trailing content after the top-level value is as malformed as a bad token.
	if dec.More() {
		line, col := lineCol(data, dec.InputOffset())
		return &ConfigError{Path: path, Line: line, Col: col, Msg: "unexpected content after top-level value"}
	}
	return nil
}

func positionError(path string, data []byte, err error) error {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		// Offset is one past the offending byte; report the byte itself.
		off := syn.Offset
		if off > 0 {
			off--
		}
		line, col := lineCol(data, off)
		return &ConfigError{Path: path, Line: line, Col: col, Msg: syn.Error()}
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		line, col := lineCol(data, typ.Offset)
		return &ConfigError{Path: path, Line: line, Col: col,
			Msg: fmt.Sprintf("invalid value for %q: expected %s", typ.Field, typ.Type)}
	}
	return configErrorf(path, "invalid JSON: %v", err)
}

// lineCol converts a byte offset into 1-based line and column numbers.
func lineCol(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	line := 1
	col := 1
	for _, b := range data[:offset] {
		if b == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

func validateKey(path, key string) error {
	if key == "" {
		return configErrorf(path, "pipeline key must not be empty")
	}
	if strings.HasPrefix(key, "^") {
		return configErrorf(path, "pipeline key %q: keys may not start with %q", key, "^")
	}
	if n := strings.Count(key, "#"); n > 1 {
		return configErrorf(path, "pipeline key %q: at most one %q allowed", key, "#")
	} else if n == 1 {
		parts := strings.SplitN(key, "#", 2)
		if parts[0] == "" || parts[1] == "" {
			return configErrorf(path, "pipeline key %q: expected \"package#task\"", key)
		}
	}
	return nil
}

func makeEntry(path, key string, raw rawDefinition) (entry, error) {
	e := entry{raw: raw}
	if raw.DependsOn != nil {
		refs, err := parseRefs(*raw.DependsOn)
		if err != nil {
			return entry{}, configErrorf(path, "pipeline entry %q: %v", key, err)
		}
		e.dependsOn = refs
	}
	if raw.OutputMode != nil && !validOutputModes[OutputMode(*raw.OutputMode)] {
		return entry{}, configErrorf(path, "pipeline entry %q: unknown outputMode %q", key, *raw.OutputMode)
	}
	return e, nil
}

// Tasks returns the distinct task names the root pipeline defines, in sorted
// order. A "pkg#task" key defines the task name after the "#".
func (c *Config) Tasks() []string {
	seen := make(map[string]bool, len(c.entries))
	for key := range c.entries {
		if i := strings.Index(key, "#"); i >= 0 {
			seen[key[i+1:]] = true
		} else {
			seen[key] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
