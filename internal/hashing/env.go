package hashing

import (
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
)

// EnvPair is one resolved environment variable from an allow-list. Set
// distinguishes "declared but unset" from "set to the empty string"; the two
// must hash differently.
type EnvPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Set   bool   `json:"set"`
}

// LookupFunc resolves one environment variable. os.LookupEnv in production;
// tests inject their own.
type LookupFunc func(string) (string, bool)

// ResolveEnv resolves the allow-listed names, deduplicated and sorted.
func ResolveEnv(names []string, lookup LookupFunc) []EnvPair {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	seen := make(map[string]bool, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			uniq = append(uniq, n)
		}
	}
	sort.Strings(uniq)
	pairs := make([]EnvPair, 0, len(uniq))
	for _, n := range uniq {
		v, ok := lookup(n)
		pairs = append(pairs, EnvPair{Name: n, Value: v, Set: ok})
	}
	return pairs
}

// SetNames returns the names of the pairs that are actually set, sorted.
func SetNames(pairs []EnvPair) []string {
	var out []string
	for _, p := range pairs {
		if p.Set {
			out = append(out, p.Name)
		}
	}
	return out
}

const (
	envSetMarker   = "1"
	envUnsetMarker = "0"
	dotEnvAbsent   = "absent"
)

func writeEnvPairs(h hash.Hash, pairs []EnvPair) {
	for _, p := range pairs {
		writeField(h, p.Name)
		if p.Set {
			writeField(h, envSetMarker+p.Value)
		} else {
			writeField(h, envUnsetMarker)
		}
	}
}

// writeDotEnv folds the declared dotEnv files into the hash and returns the
// sorted, deduplicated variable names they define. File order is the declared
// order because later files override earlier ones at runtime; keys within a
// file are sorted. A missing file hashes as absent.
func writeDotEnv(h hash.Hash, pkgDir string, files []string) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	for _, name := range files {
		writeField(h, name)
		path := filepath.Join(pkgDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			writeField(h, dotEnvAbsent)
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dotenv file %s: %w", path, err)
		}
		keys := make([]string, 0, len(vars))
		for k := range vars {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(h, k+"="+vars[k])
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}
