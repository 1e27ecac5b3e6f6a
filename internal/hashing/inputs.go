package hashing

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"orchard/internal/pipeline"
	"orchard/internal/scm"
)

// Directories never considered task inputs.
var alwaysSkippedDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".orchard":     true,
}

// SelectInputs lists the package-relative, forward-slash file paths that feed
// a node's hash. With explicit input globs the candidate set is filtered by
// them; otherwise the default set is every tracked file (SCM-provided when
// available, full walk minus ignore rules when not).
func SelectInputs(ctx context.Context, pkgDir string, def pipeline.Definition, source scm.SCM) ([]string, error) {
	var candidates []string
	if source != nil {
		if tracked, ok := source.Tracked(ctx, pkgDir); ok {
			candidates = normalize(tracked)
		}
	}
	if candidates == nil {
		ignore, err := loadIgnore(pkgDir)
		if err != nil {
			return nil, err
		}
		candidates, err = walkFiles(pkgDir, ignore)
		if err != nil {
			return nil, err
		}
	}
	if len(def.Inputs) > 0 {
		inclusions, exclusions := splitGlobs(def.Inputs)
		filtered := candidates[:0]
		for _, rel := range candidates {
			ok, err := matchAny(inclusions, rel)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			excluded, err := matchAny(exclusions, rel)
			if err != nil {
				return nil, err
			}
			if !excluded {
				filtered = append(filtered, rel)
			}
		}
		candidates = filtered
	}
	sort.Strings(candidates)
	return candidates, nil
}

func normalize(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, filepath.ToSlash(p))
	}
	return out
}

func splitGlobs(globs []string) (inclusions, exclusions []string) {
	for _, g := range globs {
		if strings.HasPrefix(g, "!") {
			exclusions = append(exclusions, strings.TrimPrefix(g, "!"))
		} else {
			inclusions = append(inclusions, g)
		}
	}
	return inclusions, exclusions
}

func matchAny(globs []string, rel string) (bool, error) {
	for _, g := range globs {
		ok, err := doublestar.Match(g, rel)
		if err != nil {
			return false, fmt.Errorf("invalid glob %q: %w", g, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func walkFiles(pkgDir string, ignore *ignoreMatcher) ([]string, error) {
	var out []string
	err := filepath.WalkDir(pkgDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == pkgDir {
			return nil
		}
		rel, err := filepath.Rel(pkgDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if alwaysSkippedDirs[d.Name()] || ignore.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ignore.Match(rel, false) {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", pkgDir, err)
	}
	return out, nil
}

// ignoreMatcher applies a package-level .gitignore: one pattern per line,
// "#" comments, "!" re-inclusion, trailing "/" for directory-only, leading
// "/" anchoring. Later patterns win.
type ignoreMatcher struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	glob    string
	negate  bool
	dirOnly bool
}

func loadIgnore(pkgDir string) (*ignoreMatcher, error) {
	data, err := os.ReadFile(filepath.Join(pkgDir, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return &ignoreMatcher{}, nil
		}
		return nil, err
	}
	m := &ignoreMatcher{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasPrefix(line, "!") {
			p.negate = true
			line = strings.TrimPrefix(line, "!")
		}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimSuffix(line, "/")
		}
		if strings.HasPrefix(line, "/") {
			line = strings.TrimPrefix(line, "/")
		} else if !strings.Contains(line, "/") {
			// Unanchored names match at any depth.
			line = "**/" + line
		}
		p.glob = line
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Match reports whether rel is ignored. Last matching pattern wins. Files
// inside ignored directories never reach this check: the walk skips those
// directories outright, which also means a negation cannot re-include a file
// whose parent directory is excluded (same restriction git imposes).
func (m *ignoreMatcher) Match(rel string, isDir bool) bool {
	ignored := false
	for _, p := range m.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if ok, _ := doublestar.Match(p.glob, rel); ok {
			ignored = !p.negate
		}
	}
	return ignored
}
