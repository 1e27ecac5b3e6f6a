package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"orchard/internal/pipeline"
)

// LockfileName is the root dependency lockfile folded into every hash.
const LockfileName = "orchard.lock"

// GlobalInputs is the once-per-run hash state shared by every node: anything
// here changing invalidates the whole workspace.
type GlobalInputs struct {
	RootConfigHash   string
	LockfileHash     string
	FileHashes       map[string]string // root-relative path -> content hash
	EnvPairs         []EnvPair
	PassThroughNames []string
	Hash             string
}

// ComputeGlobalInputs hashes the root config bytes, the lockfile when
// present, every file matched by globalDependencies, and the globalEnv
// values, then folds them into one global hash.
func ComputeGlobalInputs(root string, cfg *pipeline.Config, files *FileHasher, lookup LookupFunc) (*GlobalInputs, error) {
	g := &GlobalInputs{
		RootConfigHash: HashBytes(cfg.Raw),
		FileHashes:     make(map[string]string),
		EnvPairs:       ResolveEnv(cfg.GlobalEnv, lookup),
	}
	g.PassThroughNames = append(g.PassThroughNames, cfg.GlobalPassThroughEnv...)
	sort.Strings(g.PassThroughNames)

	lockPath := filepath.Join(root, LockfileName)
	if _, err := os.Stat(lockPath); err == nil {
		sum, err := files.Hash(lockPath)
		if err != nil {
			return nil, fmt.Errorf("failed to hash lockfile: %w", err)
		}
		g.LockfileHash = sum
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat lockfile: %w", err)
	}

	fsys := os.DirFS(root)
	for _, pattern := range cfg.GlobalDependencies {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid globalDependencies glob %q: %w", pattern, err)
		}
		for _, rel := range matches {
			if _, done := g.FileHashes[rel]; done {
				continue
			}
			sum, err := files.Hash(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("failed to hash global dependency %s: %w", rel, err)
			}
			g.FileHashes[rel] = sum
		}
	}

	h := sha256.New()
	writeField(h, g.RootConfigHash)
	writeField(h, g.LockfileHash)
	paths := make([]string, 0, len(g.FileHashes))
	for p := range g.FileHashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		writeField(h, p)
		writeField(h, g.FileHashes[p])
	}
	writeEnvPairs(h, g.EnvPairs)
	g.Hash = hex.EncodeToString(h.Sum(nil))
	return g, nil
}
