// Package hashing assigns every task graph node a deterministic content
// hash: the cache key that decides HIT or MISS. Two nodes with identical
// resolved definitions, file inputs, environment values, and prerequisite
// hashes get identical hashes regardless of package or task name, which is
// what lets clones share a remote cache.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"orchard/internal/logging"
	"orchard/internal/pipeline"
	"orchard/internal/scm"
	"orchard/internal/taskgraph"
	"orchard/internal/workspace"
)

// HashError reports an I/O failure while hashing one node's inputs. It is
// fatal for that node (and, through skip propagation, its dependents) but not
// for the rest of the graph.
type HashError struct {
	TaskID string
	Path   string
	Err    error
}

func (e *HashError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("failed to hash inputs of %s (%s): %v", e.TaskID, e.Path, e.Err)
	}
	return fmt.Sprintf("failed to hash inputs of %s: %v", e.TaskID, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

// NodeHash is the full hashing result for one node, kept for the run summary.
type NodeHash struct {
	Hash   string
	Inputs map[string]string // package-relative path -> content hash
	Env    []EnvPair
	// DotEnv lists the variable names picked up from the definition's dotEnv
	// files, sorted.
	DotEnv []string
}

// Hasher walks a task graph bottom-up and assigns node hashes.
type Hasher struct {
	Workspace   *workspace.Graph
	SCM         scm.SCM
	Files       *FileHasher
	Lookup      LookupFunc
	Parallelism int
	Log         *logging.Logger
}

func (h *Hasher) parallelism() int {
	if h.Parallelism > 0 {
		return h.Parallelism
	}
	return runtime.GOMAXPROCS(0)
}

// HashGraph computes hashes wave by wave: nodes in a wave only depend on
// earlier waves, so each wave hashes in parallel. The returned error map
// carries per-node HashErrors; nodes downstream of a failed node get neither
// a hash nor an error entry. The error return is reserved for systemic
// failures (cancellation).
func (h *Hasher) HashGraph(ctx context.Context, g *taskgraph.Graph, global *GlobalInputs) (map[string]*NodeHash, map[string]error, error) {
	results := make(map[string]*NodeHash, g.Len())
	failures := make(map[string]error)
	var mu sync.Mutex

	for _, wave := range g.Waves() {
		eg, waveCtx := errgroup.WithContext(ctx)
		eg.SetLimit(h.parallelism())
		for _, id := range wave {
			id := id
			eg.Go(func() error {
				if err := waveCtx.Err(); err != nil {
					return err
				}
				mu.Lock()
				blocked := false
				predHashes := make([]string, 0, 4)
				for _, dep := range g.Dependencies(id) {
					nh, ok := results[dep]
					if !ok {
						blocked = true
						break
					}
					predHashes = append(predHashes, nh.Hash)
				}
				mu.Unlock()
				if blocked {
					return nil
				}
				node, _ := g.Node(id)
				nh, err := h.hashNode(waveCtx, node, global, predHashes)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					failures[id] = err
					h.Log.Errorf("hash failed task=%s err=%v", id, err)
					return nil
				}
				node.Hash = nh.Hash
				results[id] = nh
				h.Log.Debugf("hashed task=%s hash=%s files=%d", id, nh.Hash, len(nh.Inputs))
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, nil, err
		}
	}
	return results, failures, nil
}

func (h *Hasher) hashNode(ctx context.Context, node *taskgraph.Node, global *GlobalInputs, predHashes []string) (*NodeHash, error) {
	id := node.ID()
	pkgDir := h.Workspace.PackageDir(node.Package)

	inputs, err := SelectInputs(ctx, pkgDir, node.Definition, h.SCM)
	if err != nil {
		return nil, &HashError{TaskID: id, Err: err}
	}
	fileHashes := make(map[string]string, len(inputs))
	for _, rel := range inputs {
		sum, err := h.Files.Hash(filepath.Join(pkgDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, &HashError{TaskID: id, Path: rel, Err: err}
		}
		fileHashes[rel] = sum
	}

	env := ResolveEnv(node.Definition.Env, h.Lookup)

	hs := sha256.New()
	writeField(hs, global.Hash)
	for _, rel := range inputs { // already sorted
		writeField(hs, rel)
		writeField(hs, fileHashes[rel])
	}
	writeEnvPairs(hs, env)
	dotEnvNames, err := writeDotEnv(hs, pkgDir, node.Definition.DotEnv)
	if err != nil {
		return nil, &HashError{TaskID: id, Err: err}
	}
	writeDefinition(hs, node.Definition)
	sort.Strings(predHashes)
	for _, p := range predHashes {
		writeField(hs, p)
	}

	return &NodeHash{
		Hash:   hex.EncodeToString(hs.Sum(nil)),
		Inputs: fileHashes,
		Env:    env,
		DotEnv: dotEnvNames,
	}, nil
}

// writeDefinition folds the cache-relevant definition fields. The command
// text, package name, and task name are deliberately absent; persistence is
// a scheduling property and cannot change produced bytes, so it is absent
// too. Every list is sorted except dotEnv, whose declared order carries
// override precedence.
func writeDefinition(h hash.Hash, def pipeline.Definition) {
	refs := make([]string, 0, len(def.DependsOn))
	for _, r := range def.DependsOn {
		refs = append(refs, r.String())
	}
	sort.Strings(refs)
	writeSorted := func(field string, values []string, preSorted bool) {
		writeField(h, field)
		if !preSorted {
			vs := append([]string(nil), values...)
			sort.Strings(vs)
			values = vs
		}
		for _, v := range values {
			writeField(h, v)
		}
	}
	writeSorted("dependsOn", refs, true)
	writeSorted("inputs", def.Inputs, false)
	writeSorted("outputs", def.Outputs, false)
	writeField(h, "cache")
	writeField(h, strconv.FormatBool(def.Cache))
	writeField(h, "outputMode")
	writeField(h, string(def.OutputMode))
	writeSorted("passThroughEnv", def.PassThroughEnv, false)
	writeField(h, "dotEnv")
	for _, f := range def.DotEnv {
		writeField(h, f)
	}
}

// writeField length-prefixes every value so adjacent fields can never be
// confused for one another regardless of their contents.
func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
