package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orchard/internal/lock"
)

const (
	containerExt  = ".tar.zst"
	quarantineDir = "quarantine"
)

// FSStore keeps cache containers on the local filesystem, sharded by the
// first two hash characters. Writes publish atomically: temp file in the
// final directory, fsync, rename. Per-hash mutexes serialize writers so
// the first store of a hash wins in-process as well as on disk.
type FSStore struct {
	dir   string
	locks *lock.MutexMap
}

func NewFSStore(dir string) *FSStore {
	return &FSStore{dir: dir, locks: lock.NewMutexMap()}
}

func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) path(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(s.dir, shard, hash+containerExt)
}

// Get returns the container bytes for hash. ok is false when absent.
func (s *FSStore) Get(hash string) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, &CacheError{Hash: hash, Op: "read", Err: err}
	}
	return data, true, nil
}

// Put writes the container for hash. Entries are immutable: an existing
// entry with identical bytes makes Put a no-op; differing bytes keep the
// existing entry and return a ConsistencyError.
func (s *FSStore) Put(hash string, data []byte) error {
	s.locks.Lock(hash)
	defer s.locks.Unlock(hash)

	dest := s.path(hash)
	if existing, err := os.ReadFile(dest); err == nil {
		if bytes.Equal(existing, data) {
			return nil
		}
		return &ConsistencyError{Hash: hash}
	} else if !os.IsNotExist(err) {
		return &CacheError{Hash: hash, Op: "probe", Err: err}
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CacheError{Hash: hash, Op: "mkdir", Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".orchard-tmp-*")
	if err != nil {
		return &CacheError{Hash: hash, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		return &CacheError{Hash: hash, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &CacheError{Hash: hash, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CacheError{Hash: hash, Op: "close", Err: err}
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return &CacheError{Hash: hash, Op: "publish", Err: err}
	}
	return nil
}

// Quarantine moves the container for hash aside so the next run can publish
// a replacement. Without this a corrupt entry would wedge its hash: every
// lookup fails to decode and every store conflicts with the bad bytes. The
// file is kept under quarantine/ for inspection until pruned.
func (s *FSStore) Quarantine(hash string) error {
	s.locks.Lock(hash)
	defer s.locks.Unlock(hash)

	qdir := filepath.Join(s.dir, quarantineDir)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return &CacheError{Hash: hash, Op: "quarantine", Err: err}
	}
	stamp := time.Now().Format("20060102T150405")
	name := fmt.Sprintf("%s.%s.corrupt", hash+containerExt, stamp)
	if err := os.Rename(s.path(hash), filepath.Join(qdir, name)); err != nil {
		return &CacheError{Hash: hash, Op: "quarantine", Err: err}
	}
	return nil
}

// Prune removes entries older than maxAge and returns how many were removed.
// Quarantined containers age out on the same schedule. Stray temp files from
// interrupted writes are removed regardless of age.
func (s *FSStore) Prune(maxAge time.Duration) (int, error) {
	shards, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan cache dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(s.dir, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			return removed, fmt.Errorf("failed to scan cache shard: %w", err)
		}
		for _, e := range entries {
			p := filepath.Join(shardDir, e.Name())
			if strings.HasPrefix(e.Name(), ".orchard-tmp-") {
				_ = os.Remove(p)
				continue
			}
			if !strings.HasSuffix(e.Name(), containerExt) && !strings.HasSuffix(e.Name(), ".corrupt") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				if err := os.Remove(p); err == nil {
					removed++
				}
			}
		}
	}
	return removed, nil
}
