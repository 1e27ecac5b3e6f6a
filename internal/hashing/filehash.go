package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// fileStamp caches a content hash together with the stat fields that
// invalidate it.
type fileStamp struct {
	hash  string
	mtime int64
	size  int64
}

// FileHasher computes sha256 content hashes with an LRU cache keyed by
// absolute path and revalidated by mtime+size. Concurrent requests for the
// same path share one read.
type FileHasher struct {
	cache *lru.Cache[string, fileStamp]
	group singleflight.Group
}

const defaultFileCacheSize = 16384

func NewFileHasher(capacity int) *FileHasher {
	if capacity <= 0 {
		capacity = defaultFileCacheSize
	}
	cache, err := lru.New[string, fileStamp](capacity)
	if err != nil {
		panic(err) // only reachable with capacity <= 0
	}
	return &FileHasher{cache: cache}
}

// Hash returns the hex sha256 of the file's contents.
func (f *FileHasher) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	mtime, size := info.ModTime().UnixNano(), info.Size()
	if st, ok := f.cache.Get(path); ok && st.mtime == mtime && st.size == size {
		return st.hash, nil
	}
	v, err, _ := f.group.Do(path, func() (any, error) {
		sum, err := hashFileContents(path)
		if err != nil {
			return nil, err
		}
		f.cache.Add(path, fileStamp{hash: sum, mtime: mtime, size: size})
		return sum, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops cached stamps for the given paths. The file watcher calls
// this with each change batch.
func (f *FileHasher) Invalidate(paths []string) {
	for _, p := range paths {
		f.cache.Remove(p)
	}
}

func hashFileContents(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
