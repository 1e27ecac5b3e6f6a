package cache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by remote clients when the hash has no entry.
var ErrNotFound = errors.New("cache entry not found")

// CacheError reports a local store I/O failure. Fatal for the affected
// node's store step only; lookups degrade to a miss instead.
type CacheError struct {
	Hash string
	Op   string
	Err  error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed for %s: %v", e.Op, e.Hash, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// ConsistencyError reports a store of a hash whose existing entry holds
// different content. Identical hashes must mean identical entries, so this
// signals a hashing bug. Non-fatal: the first-written entry wins and the
// caller logs the event.
type ConsistencyError struct {
	Hash string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("cache entry %s already exists with different content", e.Hash)
}
