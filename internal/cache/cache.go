package cache

import (
	"context"
	"errors"

	"orchard/internal/logging"
)

// Status is the lookup outcome exposed to the scheduler and the run summary.
type Status struct {
	Hit    bool
	Local  bool
	Remote bool
	// TimeSaved is the original execution duration carried by the entry, in
	// milliseconds.
	TimeSaved int64
}

func (s Status) String() string {
	if s.Hit {
		return "HIT"
	}
	return "MISS"
}

// Source names where a hit came from.
func (s Status) Source() string {
	switch {
	case s.Local:
		return "local"
	case s.Remote:
		return "remote"
	default:
		return "none"
	}
}

// Cache coordinates the local store and an optional remote store. Lookups
// try local first; a remote hit is promoted into the local store before
// being reported. Lookup failures of any kind degrade to a miss.
type Cache struct {
	local  *FSStore
	remote RemoteClient
	log    *logging.Logger
}

type Option func(*Cache)

func WithRemote(rc RemoteClient) Option {
	return func(c *Cache) { c.remote = rc }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) { c.log = l }
}

func New(local *FSStore, opts ...Option) *Cache {
	c := &Cache{local: local, log: logging.Discard()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup resolves hash to a decoded entry. The boolean result is carried in
// Status.Hit; entry is nil on miss.
func (c *Cache) Lookup(ctx context.Context, hash string) (Status, *Entry) {
	if data, ok, err := c.local.Get(hash); err != nil {
		c.log.Warnf("local lookup degraded to miss hash=%s err=%v", hash, err)
	} else if ok {
		entry, err := Decode(data)
		if err != nil {
			// Move the bad container aside so the hash can be republished
			// instead of conflicting with it forever.
			c.log.Warnf("corrupt local entry treated as miss hash=%s err=%v", hash, err)
			if qerr := c.local.Quarantine(hash); qerr != nil {
				c.log.Warnf("quarantine failed hash=%s err=%v", hash, qerr)
			}
		} else {
			return Status{Hit: true, Local: true, TimeSaved: entry.Meta.DurationMS}, entry
		}
	}

	if c.remote == nil {
		return Status{}, nil
	}
	data, err := c.remote.Get(ctx, hash)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.log.Warnf("remote lookup degraded to miss hash=%s err=%v", hash, err)
		}
		return Status{}, nil
	}
	entry, err := Decode(data)
	if err != nil {
		c.log.Warnf("corrupt remote entry treated as miss hash=%s err=%v", hash, err)
		return Status{}, nil
	}
	// Promotion: future lookups on this machine hit locally.
	if err := c.local.Put(hash, data); err != nil {
		c.log.Warnf("failed to promote remote entry hash=%s err=%v", hash, err)
	}
	return Status{Hit: true, Remote: true, TimeSaved: entry.Meta.DurationMS}, entry
}

// Store encodes and persists the entry. The local write must succeed; the
// remote write is best-effort and only logged. A ConsistencyError from the
// local store is returned for the caller to log, the run continues.
func (c *Cache) Store(ctx context.Context, entry *Entry) error {
	data, err := entry.Encode()
	if err != nil {
		return &CacheError{Hash: entry.Hash, Op: "encode", Err: err}
	}
	if err := c.local.Put(entry.Hash, data); err != nil {
		return err
	}
	if c.remote != nil {
		if err := c.remote.Put(ctx, entry.Hash, data); err != nil {
			c.log.Warnf("remote store failed hash=%s err=%v", entry.Hash, err)
		}
	}
	return nil
}
