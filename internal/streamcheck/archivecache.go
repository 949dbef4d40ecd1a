package streamcheck

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/javi11/nzbstream/internal/rarindex"
)

const defaultArchiveTTL = 30 * time.Minute

type archiveEntry struct {
	archive *rarindex.Archive
	expires time.Time
}

// ArchiveCache is a TTL cache of assembled archives keyed by manifest
// content hash. Assembly for the same key is collapsed into one flight so
// concurrent checks do not fetch volume prefixes twice.
type ArchiveCache struct {
	mu      sync.RWMutex
	entries map[string]archiveEntry
	ttl     time.Duration
	group   singleflight.Group
}

// NewArchiveCache creates an archive cache. A non-positive ttl uses the
// default.
func NewArchiveCache(ttl time.Duration) *ArchiveCache {
	if ttl <= 0 {
		ttl = defaultArchiveTTL
	}
	return &ArchiveCache{
		entries: make(map[string]archiveEntry),
		ttl:     ttl,
	}
}

// Get returns the cached archive for a key, or nil.
func (c *ArchiveCache) Get(key string) *rarindex.Archive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		return nil
	}
	return e.archive
}

// GetOrAssemble returns the cached archive for key, running assemble once
// per key on a miss.
func (c *ArchiveCache) GetOrAssemble(ctx context.Context, key string, assemble func(context.Context) (*rarindex.Archive, error)) (*rarindex.Archive, error) {
	if arc := c.Get(key); arc != nil {
		return arc, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if arc := c.Get(key); arc != nil {
			return arc, nil
		}
		arc, err := assemble(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = archiveEntry{archive: arc, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return arc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rarindex.Archive), nil
}

// Invalidate drops the cached archive for a key.
func (c *ArchiveCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
