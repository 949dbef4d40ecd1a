package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultCacheTTL      = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

type cacheEntry struct {
	manifest *Manifest
	expires  time.Time
}

// Cache is a TTL cache of parsed manifests keyed by content hash.
// Reads within the TTL window may observe an entry another goroutine is
// replacing; stale-but-not-wrong is acceptable here.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache creates a manifest cache. A non-positive ttl uses the default.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Start launches the periodic sweep goroutine.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(defaultSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the sweep goroutine.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
	}
}

// Get returns the cached manifest for a content hash, or nil.
func (c *Cache) Get(hash string) *Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	if !ok || time.Now().After(e.expires) {
		return nil
	}
	return e.manifest
}

// Put stores a manifest under its own content hash.
func (c *Cache) Put(m *Manifest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ContentHash] = cacheEntry{manifest: m, expires: time.Now().Add(c.ttl)}
}

// GetOrParse returns the cached manifest for the given raw bytes, parsing
// and caching on a miss. The cache key is the content digest, so the raw
// bytes are only parsed once per TTL window.
func (c *Cache) GetOrParse(data []byte) (*Manifest, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if cached := c.Get(hash); cached != nil {
		return cached, nil
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.Put(m)
	return m, nil
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, hash)
		}
	}
}
