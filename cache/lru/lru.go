// Package lru provides an in-memory cache.Cache with least-recently-used
// eviction bounded by entry count and total bytes.
package lru

import (
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds the number of cached files when no entry limit
// is configured.
const DefaultMaxEntries = 4096

// Cache is an in-memory LRU cache of decoded content.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, []byte]
	maxBytes int64
	bytes    int64
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	maxEntries int
	maxBytes   int64
}

// WithMaxEntries limits the number of cached files.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		c.maxEntries = n
	}
}

// WithMaxBytes limits the total size of cached content.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// New creates an empty cache.
func New(opts ...Option) (*Cache, error) {
	cfg := config{maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxEntries <= 0 {
		return nil, errors.New("lru: max entries must be > 0")
	}
	if cfg.maxBytes < 0 {
		return nil, errors.New("lru: max bytes must be >= 0")
	}

	c := &Cache{maxBytes: cfg.maxBytes}
	// Evictions only happen inside calls made with c.mu held.
	entries, err := lru.NewWithEvict(cfg.maxEntries, func(_ string, v []byte) {
		c.bytes -= int64(len(v))
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns cached content and marks it recently used.
func (c *Cache) Get(hash []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(string(hash))
}

// Put stores content. Content larger than the byte budget is not cached.
func (c *Cache) Put(hash, content []byte) error {
	if len(hash) == 0 {
		return errors.New("lru: hash is empty")
	}
	size := int64(len(content))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}
	key := string(hash)
	if c.entries.Contains(key) {
		return nil
	}
	c.entries.Add(key, content)
	c.bytes += size
	if c.maxBytes > 0 {
		c.pruneLocked(c.maxBytes)
	}
	return nil
}

// Delete removes cached content.
func (c *Cache) Delete(hash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(string(hash))
	return nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// MaxBytes returns the configured byte budget (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the total size of cached content.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Prune evicts least recently used entries until at most targetBytes remain.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	before := c.bytes
	c.pruneLocked(targetBytes)
	return before - c.bytes, nil
}

func (c *Cache) pruneLocked(target int64) {
	for c.bytes > target && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
}
