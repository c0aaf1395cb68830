// Package disk provides a disk-backed cache.Cache.
//
// Entries are files named by the hex content key and spread over nested
// directories taken from the leading key bytes, the same layout CASC uses
// for its config and CDN directories:
//
//	<dir>/3f/a2/3fa2...e1
package disk

import (
	"crypto/md5" //nolint:gosec // content keys are MD5
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// KeySize is the length of a content key.
const KeySize = md5.Size

// DefaultShardDepth is the number of directory levels above each entry.
const DefaultShardDepth = 2

const (
	maxShardDepth = 4
	tempPattern   = "cache-*.tmp"
)

// ErrInvalidKey is returned for keys that are not content keys.
var ErrInvalidKey = errors.New("disk: key is not a content key")

// Cache implements cache.Cache using the local filesystem.
// The cache is safe for concurrent use.
type Cache struct {
	dir    string
	depth  int
	perm   os.FileMode
	limit  int64
	logger *slog.Logger

	// mu guards the counters and serializes eviction. Put reserves space
	// in pending before writing so concurrent writers cannot overshoot the
	// limit.
	mu      sync.Mutex
	used    int64
	pending int64
}

// Option configures a disk cache.
type Option func(*config)

type config struct {
	depth    int
	dirPerm  os.FileMode
	maxBytes int64
	logger   *slog.Logger
}

// WithShardDepth sets how many key bytes become directory levels.
// Use 0 to store every entry directly under the cache directory.
func WithShardDepth(levels int) Option {
	return func(c *config) {
		c.depth = levels
	}
}

// WithDirPerm sets the permissions of created directories (default 0700).
func WithDirPerm(mode os.FileMode) Option {
	return func(c *config) {
		c.dirPerm = mode
	}
}

// WithMaxBytes bounds the total size of cached content.
// Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *config) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger used to report evictions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New opens the cache rooted at dir, creating it if needed. Entries left by
// an earlier process are kept and count towards the limit.
func New(dir string, opts ...Option) (*Cache, error) {
	cfg := config{depth: DefaultShardDepth, dirPerm: 0o700}
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case dir == "":
		return nil, errors.New("disk: cache dir is empty")
	case cfg.depth < 0 || cfg.depth > maxShardDepth:
		return nil, fmt.Errorf("disk: shard depth %d outside [0, %d]", cfg.depth, maxShardDepth)
	case cfg.maxBytes < 0:
		return nil, errors.New("disk: max bytes must be >= 0")
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, cfg.dirPerm); err != nil {
		return nil, err
	}
	used, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	return &Cache{
		dir:    dir,
		depth:  cfg.depth,
		perm:   cfg.dirPerm,
		limit:  cfg.maxBytes,
		logger: cfg.logger,
		used:   used,
	}, nil
}

// Get returns cached content.
// Returns nil, false if the content is not cached.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	path, err := c.entryPath(key)
	if err != nil {
		return nil, false
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the key
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores content under key. An existing entry is left alone: content
// keys name immutable content. Content larger than the limit is not cached.
func (c *Cache) Put(key, content []byte) error {
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	size := int64(len(content))
	ok, err := c.reserve(size)
	if err != nil || !ok {
		return err
	}
	committed, err := c.write(path, content)
	c.mu.Lock()
	c.pending -= size
	if committed {
		c.used += size
	}
	c.mu.Unlock()
	return err
}

// write places content at path through a temporary file in the same
// directory. committed is false when no new entry was created.
func (c *Cache) write(path string, content []byte) (committed bool, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.perm); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return false, err
	}
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		// Another writer may have stored the same key first.
		if _, statErr := os.Stat(path); statErr == nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the entry for key. Missing entries are ignored.
func (c *Cache) Delete(key []byte) error {
	path, err := c.entryPath(key)
	if err != nil {
		return err
	}
	info, err := os.Lstat(path)
	if err == nil {
		err = os.Remove(path)
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	c.mu.Lock()
	c.used = max(c.used-info.Size(), 0)
	c.mu.Unlock()
	return nil
}

// MaxBytes returns the size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.limit
}

// SizeBytes returns the size of cached content, including space reserved by
// writes in progress.
func (c *Cache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used + c.pending
}

// Prune removes the least recently written entries until at most
// targetBytes remain, and returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(max(targetBytes, 0))
}

func (c *Cache) pruneLocked(target int64) (int64, error) {
	freed, remaining, err := pruneDir(c.dir, target)
	if err != nil {
		return freed, err
	}
	c.used = remaining
	if freed > 0 {
		c.logger.Debug("cache pruned", "freed", humanize.IBytes(uint64(freed)), "remaining", humanize.IBytes(uint64(remaining))) //nolint:gosec // sizes are non-negative
	}
	return freed, nil
}

// reserve accounts for need bytes, evicting old entries if the limit
// requires it. It reports false when the entry can never fit.
func (c *Cache) reserve(need int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 {
		if need > c.limit {
			return false, nil
		}
		if c.used+c.pending+need > c.limit {
			if _, err := c.pruneLocked(max(c.limit-c.pending-need, 0)); err != nil {
				return false, err
			}
			if c.used+c.pending+need > c.limit {
				return false, nil
			}
		}
	}
	c.pending += need
	return true, nil
}

// entryPath maps a content key to its file.
func (c *Cache) entryPath(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(key))
	}
	name := hex.EncodeToString(key)
	parts := make([]string, 0, c.depth+2)
	parts = append(parts, c.dir)
	for i := range c.depth {
		parts = append(parts, name[2*i:2*i+2])
	}
	return filepath.Join(append(parts, name)...), nil
}
