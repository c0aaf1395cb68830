// Package cache provides decoded-content caching for CASC archives.
//
// Keys are content keys: the MD5 of the decoded file content. Because keys
// are content hashes the same entry serves every archive and every path
// that shares the content, and a reader can verify a hit by rehashing it.
package cache

// Cache stores decoded file content by content key.
//
// Implementations should handle their own size limits and eviction policies.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns cached content. The returned slice must not be modified.
	// Returns nil, false if content is not cached.
	Get(hash []byte) ([]byte, bool)

	// Put stores content. The cache may retain content; callers must not
	// modify it afterwards. A cache may decline to store an entry that does
	// not fit its budget without returning an error.
	Put(hash []byte, content []byte) error

	// Delete removes cached content for the given hash.
	// Implementations should treat missing entries as a no-op.
	Delete(hash []byte) error

	// MaxBytes returns the configured cache size limit (0 = unlimited).
	MaxBytes() int64

	// SizeBytes returns the current cache size in bytes.
	SizeBytes() int64

	// Prune removes cached entries until the cache is at or below targetBytes.
	// Returns the number of bytes freed.
	Prune(targetBytes int64) (int64, error)
}
