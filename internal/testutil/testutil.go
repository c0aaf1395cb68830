// Package testutil provides fixtures shared by the package tests.
package testutil

import (
	"sync"
	"sync/atomic"
)

// MockCache implements a basic concurrency-safe cache for tests.
type MockCache struct {
	mu   sync.RWMutex
	data map[string][]byte

	gets atomic.Int64
	puts atomic.Int64
}

// NewMockCache constructs an empty in-memory cache.
func NewMockCache() *MockCache {
	return &MockCache{data: make(map[string][]byte)}
}

// Get retrieves data by hash.
func (c *MockCache) Get(hash []byte) ([]byte, bool) {
	c.gets.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[string(hash)]
	return data, ok
}

// Put stores data by hash.
func (c *MockCache) Put(hash, content []byte) error {
	c.puts.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[string(hash)] = content
	return nil
}

// Delete removes data by hash.
func (c *MockCache) Delete(hash []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, string(hash))
	return nil
}

// MaxBytes reports no limit.
func (c *MockCache) MaxBytes() int64 { return 0 }

// SizeBytes returns the total size of cached data.
func (c *MockCache) SizeBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int64
	for _, v := range c.data {
		n += int64(len(v))
	}
	return n
}

// Prune drops every entry when targetBytes is below the cached size.
func (c *MockCache) Prune(targetBytes int64) (int64, error) {
	size := c.SizeBytes()
	if size <= targetBytes {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
	return size, nil
}

// Len returns the number of cached entries.
func (c *MockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Puts returns the number of Put calls.
func (c *MockCache) Puts() int64 {
	return c.puts.Load()
}
