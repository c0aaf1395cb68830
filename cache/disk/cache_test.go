package disk

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content keys are MD5
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func contentKey(content []byte) []byte {
	sum := md5.Sum(content) //nolint:gosec // content key
	return sum[:]
}

func TestCachePutGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	content := []byte("hello")
	key := contentKey(content)
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}
	if c.SizeBytes() != int64(len(content)) {
		t.Fatalf("SizeBytes() = %d, want %d", c.SizeBytes(), len(content))
	}

	name := hex.EncodeToString(key)
	path := filepath.Join(dir, name[0:2], name[2:4], name)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}

	// Content keys name immutable content, so a second Put changes nothing.
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() again error = %v", err)
	}
	if c.SizeBytes() != int64(len(content)) {
		t.Fatalf("SizeBytes() after duplicate Put = %d", c.SizeBytes())
	}
}

func TestCacheShardDepth(t *testing.T) {
	t.Parallel()

	content := []byte("sharded")
	key := contentKey(content)
	name := hex.EncodeToString(key)

	tests := []struct {
		depth int
		rel   string
	}{
		{0, name},
		{1, filepath.Join(name[0:2], name)},
		{3, filepath.Join(name[0:2], name[2:4], name[4:6], name)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.depth), func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			c, err := New(dir, WithShardDepth(tt.depth))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if err := c.Put(key, content); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, tt.rel)); err != nil {
				t.Fatalf("expected cache file at %s: %v", tt.rel, err)
			}
		})
	}
}

func TestCacheRejectsOtherKeys(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	short := []byte{0xab, 0xcd}
	if err := c.Put(short, []byte("data")); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Put() error = %v, want ErrInvalidKey", err)
	}
	if _, ok := c.Get(short); ok {
		t.Fatal("Get() ok = true for a short key")
	}
	if err := c.Delete(short); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Delete() error = %v, want ErrInvalidKey", err)
	}
	if c.SizeBytes() != 0 {
		t.Fatalf("SizeBytes() = %d, want 0", c.SizeBytes())
	}
}

func TestCacheDelete(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	content := []byte("data")
	key := contentKey(content)
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := c.Delete(key); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("Get() after Delete ok = true")
	}
	if err := c.Delete(key); err != nil {
		t.Fatalf("Delete() of missing entry error = %v", err)
	}
	if c.SizeBytes() != 0 {
		t.Fatalf("SizeBytes() = %d, want 0", c.SizeBytes())
	}
}

func TestCacheMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithMaxBytes(10))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.MaxBytes() != 10 {
		t.Fatalf("MaxBytes() = %d, want 10", c.MaxBytes())
	}

	old := bytes.Repeat([]byte("a"), 6)
	oldKey := contentKey(old)
	if err := c.Put(oldKey, old); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	oldPath, err := c.entryPath(oldKey)
	if err != nil {
		t.Fatalf("entryPath() error = %v", err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldPath, past, past); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	recent := bytes.Repeat([]byte("b"), 6)
	if err := c.Put(contentKey(recent), recent); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := c.Get(oldKey); ok {
		t.Fatal("oldest entry was not pruned")
	}
	if _, ok := c.Get(contentKey(recent)); !ok {
		t.Fatal("new entry missing")
	}
	if c.SizeBytes() != 6 {
		t.Fatalf("SizeBytes() = %d, want 6", c.SizeBytes())
	}

	// Entries larger than the limit are skipped without error.
	big := bytes.Repeat([]byte("c"), 11)
	if err := c.Put(contentKey(big), big); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, ok := c.Get(contentKey(big)); ok {
		t.Fatal("oversized entry was cached")
	}

	freed, err := c.Prune(0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if freed != 6 || c.SizeBytes() != 0 {
		t.Fatalf("Prune(0) freed %d, SizeBytes() = %d", freed, c.SizeBytes())
	}
}

func TestCacheConcurrentPutsStayWithinLimit(t *testing.T) {
	t.Parallel()

	const limit = 40
	dir := t.TempDir()
	c, err := New(dir, WithMaxBytes(limit))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Go(func() {
			content := fmt.Appendf(nil, "entry %03d", i)
			if err := c.Put(contentKey(content), content); err != nil {
				t.Errorf("Put(%d) error = %v", i, err)
			}
		})
	}
	wg.Wait()

	if c.SizeBytes() > limit {
		t.Fatalf("SizeBytes() = %d, limit %d", c.SizeBytes(), limit)
	}
	onDisk, err := dirSize(dir)
	if err != nil {
		t.Fatalf("dirSize() error = %v", err)
	}
	if onDisk > limit {
		t.Fatalf("%d bytes on disk, limit %d", onDisk, limit)
	}
}

func TestNewCountsExistingEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	content := []byte("persisted")
	key := contentKey(content)
	if err := c.Put(key, content); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// Neither an abandoned write nor an unrelated file is an entry.
	for _, name := range []string{"cache-123.tmp", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("ignored"), 0o600); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}

	reopened, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if reopened.SizeBytes() != int64(len(content)) {
		t.Fatalf("SizeBytes() = %d, want %d", reopened.SizeBytes(), len(content))
	}
	got, ok := reopened.Get(key)
	if !ok || !bytes.Equal(got, content) {
		t.Fatalf("Get() = %q, %v", got, ok)
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New(\"\") error = nil")
	}
	for _, depth := range []int{-1, maxShardDepth + 1} {
		if _, err := New(t.TempDir(), WithShardDepth(depth)); err == nil {
			t.Fatalf("New() with shard depth %d error = nil", depth)
		}
	}
	if _, err := New(t.TempDir(), WithMaxBytes(-1)); err == nil {
		t.Fatal("New() with negative max bytes error = nil")
	}
}
