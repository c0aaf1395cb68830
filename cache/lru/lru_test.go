package lru

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(b byte) []byte {
	return bytes.Repeat([]byte{b}, 16)
}

func TestPutGet(t *testing.T) {
	t.Parallel()

	c, err := New()
	require.NoError(t, err)

	require.NoError(t, c.Put(key(1), []byte("hello")))
	got, ok := c.Get(key(1))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got)
	assert.Equal(t, int64(5), c.SizeBytes())

	_, ok = c.Get(key(2))
	assert.False(t, ok)

	require.NoError(t, c.Delete(key(1)))
	require.NoError(t, c.Delete(key(1)))
	assert.Equal(t, int64(0), c.SizeBytes())
	assert.Equal(t, 0, c.Len())
}

func TestEntryLimitEvictsOldest(t *testing.T) {
	t.Parallel()

	c, err := New(WithMaxEntries(2))
	require.NoError(t, err)

	require.NoError(t, c.Put(key(1), []byte("a")))
	require.NoError(t, c.Put(key(2), []byte("bb")))
	_, _ = c.Get(key(1))
	require.NoError(t, c.Put(key(3), []byte("ccc")))

	_, ok := c.Get(key(2))
	assert.False(t, ok)
	_, ok = c.Get(key(1))
	assert.True(t, ok)
	assert.Equal(t, int64(4), c.SizeBytes())
}

func TestByteBudget(t *testing.T) {
	t.Parallel()

	c, err := New(WithMaxBytes(10))
	require.NoError(t, err)
	assert.Equal(t, int64(10), c.MaxBytes())

	require.NoError(t, c.Put(key(1), make([]byte, 4)))
	require.NoError(t, c.Put(key(2), make([]byte, 4)))
	require.NoError(t, c.Put(key(3), make([]byte, 4)))
	assert.Equal(t, int64(8), c.SizeBytes())
	_, ok := c.Get(key(1))
	assert.False(t, ok)

	// Larger than the whole budget: silently skipped.
	require.NoError(t, c.Put(key(4), make([]byte, 11)))
	_, ok = c.Get(key(4))
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestPrune(t *testing.T) {
	t.Parallel()

	c, err := New()
	require.NoError(t, err)
	for i := range byte(5) {
		require.NoError(t, c.Put(key(i), make([]byte, 10)))
	}

	freed, err := c.Prune(25)
	require.NoError(t, err)
	assert.Equal(t, int64(30), freed)
	assert.Equal(t, int64(20), c.SizeBytes())

	freed, err = c.Prune(-1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), freed)
	assert.Equal(t, 0, c.Len())
}

func TestNewRejectsInvalidLimits(t *testing.T) {
	t.Parallel()

	_, err := New(WithMaxEntries(0))
	require.Error(t, err)
	_, err = New(WithMaxBytes(-1))
	require.Error(t, err)
}
