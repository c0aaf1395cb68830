package idx

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/casc/internal/casctype"
)

// Index answers encoded key lookups across all bucket files.
//
// Index is read-only once built and safe for concurrent use.
type Index struct {
	buckets     [Buckets]map[Key]Entry
	segmentSize uint64
	containers  []int
	n           int
}

// New builds an Index from parsed bucket files.
//
// When a key appears more than once, the first occurrence wins.
func New(files ...*File) *Index {
	idx := &Index{}
	seen := make(map[int]struct{})
	for _, f := range files {
		if f == nil {
			continue
		}
		if f.Header.SegmentSize > idx.segmentSize {
			idx.segmentSize = f.Header.SegmentSize
		}
		for _, e := range f.Entries {
			b := Bucket(e.Key)
			if idx.buckets[b] == nil {
				idx.buckets[b] = make(map[Key]Entry)
			}
			if _, dup := idx.buckets[b][e.Key]; dup {
				continue
			}
			idx.buckets[b][e.Key] = e
			idx.n++
			if _, ok := seen[e.Container]; !ok {
				seen[e.Container] = struct{}{}
				idx.containers = append(idx.containers, e.Container)
			}
		}
	}
	slices.Sort(idx.containers)
	return idx
}

// LoadDir loads the newest bucket file of each bucket found in dir.
//
// It returns ErrArchiveNotFound when dir holds no index files.
func LoadDir(dir string) (*Index, error) {
	names, err := NewestFiles(dir)
	if err != nil {
		return nil, err
	}

	files := make([]*File, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", casctype.ErrIO, name, err)
		}
		f, err := Load(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		files = append(files, f)
	}
	return New(files...), nil
}

// NewestFiles returns the names of the newest index file per bucket in dir,
// ordered by bucket.
func NewestFiles(dir string) ([]string, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", casctype.ErrArchiveNotFound, dir)
		}
		return nil, fmt.Errorf("%w: %w", casctype.ErrIO, err)
	}

	type candidate struct {
		name    string
		version uint64
	}
	var newest [Buckets]*candidate
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		bucket, version, ok := parseFileName(de.Name())
		if !ok || bucket >= Buckets {
			continue
		}
		if cur := newest[bucket]; cur == nil || version > cur.version {
			newest[bucket] = &candidate{name: de.Name(), version: version}
		}
	}

	var names []string
	for _, c := range newest {
		if c != nil {
			names = append(names, c.name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no index files in %s", casctype.ErrArchiveNotFound, dir)
	}
	return names, nil
}

func parseFileName(name string) (bucket uint8, version uint64, ok bool) {
	stem, found := strings.CutSuffix(strings.ToLower(name), ".idx")
	if !found || len(stem) != 10 {
		return 0, 0, false
	}
	b, err := strconv.ParseUint(stem[:2], 16, 8)
	if err != nil {
		return 0, 0, false
	}
	v, err := strconv.ParseUint(stem[2:], 16, 32)
	if err != nil {
		return 0, 0, false
	}
	return uint8(b), v, true
}

// Lookup returns the entry for an encoded key.
func (idx *Index) Lookup(ekey casctype.EncodedKey) (Entry, bool) {
	return idx.LookupKey(KeyOf(ekey))
}

// LookupKey returns the entry for a truncated key.
func (idx *Index) LookupKey(k Key) (Entry, bool) {
	m := idx.buckets[Bucket(k)]
	if m == nil {
		return Entry{}, false
	}
	e, ok := m[k]
	return e, ok
}

// Len returns the number of distinct keys.
func (idx *Index) Len() int {
	return idx.n
}

// SegmentSize returns the largest container size allowed by the headers.
func (idx *Index) SegmentSize() uint64 {
	return idx.segmentSize
}

// Containers returns the sorted container numbers referenced by entries.
func (idx *Index) Containers() []int {
	return slices.Clone(idx.containers)
}

// Entries iterates over all entries, bucket by bucket.
func (idx *Index) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, m := range idx.buckets {
			for _, e := range m {
				if !yield(e) {
					return
				}
			}
		}
	}
}
