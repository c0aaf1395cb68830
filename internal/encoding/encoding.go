// Package encoding parses the CASC ENCODING table, which maps content keys
// to the encoded keys of the blocks that store them.
package encoding

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's page checksum
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"slices"
	"sort"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/sizing"
)

const (
	magic      = "EN"
	version    = 1
	headerSize = 22

	// DefaultPageSize is the CE page size written by Write.
	DefaultPageSize = 4 << 10

	entryHeadSize = 1 + 5
	pageIndexSize = casctype.KeySize + md5.Size
)

// Entry maps one content key to its encoded keys.
type Entry struct {
	CKey  casctype.ContentKey
	EKeys []casctype.EncodedKey

	// Size is the decoded content size.
	Size uint64
}

type page struct {
	first casctype.ContentKey
	data  []byte
}

// Table is a loaded ENCODING table. It is read-only and safe for concurrent use.
type Table struct {
	pages []page
	n     int
}

// Load parses an ENCODING table. The data is retained by the table.
//
// Malformed input returns an error matching ErrCorruptIndex.
func Load(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %w: encoding table is %d bytes",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, len(data))
	}
	if string(data[0:2]) != magic {
		return nil, fmt.Errorf("%w: %w: encoding magic %q",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, data[0:2])
	}
	if data[2] != version {
		return nil, fmt.Errorf("%w: %w: encoding version %d",
			casctype.ErrCorruptIndex, casctype.ErrUnsupportedVersion, data[2])
	}
	if data[3] != casctype.KeySize || data[4] != casctype.KeySize {
		return nil, fmt.Errorf("%w: %w: key sizes %d/%d",
			casctype.ErrCorruptIndex, casctype.ErrUnsupportedVersion, data[3], data[4])
	}
	pageSize := int(binary.BigEndian.Uint16(data[5:7])) << 10
	pageCount := uint64(binary.BigEndian.Uint32(data[9:13]))
	especSize := uint64(binary.BigEndian.Uint32(data[18:22]))
	if pageSize == 0 && pageCount > 0 {
		return nil, fmt.Errorf("%w: zero page size", casctype.ErrCorruptIndex)
	}

	indexStart := headerSize + especSize
	pagesStart := indexStart + pageCount*pageIndexSize
	pagesEnd := pagesStart + pageCount*uint64(pageSize)
	if !sizing.Within(0, pagesEnd, int64(len(data))) {
		return nil, fmt.Errorf("%w: %d pages of %d bytes exceed the %d byte table",
			casctype.ErrCorruptIndex, pageCount, pageSize, len(data))
	}

	t := &Table{pages: make([]page, pageCount)}
	for i := range t.pages {
		rec := data[indexStart+uint64(i)*pageIndexSize:]
		p := &t.pages[i]
		copy(p.first[:], rec[:casctype.KeySize])
		start := pagesStart + uint64(i)*uint64(pageSize)
		p.data = data[start : start+uint64(pageSize)]
		if sum := md5.Sum(p.data); !bytes.Equal(sum[:], rec[casctype.KeySize:pageIndexSize]) { //nolint:gosec // format checksum
			return nil, fmt.Errorf("%w: page %d checksum mismatch", casctype.ErrCorruptIndex, i)
		}
		n, err := countEntries(p.data)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", casctype.ErrCorruptIndex, i, err)
		}
		t.n += n
	}
	return t, nil
}

func countEntries(p []byte) (int, error) {
	n := 0
	for off := 0; ; {
		_, next, ok, err := readEntry(p, off)
		if err != nil {
			return 0, err
		}
		if !ok {
			return n, nil
		}
		n++
		off = next
	}
}

// readEntry decodes the entry at off. ok is false at the end of the page.
func readEntry(p []byte, off int) (e Entry, next int, ok bool, err error) {
	if off+entryHeadSize > len(p) || p[off] == 0 {
		return Entry{}, off, false, nil
	}
	count := int(p[off])
	end := off + entryHeadSize + casctype.KeySize*(1+count)
	if end > len(p) {
		return Entry{}, off, false, fmt.Errorf("entry at %d overruns page", off)
	}
	e.Size = sizing.Uint40BE(p[off+1 : off+entryHeadSize])
	pos := off + entryHeadSize
	copy(e.CKey[:], p[pos:pos+casctype.KeySize])
	pos += casctype.KeySize
	e.EKeys = make([]casctype.EncodedKey, count)
	for i := range e.EKeys {
		copy(e.EKeys[i][:], p[pos:pos+casctype.KeySize])
		pos += casctype.KeySize
	}
	return e, end, true, nil
}

// Lookup returns the entry for ckey.
func (t *Table) Lookup(ckey casctype.ContentKey) (Entry, bool) {
	// Last page whose first key is <= ckey.
	i := sort.Search(len(t.pages), func(i int) bool {
		return bytes.Compare(t.pages[i].first[:], ckey[:]) > 0
	}) - 1
	if i < 0 {
		return Entry{}, false
	}
	p := t.pages[i].data
	for off := 0; ; {
		e, next, ok, err := readEntry(p, off)
		if err != nil || !ok {
			return Entry{}, false
		}
		switch bytes.Compare(e.CKey[:], ckey[:]) {
		case 0:
			return e, true
		case 1:
			return Entry{}, false
		}
		off = next
	}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return t.n
}

// Entries iterates over all entries in key order.
func (t *Table) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, pg := range t.pages {
			for off := 0; ; {
				e, next, ok, err := readEntry(pg.data, off)
				if err != nil || !ok {
					break
				}
				if !yield(e) {
					return
				}
				off = next
			}
		}
	}
}

// Write serializes entries as a version 1 ENCODING table with no ESpec pages.
// pageSize must be a multiple of 1KiB; zero uses DefaultPageSize.
func Write(w io.Writer, entries []Entry, pageSize int) error {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize%1024 != 0 || pageSize>>10 > 0xffff {
		return fmt.Errorf("encoding: invalid page size %d", pageSize)
	}
	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int {
		return bytes.Compare(a.CKey[:], b.CKey[:])
	})

	var pages [][]byte
	var firsts []casctype.ContentKey
	cur := make([]byte, 0, pageSize)
	for _, e := range sorted {
		if len(e.EKeys) == 0 || len(e.EKeys) > 0xff {
			return fmt.Errorf("encoding: %s has %d encoded keys", e.CKey, len(e.EKeys))
		}
		rec := make([]byte, entryHeadSize, entryHeadSize+casctype.KeySize*(1+len(e.EKeys)))
		rec[0] = byte(len(e.EKeys))
		sizing.PutUint40BE(rec[1:entryHeadSize], e.Size)
		rec = append(rec, e.CKey[:]...)
		for _, ek := range e.EKeys {
			rec = append(rec, ek[:]...)
		}
		if len(rec) > pageSize {
			return fmt.Errorf("encoding: entry for %s exceeds page size", e.CKey)
		}
		if len(cur)+len(rec) > pageSize {
			pages = append(pages, cur)
			cur = make([]byte, 0, pageSize)
		}
		if len(cur) == 0 {
			firsts = append(firsts, e.CKey)
		}
		cur = append(cur, rec...)
	}
	if len(cur) > 0 {
		pages = append(pages, cur)
	}

	espec := []byte("n\x00")
	header := make([]byte, headerSize)
	copy(header, magic)
	header[2] = version
	header[3] = casctype.KeySize
	header[4] = casctype.KeySize
	binary.BigEndian.PutUint16(header[5:7], uint16(pageSize>>10)) //nolint:gosec // checked above
	binary.BigEndian.PutUint16(header[7:9], uint16(pageSize>>10)) //nolint:gosec // checked above
	binary.BigEndian.PutUint32(header[9:13], uint32(len(pages)))  //nolint:gosec // bounded by entries
	binary.BigEndian.PutUint32(header[18:22], uint32(len(espec))) //nolint:gosec // constant

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(espec)
	padded := make([][]byte, len(pages))
	for i, p := range pages {
		padded[i] = make([]byte, pageSize)
		copy(padded[i], p)
		sum := md5.Sum(padded[i]) //nolint:gosec // format checksum
		buf.Write(firsts[i][:])
		buf.Write(sum[:])
	}
	for _, p := range padded {
		buf.Write(p)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
