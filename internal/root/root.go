// Package root parses the CASC ROOT file, the listing that maps file paths
// and file data IDs to content keys.
//
// Two layouts are understood: the legacy block layout and the MFST layout
// which stores content keys and name hashes in separate arrays and may omit
// name hashes for a block entirely.
package root

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/jenkins"
)

// Locale flags used for filtering. A block is selected when its locale
// flags share a bit with the mask; LocaleAll selects everything.
const (
	LocaleEnUS uint32 = 0x2
	LocaleKoKR uint32 = 0x4
	LocaleFrFR uint32 = 0x10
	LocaleDeDE uint32 = 0x20
	LocaleZhCN uint32 = 0x40
	LocaleEsES uint32 = 0x80
	LocaleZhTW uint32 = 0x100
	LocaleEnGB uint32 = 0x200
	LocaleAll  uint32 = 0xffffffff
)

// FlagNoNameHash marks an MFST block that carries no name hashes.
const FlagNoNameHash uint32 = 0x10000000

// Format selects the ROOT layout.
type Format int

const (
	// Legacy interleaves each content key with its name hash.
	Legacy Format = iota
	// MFST stores content keys and name hashes as separate arrays after a
	// "TSFM" header.
	MFST
)

// mfstMagic is "MFST" read as a little-endian uint32 (bytes "TSFM").
const mfstMagic = 0x4d465354

const blockHeadSize = 12

// Record is one file in the listing.
type Record struct {
	FileDataID uint32
	CKey       casctype.ContentKey
	NameHash   uint64
	Named      bool
}

// Block groups records that share content and locale flags.
type Block struct {
	ContentFlags uint32
	LocaleFlags  uint32
	Records      []Record
}

// Listing is a loaded ROOT file. It is read-only and safe for concurrent use.
type Listing struct {
	byName map[uint64]casctype.ContentKey
	byID   map[uint32]casctype.ContentKey
	total  int
}

// NameHash returns the lookup hash of path. Paths are uppercased and use
// backslash separators before hashing, so lookups are case-insensitive and
// accept either separator.
func NameHash(path string) uint64 {
	norm := strings.ReplaceAll(strings.ToUpper(path), "/", `\`)
	pc, pb := jenkins.HashLittle2([]byte(norm), 0, 0)
	return uint64(pc)<<32 | uint64(pb)
}

// Load parses a ROOT file, keeping blocks whose locale flags match
// localeMask. Within a selection the first record for a name or file data
// ID wins.
func Load(data []byte, localeMask uint32) (*Listing, error) {
	l := &Listing{
		byName: make(map[uint64]casctype.ContentKey),
		byID:   make(map[uint32]casctype.ContentKey),
	}
	var err error
	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == mfstMagic {
		err = l.loadMFST(data, localeMask)
	} else {
		err = l.loadLegacy(data, localeMask)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: root: %w", casctype.ErrCorruptIndex, err)
	}
	return l, nil
}

func (l *Listing) loadLegacy(data []byte, mask uint32) error {
	for off := 0; off < len(data); {
		count, _, lflags, next, err := readBlockHead(data, off)
		if err != nil {
			return err
		}
		deltas, next, err := readDeltas(data, next, count)
		if err != nil {
			return err
		}
		const recSize = casctype.KeySize + 8
		end := next + count*recSize
		if end > len(data) || end < next {
			return fmt.Errorf("block at %d: %d records overrun %d bytes", off, count, len(data))
		}
		keep := lflags&mask != 0
		id := uint32(0)
		for i := range count {
			id += uint32(deltas[i]) //nolint:gosec // deltas are signed offsets applied modulo 2^32
			rec := data[next+i*recSize:]
			var ckey casctype.ContentKey
			copy(ckey[:], rec[:casctype.KeySize])
			if keep {
				l.add(id, ckey, binary.LittleEndian.Uint64(rec[casctype.KeySize:recSize]), true)
			}
			id++
		}
		off = end
	}
	return nil
}

func (l *Listing) loadMFST(data []byte, mask uint32) error {
	const headSize = 12
	if len(data) < headSize {
		return errors.New("truncated MFST header")
	}
	for off := headSize; off < len(data); {
		count, cflags, lflags, next, err := readBlockHead(data, off)
		if err != nil {
			return err
		}
		deltas, next, err := readDeltas(data, next, count)
		if err != nil {
			return err
		}
		named := cflags&FlagNoNameHash == 0
		size := count * casctype.KeySize
		if named {
			size += count * 8
		}
		end := next + size
		if end > len(data) || end < next {
			return fmt.Errorf("block at %d: %d records overrun %d bytes", off, count, len(data))
		}
		keep := lflags&mask != 0
		hashes := next + count*casctype.KeySize
		id := uint32(0)
		for i := range count {
			id += uint32(deltas[i]) //nolint:gosec // deltas are signed offsets applied modulo 2^32
			var ckey casctype.ContentKey
			copy(ckey[:], data[next+i*casctype.KeySize:])
			var hash uint64
			if named {
				hash = binary.LittleEndian.Uint64(data[hashes+i*8:])
			}
			if keep {
				l.add(id, ckey, hash, named)
			}
			id++
		}
		off = end
	}
	return nil
}

func (l *Listing) add(id uint32, ckey casctype.ContentKey, hash uint64, named bool) {
	l.total++
	if _, ok := l.byID[id]; !ok {
		l.byID[id] = ckey
	}
	if named {
		if _, ok := l.byName[hash]; !ok {
			l.byName[hash] = ckey
		}
	}
}

func readBlockHead(data []byte, off int) (count int, cflags, lflags uint32, next int, err error) {
	if off+blockHeadSize > len(data) {
		return 0, 0, 0, 0, fmt.Errorf("truncated block header at %d", off)
	}
	n := binary.LittleEndian.Uint32(data[off:])
	cflags = binary.LittleEndian.Uint32(data[off+4:])
	lflags = binary.LittleEndian.Uint32(data[off+8:])
	// Every record needs at least a delta and a key, which bounds count.
	if uint64(n)*(4+casctype.KeySize) > uint64(len(data)-off) {
		return 0, 0, 0, 0, fmt.Errorf("block at %d declares %d records", off, n)
	}
	return int(n), cflags, lflags, off + blockHeadSize, nil
}

func readDeltas(data []byte, off, count int) ([]int32, int, error) {
	end := off + 4*count
	if end > len(data) {
		return nil, 0, fmt.Errorf("truncated delta array at %d", off)
	}
	deltas := make([]int32, count)
	for i := range deltas {
		deltas[i] = int32(binary.LittleEndian.Uint32(data[off+4*i:])) //nolint:gosec // reinterpreting the stored bits
	}
	return deltas, end, nil
}

// Resolve returns the content key for path.
func (l *Listing) Resolve(path string) (casctype.ContentKey, bool) {
	return l.ResolveNameHash(NameHash(path))
}

// ResolveNameHash returns the content key for a precomputed name hash.
func (l *Listing) ResolveNameHash(hash uint64) (casctype.ContentKey, bool) {
	ckey, ok := l.byName[hash]
	return ckey, ok
}

// ResolveFileDataID returns the content key for a file data ID.
func (l *Listing) ResolveFileDataID(id uint32) (casctype.ContentKey, bool) {
	ckey, ok := l.byID[id]
	return ckey, ok
}

// Len returns the number of records selected by the locale mask.
func (l *Listing) Len() int {
	return l.total
}

// Named returns the number of distinct name hashes.
func (l *Listing) Named() int {
	return len(l.byName)
}

// Write serializes blocks in the given layout. File data IDs within a block
// must be strictly increasing.
func Write(w io.Writer, blocks []Block, format Format) error {
	var buf bytes.Buffer
	le := binary.LittleEndian
	if format == MFST {
		var total, named uint32
		for _, b := range blocks {
			total += uint32(len(b.Records)) //nolint:gosec // fixture sized
			if b.ContentFlags&FlagNoNameHash == 0 {
				named += uint32(len(b.Records)) //nolint:gosec // fixture sized
			}
		}
		buf.Write(le.AppendUint32(nil, mfstMagic))
		buf.Write(le.AppendUint32(nil, total))
		buf.Write(le.AppendUint32(nil, named))
	}
	for bi, b := range blocks {
		buf.Write(le.AppendUint32(nil, uint32(len(b.Records)))) //nolint:gosec // fixture sized
		buf.Write(le.AppendUint32(nil, b.ContentFlags))
		buf.Write(le.AppendUint32(nil, b.LocaleFlags))
		next := uint32(0)
		for i, r := range b.Records {
			if i > 0 && r.FileDataID < next {
				return fmt.Errorf("root: block %d: file data id %d is not increasing", bi, r.FileDataID)
			}
			buf.Write(le.AppendUint32(nil, r.FileDataID-next))
			next = r.FileDataID + 1
		}
		switch format {
		case MFST:
			for _, r := range b.Records {
				buf.Write(r.CKey[:])
			}
			if b.ContentFlags&FlagNoNameHash == 0 {
				for _, r := range b.Records {
					buf.Write(le.AppendUint64(nil, r.NameHash))
				}
			}
		default:
			for _, r := range b.Records {
				buf.Write(r.CKey[:])
				buf.Write(le.AppendUint64(nil, r.NameHash))
			}
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
