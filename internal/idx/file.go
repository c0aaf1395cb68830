package idx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"slices"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/jenkins"
	"github.com/meigma/casc/internal/sizing"
)

// Layout constants for version 7 index files.
const (
	Version = 7

	// Buckets is the number of bucket files in a storage.
	Buckets = 16

	// KeyLength is the number of encoded key bytes stored per entry.
	KeyLength = 9

	// EntrySize is the size of one serialized entry.
	EntrySize = KeyLength + offsetLength + sizeLength

	// DefaultOffsetBits is the number of storage offset bits holding the
	// in-container offset. The remaining high bits hold the container number.
	DefaultOffsetBits = 30

	// DefaultSegmentSize is the maximum container size recorded by the
	// client in every index header.
	DefaultSegmentSize uint64 = 0x4000000000

	headerSize   = 0x10
	guardSize    = 8
	entriesStart = 0x28
	offsetLength = 5
	sizeLength   = 4
)

// Key is a truncated encoded key as stored in index files.
type Key [KeyLength]byte

// KeyOf truncates an encoded key to its index form.
func KeyOf(ekey casctype.EncodedKey) Key {
	var k Key
	copy(k[:], ekey[:KeyLength])
	return k
}

// Bucket returns the bucket file responsible for k.
func Bucket(k Key) uint8 {
	var x byte
	for _, b := range k {
		x ^= b
	}
	return (x & 0x0f) ^ (x >> 4)
}

// Entry locates one stored block.
type Entry struct {
	Key       Key
	Container int
	Offset    uint64

	// Size is the stored block size including its local header.
	Size uint32
}

// Header is the decoded index file header.
type Header struct {
	Version     uint16
	Bucket      uint8
	ExtraBytes  uint8
	SizeLen     uint8
	OffsetLen   uint8
	KeyLen      uint8
	OffsetBits  uint8
	SegmentSize uint64
}

// File is one parsed bucket file.
type File struct {
	Header  Header
	Entries []Entry
}

// Load parses a bucket index file.
//
// Structural failures return errors matching ErrCorruptIndex, additionally
// matching ErrInvalidHeader or ErrUnsupportedVersion where applicable.
func Load(data []byte) (*File, error) {
	if len(data) < entriesStart {
		return nil, fmt.Errorf("%w: %w: %d byte file is shorter than the header",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, len(data))
	}
	if size := binary.LittleEndian.Uint32(data[0:4]); size != headerSize {
		return nil, fmt.Errorf("%w: %w: header size %#x",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, size)
	}
	raw := data[guardSize : guardSize+headerSize]
	if want, got := binary.LittleEndian.Uint32(data[4:8]), jenkins.HashLittle(raw, 0); want != got {
		return nil, fmt.Errorf("%w: %w: header hash %#08x, computed %#08x",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, want, got)
	}

	h := Header{
		Version:     binary.LittleEndian.Uint16(raw[0:2]),
		Bucket:      raw[2],
		ExtraBytes:  raw[3],
		SizeLen:     raw[4],
		OffsetLen:   raw[5],
		KeyLen:      raw[6],
		OffsetBits:  raw[7],
		SegmentSize: binary.LittleEndian.Uint64(raw[8:16]),
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %w: index version %d",
			casctype.ErrCorruptIndex, casctype.ErrUnsupportedVersion, h.Version)
	}
	if h.SizeLen != sizeLength || h.OffsetLen != offsetLength || h.KeyLen != KeyLength || h.ExtraBytes != 0 {
		return nil, fmt.Errorf("%w: %w: field lengths key=%d offset=%d size=%d extra=%d",
			casctype.ErrCorruptIndex, casctype.ErrUnsupportedVersion, h.KeyLen, h.OffsetLen, h.SizeLen, h.ExtraBytes)
	}
	if h.OffsetBits == 0 || h.OffsetBits >= offsetLength*8 {
		return nil, fmt.Errorf("%w: %w: offset bits %d",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, h.OffsetBits)
	}
	if h.Bucket >= Buckets {
		return nil, fmt.Errorf("%w: %w: bucket %d",
			casctype.ErrCorruptIndex, casctype.ErrInvalidHeader, h.Bucket)
	}

	entriesSize := binary.LittleEndian.Uint32(data[0x20:0x24])
	if entriesSize%EntrySize != 0 {
		return nil, fmt.Errorf("%w: entry block of %d bytes is not a multiple of %d",
			casctype.ErrCorruptIndex, entriesSize, EntrySize)
	}
	if !sizing.Within(entriesStart, uint64(entriesSize), int64(len(data))) {
		return nil, fmt.Errorf("%w: %d declared entries exceed the %d byte file",
			casctype.ErrCorruptIndex, entriesSize/EntrySize, len(data))
	}

	block := data[entriesStart : entriesStart+int(entriesSize)]
	mask := uint64(1)<<h.OffsetBits - 1
	entries := make([]Entry, 0, len(block)/EntrySize)
	for off := 0; off < len(block); off += EntrySize {
		rec := block[off : off+EntrySize]
		storage := sizing.Uint40BE(rec[KeyLength : KeyLength+offsetLength])
		var e Entry
		copy(e.Key[:], rec[:KeyLength])
		e.Container = int(storage >> h.OffsetBits) //nolint:gosec // at most 40-OffsetBits bits
		e.Offset = storage & mask
		e.Size = binary.LittleEndian.Uint32(rec[KeyLength+offsetLength:])
		entries = append(entries, e)
	}

	return &File{Header: h, Entries: entries}, nil
}

// WriteOptions controls Write.
type WriteOptions struct {
	// SegmentSize is recorded in the header. Zero uses DefaultSegmentSize.
	SegmentSize uint64

	// OffsetBits overrides DefaultOffsetBits when non-zero.
	OffsetBits uint8
}

// Write serializes a version 7 bucket file. Entries are written sorted by key.
//
// The entry block hash is written as lookup3 over the entry bytes; Load does
// not check it.
func Write(w io.Writer, bucket uint8, entries []Entry, opts WriteOptions) error {
	if bucket >= Buckets {
		return fmt.Errorf("idx: bucket %d out of range", bucket)
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.OffsetBits == 0 {
		opts.OffsetBits = DefaultOffsetBits
	}

	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int {
		return bytes.Compare(a.Key[:], b.Key[:])
	})

	buf := make([]byte, entriesStart+len(sorted)*EntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], headerSize)
	raw := buf[guardSize : guardSize+headerSize]
	binary.LittleEndian.PutUint16(raw[0:2], Version)
	raw[2] = bucket
	raw[3] = 0
	raw[4] = sizeLength
	raw[5] = offsetLength
	raw[6] = KeyLength
	raw[7] = opts.OffsetBits
	binary.LittleEndian.PutUint64(raw[8:16], opts.SegmentSize)
	binary.LittleEndian.PutUint32(buf[4:8], jenkins.HashLittle(raw, 0))

	mask := uint64(1)<<opts.OffsetBits - 1
	block := buf[entriesStart:]
	for i, e := range sorted {
		if e.Offset > mask {
			return fmt.Errorf("idx: offset %d does not fit in %d bits", e.Offset, opts.OffsetBits)
		}
		rec := block[i*EntrySize : (i+1)*EntrySize]
		copy(rec[:KeyLength], e.Key[:])
		storage := uint64(e.Container)<<opts.OffsetBits | e.Offset //nolint:gosec // container ids are small
		sizing.PutUint40BE(rec[KeyLength:KeyLength+offsetLength], storage)
		binary.LittleEndian.PutUint32(rec[KeyLength+offsetLength:], e.Size)
	}
	binary.LittleEndian.PutUint32(buf[0x20:0x24], uint32(len(block))) //nolint:gosec // bounded by entry count
	binary.LittleEndian.PutUint32(buf[0x24:0x28], jenkins.HashLittle(block, 0))

	_, err := w.Write(buf)
	return err
}

// FileName returns the conventional name of a bucket file.
func FileName(bucket uint8, version uint32) string {
	return fmt.Sprintf("%02x%08x.idx", bucket, version)
}
