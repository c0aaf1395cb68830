package container

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/meigma/casc/internal/casctype"
)

// LocalHeaderSize is the size of the header preceding every stored block.
const LocalHeaderSize = 0x1e

// LocalHeader precedes each BLTE block inside a container.
type LocalHeader struct {
	// EKey is the block's encoded key. It is stored byte-reversed.
	EKey casctype.EncodedKey

	// Size is the block size including this header.
	Size uint32

	Flags     [2]byte
	ChecksumA uint32
	ChecksumB uint32
}

// ParseLocalHeader decodes a local header from the first LocalHeaderSize bytes of b.
func ParseLocalHeader(b []byte) (LocalHeader, error) {
	if len(b) < LocalHeaderSize {
		return LocalHeader{}, fmt.Errorf("%w: local header needs %d bytes, have %d",
			casctype.ErrInvalidHeader, LocalHeaderSize, len(b))
	}
	var h LocalHeader
	for i := range casctype.KeySize {
		h.EKey[i] = b[casctype.KeySize-1-i]
	}
	h.Size = binary.LittleEndian.Uint32(b[0x10:0x14])
	copy(h.Flags[:], b[0x14:0x16])
	h.ChecksumA = binary.LittleEndian.Uint32(b[0x16:0x1a])
	h.ChecksumB = binary.LittleEndian.Uint32(b[0x1a:0x1e])
	return h, nil
}

// Validate checks the header against the index entry that pointed at it.
// keyPrefix is the truncated key stored in the index.
func (h LocalHeader) Validate(keyPrefix []byte, size uint32) error {
	if !bytes.Equal(h.EKey[:len(keyPrefix)], keyPrefix) {
		return fmt.Errorf("%w: local header key %x does not match index key %x",
			casctype.ErrInvalidHeader, h.EKey[:len(keyPrefix)], keyPrefix)
	}
	if h.Size != size {
		return fmt.Errorf("%w: local header size %d does not match index size %d",
			casctype.ErrInvalidHeader, h.Size, size)
	}
	return nil
}

// PutLocalHeader encodes a local header for a block of blockSize bytes
// (header included) into b. Checksums are left zero.
func PutLocalHeader(b []byte, ekey casctype.EncodedKey, blockSize uint32) {
	_ = b[LocalHeaderSize-1]
	for i := range casctype.KeySize {
		b[i] = ekey[casctype.KeySize-1-i]
	}
	binary.LittleEndian.PutUint32(b[0x10:0x14], blockSize)
	clear(b[0x14:LocalHeaderSize])
}
