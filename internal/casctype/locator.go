package casctype

import "strings"

// Flags describes how a stored block is encoded.
type Flags uint8

const (
	// FlagCompressed is set when at least one chunk is compressed.
	FlagCompressed Flags = 1 << iota

	// FlagChunked is set when the block carries a chunk table.
	FlagChunked

	// FlagEncrypted is set when at least one chunk is encrypted.
	FlagEncrypted
)

// String returns a "|"-separated list of set flags, or "plain".
func (f Flags) String() string {
	if f == 0 {
		return "plain"
	}
	var parts []string
	if f&FlagCompressed != 0 {
		parts = append(parts, "compressed")
	}
	if f&FlagChunked != 0 {
		parts = append(parts, "chunked")
	}
	if f&FlagEncrypted != 0 {
		parts = append(parts, "encrypted")
	}
	return strings.Join(parts, "|")
}

// Locator is the resolved physical address of a stored block.
type Locator struct {
	// EKey is the encoded key of the block.
	EKey EncodedKey

	// Container is the data container number (data.NNN).
	Container int

	// Offset is the byte offset of the block's local header in the container.
	Offset uint64

	// EncodedSize is the stored size of the block, local header included.
	EncodedSize uint32

	// DecodedSize is the size of the decoded content.
	// Zero means the size is not known before decoding.
	DecodedSize uint64

	// Flags describes the block encoding. Only populated by lookups that
	// inspect the block header.
	Flags Flags
}
