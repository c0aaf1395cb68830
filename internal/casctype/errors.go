package casctype

import "errors"

// Sentinel errors. Callers match them with errors.Is.
var (
	// ErrArchiveNotFound is returned when no index files exist under the archive root.
	ErrArchiveNotFound = errors.New("casc: archive not found")

	// ErrInvalidHeader is returned when a header fails structural validation.
	ErrInvalidHeader = errors.New("casc: invalid header")

	// ErrUnsupportedVersion is returned for format versions this package cannot read.
	ErrUnsupportedVersion = errors.New("casc: unsupported version")

	// ErrCorruptIndex is returned when an index or table cannot be parsed.
	ErrCorruptIndex = errors.New("casc: corrupt index")

	// ErrOutOfRange is returned when a read extends past the end of a container.
	ErrOutOfRange = errors.New("casc: out of range")

	// ErrIO is returned when the underlying storage fails.
	ErrIO = errors.New("casc: i/o error")

	// ErrDecode is returned when a block cannot be decoded.
	ErrDecode = errors.New("casc: decode error")

	// ErrNotFound is returned when a key or path is not present in the archive.
	ErrNotFound = errors.New("casc: not found")

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("casc: session closed")
)

// Decode failures with a more specific cause. Both match ErrDecode.
var (
	// ErrEncrypted is returned when a chunk is encrypted.
	ErrEncrypted = &decodeError{msg: "casc: encrypted content"}

	// ErrChecksumMismatch is returned when a chunk or content hash does not match.
	ErrChecksumMismatch = &decodeError{msg: "casc: checksum mismatch"}
)

type decodeError struct {
	msg string
}

func (e *decodeError) Error() string { return e.msg }

func (e *decodeError) Unwrap() error { return ErrDecode }
