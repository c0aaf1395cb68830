package casc

import (
	"errors"

	"github.com/meigma/casc/internal/casctype"
)

// Sentinel errors re-exported from internal/casctype.
var (
	// ErrArchiveNotFound is returned by Open when no storage exists at the root.
	ErrArchiveNotFound = casctype.ErrArchiveNotFound

	// ErrInvalidHeader is returned when a header fails structural validation.
	ErrInvalidHeader = casctype.ErrInvalidHeader

	// ErrUnsupportedVersion is returned for format versions this package cannot read.
	ErrUnsupportedVersion = casctype.ErrUnsupportedVersion

	// ErrCorruptIndex is returned when an index or table cannot be parsed.
	ErrCorruptIndex = casctype.ErrCorruptIndex

	// ErrOutOfRange is returned when a block extends past the end of its container.
	ErrOutOfRange = casctype.ErrOutOfRange

	// ErrIO is returned when reading the storage fails.
	ErrIO = casctype.ErrIO

	// ErrDecode is returned when content cannot be decoded.
	ErrDecode = casctype.ErrDecode

	// ErrEncrypted is returned for encrypted content. It matches ErrDecode.
	ErrEncrypted = casctype.ErrEncrypted

	// ErrChecksumMismatch is returned when content does not match its key.
	// It matches ErrDecode.
	ErrChecksumMismatch = casctype.ErrChecksumMismatch

	// ErrNotFound is returned when a key, path or file data ID is not in the archive.
	ErrNotFound = casctype.ErrNotFound

	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = casctype.ErrSessionClosed
)

// Sentinel errors specific to the casc package.
var (
	// ErrFileTooLarge is returned when a file exceeds the configured size limit.
	ErrFileTooLarge = errors.New("casc: file too large")
)
