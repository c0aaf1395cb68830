// Package sizing provides overflow-safe size arithmetic and the odd-width
// integer encodings used by CASC structures.
package sizing

import "math"

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// Within reports whether [offset, offset+size) lies inside a region of the
// given length.
func Within(offset, size uint64, length int64) bool {
	if length < 0 {
		return false
	}
	end, ok := AddUint64(offset, size)
	return ok && end <= uint64(length)
}

// Uint24BE decodes a 3-byte big-endian integer.
func Uint24BE(b []byte) uint32 {
	_ = b[2]
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

// PutUint24BE encodes v as a 3-byte big-endian integer.
func PutUint24BE(b []byte, v uint32) {
	_ = b[2]
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// Uint40BE decodes a 5-byte big-endian integer.
func Uint40BE(b []byte) uint64 {
	_ = b[4]
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
}

// PutUint40BE encodes v as a 5-byte big-endian integer.
func PutUint40BE(b []byte, v uint64) {
	_ = b[4]
	b[0] = byte(v >> 32)
	b[1] = byte(v >> 24)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 8)
	b[4] = byte(v)
}
