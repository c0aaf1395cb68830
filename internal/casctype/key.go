// Package casctype holds the types and errors shared by the CASC packages.
package casctype

import (
	"encoding/hex"
	"fmt"
)

// KeySize is the length in bytes of content and encoded keys.
const KeySize = 16

// ContentKey (CKey) is the MD5 of a file's decoded content.
type ContentKey [KeySize]byte

// EncodedKey (EKey) identifies a stored BLTE block.
type EncodedKey [KeySize]byte

// String returns the lowercase hex form of the key.
func (k ContentKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeroes.
func (k ContentKey) IsZero() bool {
	return k == ContentKey{}
}

// String returns the lowercase hex form of the key.
func (k EncodedKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is all zeroes.
func (k EncodedKey) IsZero() bool {
	return k == EncodedKey{}
}

// ParseContentKey decodes a 32-character hex string.
func ParseContentKey(s string) (ContentKey, error) {
	var k ContentKey
	if err := parseHexKey(s, k[:]); err != nil {
		return ContentKey{}, err
	}
	return k, nil
}

// ParseEncodedKey decodes a 32-character hex string.
func ParseEncodedKey(s string) (EncodedKey, error) {
	var k EncodedKey
	if err := parseHexKey(s, k[:]); err != nil {
		return EncodedKey{}, err
	}
	return k, nil
}

func parseHexKey(s string, dst []byte) error {
	if len(s) != hex.EncodedLen(len(dst)) {
		return fmt.Errorf("casc: key %q: want %d hex characters", s, hex.EncodedLen(len(dst)))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return fmt.Errorf("casc: key %q: %w", s, err)
	}
	return nil
}
