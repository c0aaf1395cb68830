package casc

import (
	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/root"
)

// Re-export types from internal/casctype for public API.
type (
	// ContentKey is the MD5 of decoded file content.
	ContentKey = casctype.ContentKey

	// EncodedKey identifies a stored, encoded block.
	EncodedKey = casctype.EncodedKey

	// Locator is the physical address of a stored block.
	Locator = casctype.Locator

	// Flags describes how a stored block is encoded.
	Flags = casctype.Flags
)

// Re-export flag constants.
const (
	FlagCompressed = casctype.FlagCompressed
	FlagChunked    = casctype.FlagChunked
	FlagEncrypted  = casctype.FlagEncrypted
)

// Locale masks accepted by WithLocale.
const (
	LocaleAll  = root.LocaleAll
	LocaleEnUS = root.LocaleEnUS
	LocaleEnGB = root.LocaleEnGB
	LocaleDeDE = root.LocaleDeDE
	LocaleFrFR = root.LocaleFrFR
	LocaleEsES = root.LocaleEsES
	LocaleKoKR = root.LocaleKoKR
	LocaleZhCN = root.LocaleZhCN
	LocaleZhTW = root.LocaleZhTW
)

// KeySize is the length of content and encoded keys in bytes.
const KeySize = casctype.KeySize

// ParseContentKey decodes a 32-character hex content key.
func ParseContentKey(s string) (ContentKey, error) {
	return casctype.ParseContentKey(s)
}

// ParseEncodedKey decodes a 32-character hex encoded key.
func ParseEncodedKey(s string) (EncodedKey, error) {
	return casctype.ParseEncodedKey(s)
}

// NameHash returns the hash under which the ROOT listing stores path.
func NameHash(path string) uint64 {
	return root.NameHash(path)
}
