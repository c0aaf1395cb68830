package casc

import (
	"log/slog"

	"github.com/meigma/casc/cache"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger sets the logger for bootstrap steps, container opens and
// cache activity. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithCache enables caching of decoded content by content key.
//
// Concurrent reads of the same content are deduplicated and hits are
// verified against their key unless verification is disabled.
func WithCache(c cache.Cache) Option {
	return func(a *Archive) {
		a.cache = c
	}
}

// WithVerify controls content verification (default: true).
//
// When enabled, chunk checksums are checked while decoding and decoded
// content must hash to its content key.
func WithVerify(enabled bool) Option {
	return func(a *Archive) {
		a.verify = enabled
	}
}

// WithLocale selects which ROOT entries path lookups see (default: LocaleAll).
// Entries whose locale flags share no bit with mask are ignored.
func WithLocale(mask uint32) Option {
	return func(a *Archive) {
		a.locale = mask
	}
}

// WithBuildKey selects a build configuration instead of the active
// .build.info row.
func WithBuildKey(key string) Option {
	return func(a *Archive) {
		a.buildKey = key
	}
}

// WithEncodingKey sets the encoded key of the ENCODING table, overriding
// the build configuration. Together with WithRootKey it allows opening a
// storage that has no build configuration.
func WithEncodingKey(ekey EncodedKey) Option {
	return func(a *Archive) {
		a.encodingKey = ekey
	}
}

// WithRootKey sets the content key of the ROOT listing, overriding the
// build configuration.
func WithRootKey(ckey ContentKey) Option {
	return func(a *Archive) {
		a.rootKey = ckey
	}
}

// WithMaxFileSize limits the decoded size of a single file
// (default: DefaultMaxFileSize). Set limit to 0 to disable the limit.
func WithMaxFileSize(limit uint64) Option {
	return func(a *Archive) {
		a.maxFileSize = limit
	}
}
