package casc

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's content key
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/casc/cache"
	"github.com/meigma/casc/internal/blte"
	"github.com/meigma/casc/internal/buildcfg"
	"github.com/meigma/casc/internal/container"
	"github.com/meigma/casc/internal/encoding"
	"github.com/meigma/casc/internal/idx"
	"github.com/meigma/casc/internal/root"
)

// DefaultMaxFileSize bounds the decoded size of a single file (1GB).
const DefaultMaxFileSize = 1 << 30

// Archive is an open CASC storage.
//
// An Archive is safe for concurrent use. After Close every method fails
// with ErrSessionClosed; an archive cannot be reopened.
type Archive struct {
	layout   *buildcfg.Layout
	build    *buildcfg.BuildConfig
	index    *idx.Index
	encoding *encoding.Table
	table    *container.Table
	pool     *blte.ZlibPool

	// open opens a data container; nil uses openContainer.
	open container.OpenFunc

	listing func() (*root.Listing, error)

	// mu is held shared by every operation and exclusively by Close, so
	// Close waits for in-flight reads before releasing containers.
	mu     sync.RWMutex
	closed bool

	cache     cache.Cache
	readGroup singleflight.Group

	logger      *slog.Logger
	verify      bool
	locale      uint32
	buildKey    string
	encodingKey EncodedKey
	rootKey     ContentKey
	maxFileSize uint64
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return a.logger
}

// Open opens the storage under dir, which may be a game directory, its
// Data directory or the data directory holding the .idx files.
//
// Open loads the bucket indexes, the build configuration and the ENCODING
// table. Any failure is fatal and leaves no container open. Containers are
// opened on first access and the ROOT listing on the first path lookup.
func Open(dir string, opts ...Option) (*Archive, error) {
	a := &Archive{
		pool:        blte.NewZlibPool(),
		verify:      true,
		locale:      root.LocaleAll,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.listing = sync.OnceValues(a.loadListing)
	log := a.log()

	layout, err := buildcfg.Find(dir)
	if err != nil {
		return nil, err
	}
	a.layout = layout
	log.Debug("storage found", "root", dir, "data", layout.DataDir, "build", layout.Build.BuildKey)

	index, err := idx.LoadDir(layout.DataDir)
	if err != nil {
		return nil, err
	}
	a.index = index
	log.Debug("index loaded", "entries", index.Len(), "containers", len(index.Containers()))

	if err := a.loadBuildConfig(); err != nil {
		return nil, err
	}

	if a.open == nil {
		a.open = a.openContainer
	}
	a.table = container.NewTable(a.open, log)
	if err := a.loadEncoding(); err != nil {
		if closeErr := a.table.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		return nil, err
	}
	log.Debug("encoding loaded", "entries", a.encoding.Len())
	return a, nil
}

func (a *Archive) loadBuildConfig() error {
	key := a.buildKey
	if key == "" {
		key = a.layout.Build.BuildKey
	}
	if key == "" {
		if a.encodingKey.IsZero() {
			return fmt.Errorf("%w: no build configuration under %s", ErrArchiveNotFound, a.layout.Root)
		}
		return nil
	}
	build, err := a.layout.LoadBuildConfig(key)
	if err != nil {
		return err
	}
	a.build = build
	a.buildKey = key
	if a.encodingKey.IsZero() {
		if build.EncodingEKey.IsZero() {
			return fmt.Errorf("%w: build config %s has no encoded key for ENCODING", ErrInvalidHeader, key)
		}
		a.encodingKey = build.EncodingEKey
	}
	if a.rootKey.IsZero() {
		a.rootKey = build.Root
	}
	a.log().Debug("build config loaded", "key", key, "name", build.BuildName)
	return nil
}

func (a *Archive) loadEncoding() error {
	size := int64(-1)
	if a.build != nil && a.build.EncodingEKey == a.encodingKey &&
		a.build.EncodingSize > 0 && a.build.EncodingSize <= math.MaxInt64 {
		size = int64(a.build.EncodingSize)
	}
	data, err := a.readEncoded(a.encodingKey, size)
	if errors.Is(err, ErrDecode) {
		return fmt.Errorf("%w: load encoding table: %w", ErrCorruptIndex, err)
	}
	if err != nil {
		return fmt.Errorf("load encoding table: %w", err)
	}
	if a.verify && a.build != nil && a.build.EncodingEKey == a.encodingKey {
		if sum := md5.Sum(data); !bytes.Equal(sum[:], a.build.EncodingCKey[:]) { //nolint:gosec // content key
			return fmt.Errorf("%w: load encoding table: %w", ErrCorruptIndex, ErrChecksumMismatch)
		}
	}
	table, err := encoding.Load(data)
	if err != nil {
		return err
	}
	a.encoding = table
	return nil
}

func (a *Archive) loadListing() (*root.Listing, error) {
	if a.rootKey.IsZero() {
		return nil, fmt.Errorf("%w: archive has no ROOT listing", ErrNotFound)
	}
	data, err := a.readContent(a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("load root listing: %w", err)
	}
	listing, err := root.Load(data, a.locale)
	if err != nil {
		return nil, err
	}
	a.log().Debug("root listing loaded", "records", listing.Len(), "named", listing.Named())
	return listing, nil
}

func (a *Archive) openContainer(id int) (*container.Container, error) {
	path := filepath.Join(a.layout.DataDir, container.FileName(id))
	return container.Open(path, id, a.index.SegmentSize())
}

// acquire marks the start of an operation. It fails once the archive is closed.
func (a *Archive) acquire() error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrSessionClosed
	}
	return nil
}

func (a *Archive) release() {
	a.mu.RUnlock()
}

// Close releases every open container. Later calls on the archive,
// including Close, fail with ErrSessionClosed.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrSessionClosed
	}
	a.closed = true
	a.log().Debug("archive closed", "containers", a.table.Opened())
	return a.table.Close()
}
