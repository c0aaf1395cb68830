package casc

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's content key
	"fmt"
	"io"

	"github.com/meigma/casc/internal/blte"
	"github.com/meigma/casc/internal/container"
	"github.com/meigma/casc/internal/encoding"
	"github.com/meigma/casc/internal/idx"
)

// stored is a content key resolved to its block.
type stored struct {
	ckey  ContentKey
	size  uint64
	ekey  EncodedKey
	entry idx.Entry
}

func (s stored) locator() Locator {
	return Locator{
		EKey:        s.ekey,
		Container:   s.entry.Container,
		Offset:      s.entry.Offset,
		EncodedSize: s.entry.Size,
		DecodedSize: s.size,
	}
}

// resolveContent maps a content key to the first of its encoded keys that
// has a stored block.
func (a *Archive) resolveContent(ckey ContentKey) (stored, error) {
	e, ok := a.encoding.Lookup(ckey)
	if !ok {
		return stored{}, fmt.Errorf("%w: content key %s", ErrNotFound, ckey)
	}
	return a.resolveEntry(e)
}

func (a *Archive) resolveEntry(e encoding.Entry) (stored, error) {
	for _, ekey := range e.EKeys {
		if entry, ok := a.index.Lookup(ekey); ok {
			return stored{ckey: e.CKey, size: e.Size, ekey: ekey, entry: entry}, nil
		}
	}
	return stored{}, fmt.Errorf("%w: no stored block for content key %s", ErrNotFound, e.CKey)
}

// checkLocalHeader validates the local header at the start of a block.
func checkLocalHeader(b []byte, ekey EncodedKey, entry idx.Entry) error {
	hdr, err := container.ParseLocalHeader(b)
	if err != nil {
		return err
	}
	key := idx.KeyOf(ekey)
	if err := hdr.Validate(key[:], entry.Size); err != nil {
		return fmt.Errorf("block %s in container %d at %d: %w", ekey, entry.Container, entry.Offset, err)
	}
	return nil
}

// readFrame reads a whole stored block and returns its BLTE frame.
func (a *Archive) readFrame(ekey EncodedKey, entry idx.Entry) ([]byte, error) {
	if entry.Size < container.LocalHeaderSize {
		return nil, fmt.Errorf("%w: block %s is %d bytes", ErrInvalidHeader, ekey, entry.Size)
	}
	c, err := a.table.Get(entry.Container)
	if err != nil {
		return nil, err
	}
	block, err := c.ReadBlock(entry.Offset, uint64(entry.Size))
	if err != nil {
		return nil, err
	}
	if err := checkLocalHeader(block, ekey, entry); err != nil {
		return nil, err
	}
	return block[container.LocalHeaderSize:], nil
}

func (a *Archive) decodeOptions() []blte.Option {
	return []blte.Option{
		blte.WithVerify(a.verify),
		blte.WithPool(a.pool),
		blte.WithMaxDecodedSize(a.maxFileSize),
	}
}

func (a *Archive) checkSize(size uint64, what fmt.Stringer) error {
	if a.maxFileSize > 0 && size > a.maxFileSize {
		return fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileTooLarge, what, size, a.maxFileSize)
	}
	return nil
}

// readEncoded reads and decodes the block with the given encoded key.
// decodedSize is the expected output size, or -1 when unknown.
func (a *Archive) readEncoded(ekey EncodedKey, decodedSize int64) ([]byte, error) {
	entry, ok := a.index.Lookup(ekey)
	if !ok {
		return nil, fmt.Errorf("%w: encoded key %s", ErrNotFound, ekey)
	}
	if decodedSize >= 0 {
		if err := a.checkSize(uint64(decodedSize), ekey); err != nil {
			return nil, err
		}
	}
	frame, err := a.readFrame(ekey, entry)
	if err != nil {
		return nil, err
	}
	return blte.Decode(frame, decodedSize, a.decodeOptions()...)
}

// readContent reads, decodes and verifies content without the cache.
func (a *Archive) readContent(ckey ContentKey) ([]byte, error) {
	s, err := a.resolveContent(ckey)
	if err != nil {
		return nil, err
	}
	if err := a.checkSize(s.size, ckey); err != nil {
		return nil, err
	}
	frame, err := a.readFrame(s.ekey, s.entry)
	if err != nil {
		return nil, err
	}
	data, err := blte.Decode(frame, int64(s.size), a.decodeOptions()...) //nolint:gosec // bounded by checkSize
	if err != nil {
		return nil, fmt.Errorf("content key %s: %w", ckey, err)
	}
	if err := a.verifyContent(ckey, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (a *Archive) verifyContent(ckey ContentKey, data []byte) error {
	if !a.verify {
		return nil
	}
	if sum := md5.Sum(data); !bytes.Equal(sum[:], ckey[:]) { //nolint:gosec // content key
		return fmt.Errorf("%w: content key %s", ErrChecksumMismatch, ckey)
	}
	return nil
}

// ReadByHash returns the decoded content with the given content key.
//
// The returned length always equals the size recorded in the ENCODING
// table. When caching is enabled concurrent reads of one key are
// deduplicated and the result may be shared with the cache.
func (a *Archive) ReadByHash(ckey ContentKey) ([]byte, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	return a.readCached(ckey)
}

// ReadByEncodedKey decodes the stored block with the given encoded key.
// No content key check is possible, but chunk checksums are still verified.
func (a *Archive) ReadByEncodedKey(ekey EncodedKey) ([]byte, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	return a.readEncoded(ekey, -1)
}

// ReadByPath returns the content of the file at path in the ROOT listing.
func (a *Archive) ReadByPath(path string) ([]byte, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	ckey, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return a.readCached(ckey)
}

// ReadByFileDataID returns the content of the file with the given file data ID.
func (a *Archive) ReadByFileDataID(id uint32) ([]byte, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	ckey, err := a.resolveFileDataID(id)
	if err != nil {
		return nil, err
	}
	return a.readCached(ckey)
}

// ResolveFileDataID returns the content key of the file with the given
// file data ID.
func (a *Archive) ResolveFileDataID(id uint32) (ContentKey, error) {
	if err := a.acquire(); err != nil {
		return ContentKey{}, err
	}
	defer a.release()
	return a.resolveFileDataID(id)
}

func (a *Archive) resolveFileDataID(id uint32) (ContentKey, error) {
	listing, err := a.listing()
	if err != nil {
		return ContentKey{}, err
	}
	ckey, ok := listing.ResolveFileDataID(id)
	if !ok {
		return ContentKey{}, fmt.Errorf("%w: file data id %d", ErrNotFound, id)
	}
	return ckey, nil
}

// Resolve returns the content key of the file at path. The ROOT listing is
// loaded on the first call.
func (a *Archive) Resolve(path string) (ContentKey, error) {
	if err := a.acquire(); err != nil {
		return ContentKey{}, err
	}
	defer a.release()
	return a.resolvePath(path)
}

func (a *Archive) resolvePath(path string) (ContentKey, error) {
	listing, err := a.listing()
	if err != nil {
		return ContentKey{}, err
	}
	ckey, ok := listing.Resolve(path)
	if !ok {
		return ContentKey{}, fmt.Errorf("%w: path %q", ErrNotFound, path)
	}
	return ckey, nil
}

// Locate returns the physical location of the content with the given key.
//
// Locate reads the block's local header and chunk table to fill in Flags;
// a block extending past the end of its container fails with ErrOutOfRange.
func (a *Archive) Locate(ckey ContentKey) (Locator, error) {
	if err := a.acquire(); err != nil {
		return Locator{}, err
	}
	defer a.release()

	s, err := a.resolveContent(ckey)
	if err != nil {
		return Locator{}, err
	}
	f, err := a.openFrame(s)
	if err != nil {
		return Locator{}, err
	}
	loc := s.locator()
	if loc.Flags, err = f.Flags(); err != nil {
		return Locator{}, err
	}
	return loc, nil
}

// openFrame validates the block's local header and parses its chunk table
// without reading chunk data.
func (a *Archive) openFrame(s stored) (*blte.Frame, error) {
	if s.entry.Size < container.LocalHeaderSize {
		return nil, fmt.Errorf("%w: block %s is %d bytes", ErrInvalidHeader, s.ekey, s.entry.Size)
	}
	c, err := a.table.Get(s.entry.Container)
	if err != nil {
		return nil, err
	}
	section, err := c.Section(s.entry.Offset, uint64(s.entry.Size))
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, container.LocalHeaderSize)
	if n, err := section.ReadAt(hdr, 0); n < len(hdr) {
		return nil, fmt.Errorf("%w: local header of %s: %w", ErrIO, s.ekey, err)
	}
	if err := checkLocalHeader(hdr, s.ekey, s.entry); err != nil {
		return nil, err
	}
	frameSize := int64(s.entry.Size) - container.LocalHeaderSize
	frame := io.NewSectionReader(section, container.LocalHeaderSize, frameSize)
	return blte.Parse(frame, frameSize, a.decodeOptions()...)
}
