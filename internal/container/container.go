// Package container provides bounds-checked random access to CASC data
// containers (data.NNN files).
package container

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/sizing"
)

// ByteSource provides positioned reads over container bytes.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Container is an open data container.
//
// All reads are positioned reads, so a Container is safe for concurrent use.
type Container struct {
	id        int
	name      string
	src       ByteSource
	closer    io.Closer
	closeOnce sync.Once
	closeErr  error
}

// FileName returns the conventional file name of container id.
func FileName(id int) string {
	return fmt.Sprintf("data.%03d", id)
}

// Open opens a container file without reading its content.
//
// A file larger than maxSize (the index segment size) is rejected with
// ErrInvalidHeader. A maxSize of zero disables the check.
func Open(path string, id int, maxSize uint64) (*Container, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from the archive root
	if err != nil {
		return nil, fmt.Errorf("%w: open container %d: %w", casctype.ErrIO, id, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat container %d: %w", casctype.ErrIO, id, err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: container %d is not a regular file", casctype.ErrInvalidHeader, id)
	}
	if maxSize > 0 && uint64(info.Size()) > maxSize { //nolint:gosec // sizes of regular files are non-negative
		_ = f.Close()
		return nil, fmt.Errorf("%w: container %d is %d bytes, segment limit is %d",
			casctype.ErrInvalidHeader, id, info.Size(), maxSize)
	}
	return &Container{
		id:     id,
		name:   path,
		src:    &fileSource{File: f, size: info.Size()},
		closer: f,
	}, nil
}

// New wraps an existing source as container id.
func New(id int, src ByteSource) *Container {
	return &Container{id: id, name: FileName(id), src: src}
}

// ID returns the container number.
func (c *Container) ID() int {
	return c.id
}

// Name returns the path or name the container was opened from.
func (c *Container) Name() string {
	return c.name
}

// Size returns the container length in bytes.
func (c *Container) Size() int64 {
	return c.src.Size()
}

// ReadBlock reads size bytes at offset.
//
// It fails with ErrOutOfRange when the range extends past the end of the
// container; no partial data is returned. Read failures are wrapped in ErrIO.
func (c *Container) ReadBlock(offset, size uint64) ([]byte, error) {
	if !sizing.Within(offset, size, c.src.Size()) {
		return nil, fmt.Errorf("%w: container %d: [%d, +%d) beyond %d bytes",
			casctype.ErrOutOfRange, c.id, offset, size, c.src.Size())
	}
	n, err := sizing.ToInt(size, casctype.ErrOutOfRange)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	read, err := c.src.ReadAt(buf, int64(offset)) //nolint:gosec // bounded by Within
	if read == n {
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("%w: container %d at %d: %w", casctype.ErrIO, c.id, offset, err)
}

// Section returns a reader bounded to [offset, offset+size).
func (c *Container) Section(offset, size uint64) (*io.SectionReader, error) {
	if !sizing.Within(offset, size, c.src.Size()) {
		return nil, fmt.Errorf("%w: container %d: [%d, +%d) beyond %d bytes",
			casctype.ErrOutOfRange, c.id, offset, size, c.src.Size())
	}
	return io.NewSectionReader(&ioErrReader{c: c}, int64(offset), int64(size)), nil //nolint:gosec // bounded by Within
}

// Close releases the underlying file. It is safe to call more than once.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
	})
	return c.closeErr
}

type fileSource struct {
	*os.File
	size int64
}

func (s *fileSource) Size() int64 {
	return s.size
}

// ioErrReader tags read failures from a section with ErrIO.
type ioErrReader struct {
	c *Container
}

func (r *ioErrReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.c.src.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: container %d at %d: %w", casctype.ErrIO, r.c.id, off, err)
	}
	return n, err
}
