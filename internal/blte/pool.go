package blte

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// ZlibPool manages reusable zlib readers to reduce allocation overhead.
// The zero value is not usable; use NewZlibPool.
type ZlibPool struct {
	pool *sync.Pool
}

// NewZlibPool creates an empty reader pool.
func NewZlibPool() *ZlibPool {
	return &ZlibPool{pool: &sync.Pool{}}
}

// Get returns a reader decompressing r.
// The caller must call the returned release function when done.
// If an error is returned, no release function needs to be called.
func (p *ZlibPool) Get(r io.Reader) (io.ReadCloser, func(), error) {
	if p == nil || p.pool == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { _ = zr.Close() }, nil
	}

	if value := p.pool.Get(); value != nil {
		zr, ok := value.(io.ReadCloser)
		resetter, canReset := value.(zlib.Resetter)
		if ok && canReset {
			if err := resetter.Reset(r, nil); err != nil {
				// A bad stream header leaves the reader reusable.
				p.pool.Put(zr)
				return nil, nil, err
			}
			return zr, func() { p.pool.Put(zr) }, nil
		}
	}

	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, nil, err
	}
	return zr, func() { p.pool.Put(zr) }, nil
}
