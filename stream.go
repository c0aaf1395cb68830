package casc

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's content key
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
)

var errReaderClosed = errors.New("casc: reader closed")

// OpenByHash returns a reader that decodes the content with the given key
// one chunk at a time, so large files are never held in memory whole.
//
// The content key is verified at EOF unless verification is disabled; a
// mismatch is reported by the final Read as ErrChecksumMismatch. Callers
// must Close the reader.
func (a *Archive) OpenByHash(ckey ContentKey) (io.ReadCloser, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	return a.openStream(ckey)
}

// OpenByPath is OpenByHash for the file at path.
func (a *Archive) OpenByPath(path string) (io.ReadCloser, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	defer a.release()
	ckey, err := a.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return a.openStream(ckey)
}

func (a *Archive) openStream(ckey ContentKey) (io.ReadCloser, error) {
	if a.cache != nil {
		if data, ok := a.cacheGet(ckey); ok {
			a.log().Debug("stream cache hit", "ckey", ckey)
			return bytesReadCloser{bytes.NewReader(data)}, nil
		}
	}

	s, err := a.resolveContent(ckey)
	if err != nil {
		return nil, err
	}
	if err := a.checkSize(s.size, ckey); err != nil {
		return nil, err
	}
	f, err := a.openFrame(s)
	if err != nil {
		return nil, err
	}
	if total, ok := f.DecodedSize(); ok && total != s.size {
		return nil, fmt.Errorf("%w: chunk table of %s decodes to %d bytes, want %d", ErrDecode, ckey, total, s.size)
	}

	next, stop := iter.Pull2(f.Stream())
	r := &chunkReader{a: a, ckey: ckey, size: s.size, next: next, stop: stop}
	if a.verify {
		r.hasher = md5.New() //nolint:gosec // content key
	}
	return r, nil
}

// chunkReader reads a frame's chunks on demand.
type chunkReader struct {
	a      *Archive
	ckey   ContentKey
	size   uint64
	next   func() ([]byte, error, bool)
	stop   func()
	hasher hash.Hash

	buf  []byte
	read uint64
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// fill decodes the next chunk, or sets r.err at the end of the frame.
func (r *chunkReader) fill() {
	if err := r.a.acquire(); err != nil {
		r.fail(err)
		return
	}
	chunk, err, ok := r.next()
	r.a.release()

	switch {
	case !ok:
		r.fail(r.finish())
	case err != nil:
		r.fail(fmt.Errorf("content key %s: %w", r.ckey, err))
	default:
		r.read += uint64(len(chunk))
		if r.read > r.size {
			r.fail(fmt.Errorf("%w: %s decodes past its %d byte size", ErrDecode, r.ckey, r.size))
			return
		}
		if r.hasher != nil {
			_, _ = r.hasher.Write(chunk) //nolint:errcheck // hash writes never fail
		}
		r.buf = chunk
	}
}

// finish checks the decoded length and content key at the end of the frame.
func (r *chunkReader) finish() error {
	if r.read != r.size {
		return fmt.Errorf("%w: %s decoded to %d bytes, want %d", ErrDecode, r.ckey, r.read, r.size)
	}
	if r.hasher != nil && !bytes.Equal(r.hasher.Sum(nil), r.ckey[:]) {
		return fmt.Errorf("%w: content key %s", ErrChecksumMismatch, r.ckey)
	}
	return io.EOF
}

func (r *chunkReader) fail(err error) {
	r.err = err
	r.buf = nil
	r.stop()
}

func (r *chunkReader) Close() error {
	if r.err == nil {
		r.fail(errReaderClosed)
	}
	return nil
}
