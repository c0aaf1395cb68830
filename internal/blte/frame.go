package blte

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's checksum
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/sizing"
)

// Magic starts every frame.
const Magic = "BLTE"

const (
	preambleSize   = 8
	tableHeadSize  = 4
	chunkInfoSize  = 4 + 4 + md5.Size
	tableFormat    = 0x0f
	tableFormatExt = 0x10
)

// DefaultMaxDecodedSize bounds the decoded size of a frame (256MB).
const DefaultMaxDecodedSize = 256 << 20

// ChunkInfo is one chunk table entry.
type ChunkInfo struct {
	EncodedSize uint32
	DecodedSize uint32
	Checksum    [md5.Size]byte

	offset int64
}

// Option configures decoding.
type Option func(*config)

type config struct {
	verify         bool
	maxDecodedSize uint64
	pool           *ZlibPool
}

// WithVerify enables or disables chunk checksum verification (default: true).
func WithVerify(enabled bool) Option {
	return func(c *config) {
		c.verify = enabled
	}
}

// WithMaxDecodedSize bounds the decoded size of a frame. Chunk tables that
// declare more are rejected before anything is decoded, and chunks without a
// recorded size stop inflating at the limit. Zero disables the limit.
func WithMaxDecodedSize(limit uint64) Option {
	return func(c *config) {
		c.maxDecodedSize = limit
	}
}

// WithPool shares a zlib reader pool across frames.
func WithPool(p *ZlibPool) Option {
	return func(c *config) {
		c.pool = p
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{
		verify:         true,
		maxDecodedSize: DefaultMaxDecodedSize,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Frame is a parsed BLTE frame whose chunks are read on demand.
type Frame struct {
	r          io.ReaderAt
	size       int64
	headerSize uint32
	chunks     []ChunkInfo
	cfg        *config
}

// Parse reads the frame header and chunk table from r, which holds size bytes
// of frame data. Chunk data is not read.
func Parse(r io.ReaderAt, size int64, opts ...Option) (*Frame, error) {
	return parse(r, size, newConfig(opts))
}

func parse(r io.ReaderAt, size int64, cfg *config) (*Frame, error) {
	if size < preambleSize {
		return nil, fmt.Errorf("%w: %w: %d byte frame", casctype.ErrDecode, casctype.ErrInvalidHeader, size)
	}
	var pre [preambleSize]byte
	if err := readAt(r, pre[:], 0); err != nil {
		return nil, err
	}
	if string(pre[:4]) != Magic {
		return nil, fmt.Errorf("%w: %w: magic %q", casctype.ErrDecode, casctype.ErrInvalidHeader, pre[:4])
	}

	f := &Frame{r: r, size: size, cfg: cfg}
	f.headerSize = binary.BigEndian.Uint32(pre[4:8])
	if f.headerSize == 0 {
		f.chunks = []ChunkInfo{{
			EncodedSize: uint32(size - preambleSize), //nolint:gosec // block sizes are 32-bit in the index
			offset:      preambleSize,
		}}
		return f, nil
	}

	if int64(f.headerSize) > size || f.headerSize < preambleSize+tableHeadSize {
		return nil, fmt.Errorf("%w: %w: header size %d for %d byte frame",
			casctype.ErrDecode, casctype.ErrInvalidHeader, f.headerSize, size)
	}
	table := make([]byte, f.headerSize-preambleSize)
	if err := readAt(r, table, preambleSize); err != nil {
		return nil, err
	}
	switch table[0] {
	case tableFormat:
	case tableFormatExt:
		return nil, fmt.Errorf("%w: %w: extended chunk table", casctype.ErrDecode, casctype.ErrUnsupportedVersion)
	default:
		return nil, fmt.Errorf("%w: %w: chunk table format %#02x",
			casctype.ErrDecode, casctype.ErrInvalidHeader, table[0])
	}
	count := int(sizing.Uint24BE(table[1:4]))
	if count == 0 || len(table) != tableHeadSize+count*chunkInfoSize {
		return nil, fmt.Errorf("%w: %w: %d chunks in %d byte header",
			casctype.ErrDecode, casctype.ErrInvalidHeader, count, f.headerSize)
	}

	f.chunks = make([]ChunkInfo, count)
	offset := int64(f.headerSize)
	for i := range f.chunks {
		rec := table[tableHeadSize+i*chunkInfoSize:]
		c := &f.chunks[i]
		c.EncodedSize = binary.BigEndian.Uint32(rec[0:4])
		c.DecodedSize = binary.BigEndian.Uint32(rec[4:8])
		copy(c.Checksum[:], rec[8:8+md5.Size])
		c.offset = offset
		offset += int64(c.EncodedSize)
	}
	if offset != size {
		return nil, fmt.Errorf("%w: chunk table covers %d bytes, frame has %d",
			casctype.ErrDecode, offset, size)
	}
	if total, _ := f.DecodedSize(); cfg.maxDecodedSize > 0 && total > cfg.maxDecodedSize {
		return nil, fmt.Errorf("%w: chunk table declares %d bytes, limit is %d",
			casctype.ErrDecode, total, cfg.maxDecodedSize)
	}
	return f, nil
}

// HeaderSize returns the recorded header size. Zero means the frame has no
// chunk table.
func (f *Frame) HeaderSize() uint32 {
	return f.headerSize
}

// Chunks returns the chunk table.
func (f *Frame) Chunks() []ChunkInfo {
	return slices.Clone(f.chunks)
}

// DecodedSize returns the total decoded size recorded in the chunk table.
// ok is false for frames without a table.
func (f *Frame) DecodedSize() (size uint64, ok bool) {
	if f.headerSize == 0 {
		return 0, false
	}
	for _, c := range f.chunks {
		size += uint64(c.DecodedSize)
	}
	return size, true
}

// Flags reports how the frame is encoded. It reads one byte per chunk.
func (f *Frame) Flags() (casctype.Flags, error) {
	var flags casctype.Flags
	if len(f.chunks) > 1 {
		flags |= casctype.FlagChunked
	}
	var mode [1]byte
	for _, c := range f.chunks {
		if c.EncodedSize == 0 {
			continue
		}
		if err := readAt(f.r, mode[:], c.offset); err != nil {
			return 0, err
		}
		flags |= Mode(mode[0]).flags()
	}
	return flags, nil
}

// Stream returns an iterator that reads and decodes one chunk at a time.
// Iteration stops after the first error.
func (f *Frame) Stream() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for i := range f.chunks {
			out, err := f.decodeChunkAt(i)
			if !yield(out, err) || err != nil {
				return
			}
		}
	}
}

// Decode decodes the whole frame.
func (f *Frame) Decode() ([]byte, error) {
	if total, ok := f.DecodedSize(); ok {
		n, err := sizing.ToInt(total, casctype.ErrDecode)
		if err != nil {
			return nil, err
		}
		if len(f.chunks) == 1 {
			return f.decodeChunkAt(0)
		}
		out := make([]byte, 0, min(n, int(f.size)*maxDeflateRatio))
		for chunk, err := range f.Stream() {
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
		}
		return out, nil
	}
	return f.decodeChunkAt(0)
}

func (f *Frame) decodeChunkAt(i int) ([]byte, error) {
	c := f.chunks[i]
	raw := make([]byte, c.EncodedSize)
	if err := readAt(f.r, raw, c.offset); err != nil {
		return nil, err
	}
	size := -1
	if f.headerSize != 0 {
		if f.cfg.verify {
			if sum := md5.Sum(raw); sum != c.Checksum { //nolint:gosec // format checksum
				return nil, fmt.Errorf("%w: chunk %d", casctype.ErrChecksumMismatch, i)
			}
		}
		size = int(c.DecodedSize)
	}
	out, err := decodeChunk(raw, size, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", i, err)
	}
	return out, nil
}

// Decode decodes a complete frame held in memory. When decodedSize is
// non-negative the output length must match it, and a chunk table that
// declares a different total is rejected before decoding.
func Decode(raw []byte, decodedSize int64, opts ...Option) ([]byte, error) {
	f, err := Parse(bytes.NewReader(raw), int64(len(raw)), opts...)
	if err != nil {
		return nil, err
	}
	if total, ok := f.DecodedSize(); ok && decodedSize >= 0 && total != uint64(decodedSize) {
		return nil, fmt.Errorf("%w: chunk table declares %d bytes, want %d", casctype.ErrDecode, total, decodedSize)
	}
	out, err := f.Decode()
	if err != nil {
		return nil, err
	}
	if decodedSize >= 0 && int64(len(out)) != decodedSize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", casctype.ErrDecode, len(out), decodedSize)
	}
	return out, nil
}

func readAt(r io.ReaderAt, p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		return fmt.Errorf("%w: frame truncated at %d", casctype.ErrDecode, off+int64(n))
	}
	return err
}
