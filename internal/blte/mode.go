package blte

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"github.com/meigma/casc/internal/casctype"
)

// Mode is the leading byte of a chunk.
type Mode byte

// Chunk modes.
const (
	ModeRaw       Mode = 'N'
	ModeZlib      Mode = 'Z'
	ModeLZ4       Mode = '4'
	ModeFrame     Mode = 'F'
	ModeEncrypted Mode = 'E'
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeZlib:
		return "zlib"
	case ModeLZ4:
		return "lz4"
	case ModeFrame:
		return "frame"
	case ModeEncrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("unknown(%#02x)", byte(m))
	}
}

// flags returns the encoding flags implied by a chunk of this mode.
func (m Mode) flags() casctype.Flags {
	switch m {
	case ModeZlib, ModeLZ4, ModeFrame:
		return casctype.FlagCompressed
	case ModeEncrypted:
		return casctype.FlagEncrypted
	default:
		return 0
	}
}

// decoder decodes a chunk payload (mode byte removed). size is the expected
// decoded size, or -1 when the frame does not record it.
type decoder func(payload []byte, size int, cfg *config) ([]byte, error)

// decoders maps each mode to its decode strategy.
var decoders map[Mode]decoder

func init() {
	decoders = map[Mode]decoder{
		ModeRaw:       decodeRaw,
		ModeZlib:      decodeZlib,
		ModeLZ4:       decodeLZ4,
		ModeFrame:     decodeFrame,
		ModeEncrypted: decodeEncrypted,
	}
}

// decodeChunk dispatches on the chunk's mode byte.
func decodeChunk(chunk []byte, size int, cfg *config) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", casctype.ErrDecode)
	}
	mode := Mode(chunk[0])
	dec, ok := decoders[mode]
	if !ok {
		return nil, fmt.Errorf("%w: unknown chunk mode %s", casctype.ErrDecode, mode)
	}
	out, err := dec(chunk[1:], size, cfg)
	if err != nil {
		return nil, err
	}
	if size >= 0 && len(out) != size {
		return nil, fmt.Errorf("%w: %s chunk decoded to %d bytes, want %d",
			casctype.ErrDecode, mode, len(out), size)
	}
	return out, nil
}

func decodeRaw(payload []byte, _ int, _ *config) ([]byte, error) {
	return payload, nil
}

// maxDeflateRatio is the largest expansion deflate can produce.
const maxDeflateRatio = 1032

func decodeZlib(payload []byte, size int, cfg *config) ([]byte, error) {
	zr, release, err := cfg.pool.Get(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", casctype.ErrDecode, err)
	}
	defer release()

	if size < 0 {
		out, err := readAllLimit(zr, cfg.maxDecodedSize)
		if err != nil {
			return nil, fmt.Errorf("%w: zlib: %v", casctype.ErrDecode, err)
		}
		return out, nil
	}

	// The recorded size only caps the buffer; it grows with the real output.
	buf := bytes.NewBuffer(make([]byte, 0, min(size, len(payload)*maxDeflateRatio)))
	// Reading one byte past size reaches EOF, which checks the Adler-32 trailer.
	if _, err := buf.ReadFrom(io.LimitReader(zr, int64(size)+1)); err != nil {
		return nil, fmt.Errorf("%w: zlib: %v", casctype.ErrDecode, err)
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: zlib: inflated to %d bytes, want %d", casctype.ErrDecode, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

// LZ4 chunk payload: u8 version, u64 BE decoded size, u8 block shift, LZ4 block.
const (
	lz4Version    = 1
	lz4HeaderSize = 1 + 8 + 1
)

func decodeLZ4(payload []byte, size int, cfg *config) ([]byte, error) {
	if len(payload) < lz4HeaderSize {
		return nil, fmt.Errorf("%w: lz4: truncated header", casctype.ErrDecode)
	}
	if payload[0] != lz4Version {
		return nil, fmt.Errorf("%w: lz4: header version %d", casctype.ErrDecode, payload[0])
	}
	declared := binary.BigEndian.Uint64(payload[1:9])
	if size >= 0 && declared != uint64(size) {
		return nil, fmt.Errorf("%w: lz4: header declares %d bytes, want %d", casctype.ErrDecode, declared, size)
	}
	if cfg.maxDecodedSize > 0 && declared > cfg.maxDecodedSize {
		return nil, fmt.Errorf("%w: lz4: %d bytes exceeds limit", casctype.ErrDecode, declared)
	}
	out := make([]byte, declared)
	if declared == 0 {
		return out, nil
	}
	n, err := lz4.UncompressBlock(payload[lz4HeaderSize:], out)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", casctype.ErrDecode, err)
	}
	if uint64(n) != declared { //nolint:gosec // n is non-negative
		return nil, fmt.Errorf("%w: lz4: decoded %d of %d bytes", casctype.ErrDecode, n, declared)
	}
	return out, nil
}

func decodeFrame(payload []byte, size int, cfg *config) ([]byte, error) {
	f, err := parse(bytes.NewReader(payload), int64(len(payload)), cfg)
	if err != nil {
		return nil, err
	}
	out, err := f.Decode()
	if err != nil {
		return nil, err
	}
	if size >= 0 && len(out) != size {
		return nil, fmt.Errorf("%w: nested frame decoded to %d bytes, want %d", casctype.ErrDecode, len(out), size)
	}
	return out, nil
}

// Encrypted payload: u8 key name length, key name, u8 IV length, IV, u8 cipher.
func decodeEncrypted(payload []byte, _ int, _ *config) ([]byte, error) {
	name, ok := encryptionKeyName(payload)
	if !ok {
		return nil, fmt.Errorf("%w: malformed encrypted chunk header", casctype.ErrEncrypted)
	}
	return nil, fmt.Errorf("%w: key %x", casctype.ErrEncrypted, name)
}

func encryptionKeyName(payload []byte) ([]byte, bool) {
	if len(payload) < 1 {
		return nil, false
	}
	n := int(payload[0])
	if len(payload) < 1+n {
		return nil, false
	}
	return payload[1 : 1+n], true
}

func readAllLimit(r io.Reader, limit uint64) ([]byte, error) {
	if limit == 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: int64(limit) + 1} //nolint:gosec // limit is a configured size
	out, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("decoded size exceeds %d bytes", limit)
	}
	return out, nil
}
