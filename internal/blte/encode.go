package blte

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the format's key function
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/sizing"
)

// EncodeOptions controls Encode.
type EncodeOptions struct {
	// Mode selects the chunk encoding. Zero means ModeRaw.
	Mode Mode

	// ChunkSize splits input larger than ChunkSize into chunks of at most
	// ChunkSize bytes. Zero keeps a single chunk.
	ChunkSize int

	// Headerless writes a single chunk without a chunk table.
	// It cannot be combined with chunking.
	Headerless bool

	// Level is the zlib compression level. Zero uses the default level.
	Level int
}

// Encode builds a BLTE frame for data and returns it with its encoded key.
//
// The encoded key is the MD5 of the frame header when a chunk table is
// present, and of the whole frame otherwise.
func Encode(data []byte, opts EncodeOptions) ([]byte, casctype.EncodedKey, error) {
	if opts.Mode == 0 {
		opts.Mode = ModeRaw
	}

	pieces := [][]byte{data}
	if opts.ChunkSize > 0 && len(data) > opts.ChunkSize {
		if opts.Headerless {
			return nil, casctype.EncodedKey{}, fmt.Errorf("blte: headerless frames hold one chunk")
		}
		pieces = pieces[:0]
		for start := 0; start < len(data); start += opts.ChunkSize {
			pieces = append(pieces, data[start:min(start+opts.ChunkSize, len(data))])
		}
	}

	chunks := make([][]byte, len(pieces))
	for i, p := range pieces {
		c, err := encodeChunk(p, opts)
		if err != nil {
			return nil, casctype.EncodedKey{}, err
		}
		chunks[i] = c
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	if opts.Headerless {
		out.Write([]byte{0, 0, 0, 0})
		out.Write(chunks[0])
		return out.Bytes(), casctype.EncodedKey(md5.Sum(out.Bytes())), nil //nolint:gosec // format key
	}

	headerSize := preambleSize + tableHeadSize + len(chunks)*chunkInfoSize
	header := make([]byte, headerSize)
	copy(header, Magic)
	binary.BigEndian.PutUint32(header[4:8], uint32(headerSize)) //nolint:gosec // bounded by chunk count
	header[8] = tableFormat
	sizing.PutUint24BE(header[9:12], uint32(len(chunks))) //nolint:gosec // bounded by input size
	for i, c := range chunks {
		rec := header[preambleSize+tableHeadSize+i*chunkInfoSize:]
		binary.BigEndian.PutUint32(rec[0:4], uint32(len(c)))         //nolint:gosec // chunk sizes are 32-bit
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(pieces[i]))) //nolint:gosec // chunk sizes are 32-bit
		sum := md5.Sum(c)                                            //nolint:gosec // format checksum
		copy(rec[8:], sum[:])
	}
	out.Reset()
	out.Write(header)
	for _, c := range chunks {
		out.Write(c)
	}
	return out.Bytes(), casctype.EncodedKey(md5.Sum(header)), nil //nolint:gosec // format key
}

func encodeChunk(data []byte, opts EncodeOptions) ([]byte, error) {
	switch opts.Mode {
	case ModeRaw:
		return append([]byte{byte(ModeRaw)}, data...), nil
	case ModeZlib:
		var buf bytes.Buffer
		buf.WriteByte(byte(ModeZlib))
		level := opts.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		zw, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("blte: zlib: %w", err)
		}
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("blte: zlib: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("blte: zlib: %w", err)
		}
		return buf.Bytes(), nil
	case ModeLZ4:
		return encodeLZ4(data)
	default:
		return nil, fmt.Errorf("blte: cannot encode mode %s", opts.Mode)
	}
}

func encodeLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("blte: lz4: %w", err)
	}
	if n == 0 && len(data) > 0 {
		// Incompressible input is stored raw.
		return append([]byte{byte(ModeRaw)}, data...), nil
	}

	out := make([]byte, 1+lz4HeaderSize+n)
	out[0] = byte(ModeLZ4)
	out[1] = lz4Version
	binary.BigEndian.PutUint64(out[2:10], uint64(len(data)))
	out[10] = byte(bits.Len(uint(len(data))))
	copy(out[1+lz4HeaderSize:], dst[:n])
	return out, nil
}

// EncodedKeyOf returns the encoded key of a complete frame.
func EncodedKeyOf(frame []byte) (casctype.EncodedKey, error) {
	if len(frame) < preambleSize || string(frame[:len(Magic)]) != Magic {
		return casctype.EncodedKey{}, fmt.Errorf("%w: %w: not a BLTE frame", casctype.ErrDecode, casctype.ErrInvalidHeader)
	}
	headerSize := binary.BigEndian.Uint32(frame[4:preambleSize])
	if headerSize == 0 {
		return casctype.EncodedKey(md5.Sum(frame)), nil //nolint:gosec // format key
	}
	if uint64(headerSize) > uint64(len(frame)) {
		return casctype.EncodedKey{}, fmt.Errorf("%w: %w: header size %d exceeds %d byte frame",
			casctype.ErrDecode, casctype.ErrInvalidHeader, headerSize, len(frame))
	}
	return casctype.EncodedKey(md5.Sum(frame[:headerSize])), nil //nolint:gosec // format key
}
