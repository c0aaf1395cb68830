package casc

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content keys in fixtures
	"os"
	"sync"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/casc/internal/blte"
	"github.com/meigma/casc/internal/container"
	"github.com/meigma/casc/internal/root"
	"github.com/meigma/casc/internal/testutil"
)

const (
	pathSword   = `Interface\Icons\INV_Sword_01.blp`
	pathTerrain = `World\Maps\Azeroth\Azeroth.wdt`
	pathMusic   = `Sound\Music\Intro.mp3`
	pathReadme  = `readme.txt`
)

// patterned returns n compressible bytes that differ per seed.
func patterned(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%251) ^ seed
	}
	return b
}

// newStorage writes a storage with four named files and one unnamed file in
// container 0. ROOT and ENCODING land in container 1.
func newStorage(t *testing.T, format root.Format) *testutil.Storage {
	t.Helper()
	b := testutil.NewBuilder(t)
	b.RootFormat = format
	b.Add(pathSword, patterned(3000, 1), blte.EncodeOptions{Mode: blte.ModeZlib})
	b.Add(pathTerrain, patterned(20000, 2), blte.EncodeOptions{Mode: blte.ModeZlib, ChunkSize: 4096})
	b.Add(pathMusic, patterned(9000, 3), blte.EncodeOptions{Mode: blte.ModeLZ4, ChunkSize: 4096})
	b.Add(pathReadme, []byte("hello, storage\n"), blte.EncodeOptions{})
	b.Add("", patterned(64, 4), blte.EncodeOptions{})
	b.NextContainer()
	return b.Build()
}

func openStorage(t *testing.T, s *testutil.Storage, opts ...Option) *Archive {
	t.Helper()
	a, err := Open(s.Root, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestReadByHash(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)

	for _, f := range s.Files {
		got, err := a.ReadByHash(f.CKey)
		require.NoError(t, err, f.Path)
		assert.Len(t, got, int(f.DecodedSize), f.Path)
		assert.Equal(t, f.Content, got, f.Path)
	}
}

func TestReadIsRepeatable(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)
	f := s.File(t, pathTerrain)

	first, err := a.ReadByHash(f.CKey)
	require.NoError(t, err)
	second, err := a.ReadByHash(f.CKey)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReadByPath(t *testing.T) {
	t.Parallel()

	for _, format := range []root.Format{root.Legacy, root.MFST} {
		s := newStorage(t, format)
		a := openStorage(t, s)

		for _, f := range s.Files {
			if f.Path == "" {
				continue
			}
			byPath, err := a.ReadByPath(f.Path)
			require.NoError(t, err, f.Path)
			byHash, err := a.ReadByHash(f.CKey)
			require.NoError(t, err, f.Path)
			assert.Equal(t, byHash, byPath, f.Path)

			ckey, err := a.Resolve(f.Path)
			require.NoError(t, err)
			assert.Equal(t, f.CKey, ckey)
		}
	}
}

func TestReadByPathIgnoresCaseAndSeparator(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)
	want := s.File(t, pathSword).Content

	for _, p := range []string{
		`interface\icons\inv_sword_01.blp`,
		`INTERFACE\ICONS\INV_SWORD_01.BLP`,
		`Interface/Icons/INV_Sword_01.blp`,
	} {
		got, err := a.ReadByPath(p)
		require.NoError(t, err, p)
		assert.Equal(t, want, got, p)
	}
}

func TestReadByFileDataID(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.MFST)
	a := openStorage(t, s)

	for _, f := range s.Files {
		got, err := a.ReadByFileDataID(f.FileDataID)
		require.NoError(t, err, f.FileDataID)
		assert.Equal(t, f.Content, got)
	}

	_, err := a.ReadByFileDataID(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadByEncodedKey(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)
	f := s.File(t, pathMusic)

	got, err := a.ReadByEncodedKey(f.EKey)
	require.NoError(t, err)
	assert.Equal(t, f.Content, got)

	_, err = a.ReadByEncodedKey(EncodedKey{0x01})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	b := testutil.NewBuilder(t)
	b.Add("present.txt", []byte("present"), blte.EncodeOptions{})
	b.AddUnindexed("missing-block.txt", []byte("never stored"))
	s := b.Build()
	a := openStorage(t, s)

	_, err := a.ReadByHash(ContentKey{0xde, 0xad})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = a.ReadByPath("absent.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = a.ReadByPath("missing-block.txt")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = a.Locate(s.File(t, "missing-block.txt").CKey)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocate(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)

	tests := []struct {
		path  string
		flags Flags
	}{
		{pathSword, FlagCompressed},
		{pathTerrain, FlagCompressed | FlagChunked},
		{pathMusic, FlagCompressed | FlagChunked},
		{pathReadme, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			f := s.File(t, tt.path)
			loc, err := a.Locate(f.CKey)
			require.NoError(t, err)
			assert.Equal(t, f.EKey, loc.EKey)
			assert.Equal(t, f.Container, loc.Container)
			assert.Equal(t, f.Offset, loc.Offset)
			assert.Equal(t, f.BlockSize, loc.EncodedSize)
			assert.Equal(t, f.DecodedSize, loc.DecodedSize)
			assert.Equal(t, tt.flags, loc.Flags)
		})
	}
}

// A 64 byte block at offset 128 decoding to 100 bytes: the local header,
// a headerless zlib frame and zero padding after the zlib trailer.
func TestReadPaddedBlock(t *testing.T) {
	t.Parallel()

	content := make([]byte, 100)
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, err := zw.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	frame := append([]byte("BLTE\x00\x00\x00\x00Z"), z.Bytes()...)
	require.LessOrEqual(t, len(frame), 34)
	frame = append(frame, make([]byte, 34-len(frame))...)

	// The content key is a fixed value rather than the MD5 of content.
	var ckey ContentKey
	for i := range ckey {
		ckey[i] = 0xaa
	}

	b := testutil.NewBuilder(t)
	b.Pad(128)
	f := b.AddFrameWithKey("padded.bin", ckey, content, frame)
	s := b.Build()
	require.Equal(t, uint64(128), f.Offset)
	require.Equal(t, uint32(64), f.BlockSize)

	a := openStorage(t, s, WithVerify(false))
	got, err := a.ReadByHash(ckey)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	again, err := a.ReadByPath("padded.bin")
	require.NoError(t, err)
	assert.Equal(t, got, again)

	loc, err := a.Locate(ckey)
	require.NoError(t, err)
	assert.Equal(t, 0, loc.Container)
	assert.Equal(t, uint64(128), loc.Offset)
	assert.Equal(t, uint32(64), loc.EncodedSize)
	assert.Equal(t, uint64(100), loc.DecodedSize)
	assert.Equal(t, FlagCompressed, loc.Flags)
}

func TestReadOutOfRange(t *testing.T) {
	t.Parallel()

	b := testutil.NewBuilder(t)
	first := b.Add("first.bin", patterned(500, 1), blte.EncodeOptions{Mode: blte.ModeZlib})
	last := b.Add("last.bin", patterned(800, 2), blte.EncodeOptions{Mode: blte.ModeZlib})
	b.NextContainer()
	s := b.Build()
	require.NoError(t, os.Truncate(s.ContainerPath(0), int64(last.Offset)+int64(last.BlockSize)-10))

	a := openStorage(t, s)

	got, err := a.ReadByHash(first.CKey)
	require.NoError(t, err)
	assert.Equal(t, first.Content, got)

	_, err = a.ReadByHash(last.CKey)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = a.Locate(last.CKey)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestChecksumMismatch(t *testing.T) {
	t.Parallel()

	content := patterned(700, 9)
	frame, _, err := blte.Encode(content, blte.EncodeOptions{Mode: blte.ModeZlib})
	require.NoError(t, err)
	wrong := ContentKey{0xaa, 0xaa, 0xaa, 0xaa}

	b := testutil.NewBuilder(t)
	b.AddFrameWithKey("wrong.bin", wrong, content, frame)
	s := b.Build()

	a := openStorage(t, s)
	_, err = a.ReadByHash(wrong)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.ErrorIs(t, err, ErrDecode)

	unverified := openStorage(t, s, WithVerify(false))
	got, err := unverified.ReadByPath("wrong.bin")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestEncryptedBlock(t *testing.T) {
	t.Parallel()

	content := patterned(40, 5)
	frame := []byte("BLTE\x00\x00\x00\x00E")
	frame = append(frame, 8, 1, 2, 3, 4, 5, 6, 7, 8, 4, 0, 0, 0, 0, 'S')
	frame = append(frame, content...)

	b := testutil.NewBuilder(t)
	f := b.AddFrame("secret.bin", content, frame)
	s := b.Build()
	a := openStorage(t, s)

	_, err := a.ReadByHash(f.CKey)
	require.ErrorIs(t, err, ErrEncrypted)
	require.ErrorIs(t, err, ErrDecode)

	loc, err := a.Locate(f.CKey)
	require.NoError(t, err)
	assert.Equal(t, FlagEncrypted, loc.Flags)
}

func TestMaxFileSize(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s, WithMaxFileSize(5000))

	_, err := a.ReadByPath(pathTerrain)
	require.ErrorIs(t, err, ErrFileTooLarge)

	_, err = a.OpenByPath(pathTerrain)
	require.ErrorIs(t, err, ErrFileTooLarge)

	got, err := a.ReadByPath(pathReadme)
	require.NoError(t, err)
	assert.Equal(t, s.File(t, pathReadme).Content, got)
}

func TestOpenMissingStorage(t *testing.T) {
	t.Parallel()

	_, err := Open(t.TempDir())
	require.ErrorIs(t, err, ErrArchiveNotFound)
}

func TestOpenCorruptIndex(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	paths := s.IndexPaths(t)
	require.NotEmpty(t, paths)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	data[8] ^= 0xff
	require.NoError(t, os.WriteFile(paths[0], data, 0o600))

	opener := &trackingOpener{s: s}
	_, err = Open(s.Root, opener.option())
	require.ErrorIs(t, err, ErrCorruptIndex)
	require.ErrorIs(t, err, ErrInvalidHeader)
	assert.Empty(t, opener.opened)
}

// trackingOpener opens the containers of a test storage and remembers them.
type trackingOpener struct {
	s *testutil.Storage

	mu     sync.Mutex
	opened []*container.Container
}

func (o *trackingOpener) option() Option {
	return func(a *Archive) {
		a.open = func(id int) (*container.Container, error) {
			c, err := container.Open(o.s.ContainerPath(id), id, 0)
			if err != nil {
				return nil, err
			}
			o.mu.Lock()
			o.opened = append(o.opened, c)
			o.mu.Unlock()
			return c, nil
		}
	}
}

// requireAllClosed fails unless at least one container was opened and every
// one of them has been closed.
func (o *trackingOpener) requireAllClosed(t *testing.T) {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.opened)
	for _, c := range o.opened {
		_, err := c.ReadBlock(0, 1)
		require.ErrorIs(t, err, os.ErrClosed, c.Name())
	}
}

func TestOpenCorruptEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		encode blte.EncodeOptions
		opts   []Option
		want   error
	}{
		{"page checksum", blte.EncodeOptions{}, []Option{WithVerify(false)}, ErrCorruptIndex},
		{"chunk checksum", blte.EncodeOptions{}, nil, ErrChecksumMismatch},
		{"undecodable block", blte.EncodeOptions{Mode: blte.ModeZlib}, []Option{WithVerify(false)}, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := testutil.NewBuilder(t)
			b.Encode = tt.encode
			b.Add(pathReadme, []byte("hello, storage\n"), blte.EncodeOptions{})
			b.NextContainer()
			s := b.Build()

			// The last byte of the block is in the last ENCODING page, or in
			// the zlib trailer when the block is compressed.
			path := s.ContainerPath(s.Encoding.Container)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.Len(t, data, int(s.Encoding.Offset)+int(s.Encoding.BlockSize))
			data[len(data)-1] ^= 0xff
			require.NoError(t, os.WriteFile(path, data, 0o600))

			opener := &trackingOpener{s: s}
			_, err = Open(s.Root, append(tt.opts, opener.option())...)
			require.ErrorIs(t, err, ErrCorruptIndex)
			require.ErrorIs(t, err, tt.want)
			opener.requireAllClosed(t)
		})
	}
}

func TestOpenEncodingKeyOfOtherBlock(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	opener := &trackingOpener{s: s}
	_, err := Open(s.Root, WithEncodingKey(s.File(t, pathReadme).EKey), opener.option())
	require.ErrorIs(t, err, ErrCorruptIndex)
	opener.requireAllClosed(t)
}

func TestOpenWithoutBuildInfo(t *testing.T) {
	t.Parallel()

	b := testutil.NewBuilder(t)
	b.SkipBuildInfo = true
	f := b.Add("a.txt", []byte("explicit keys"), blte.EncodeOptions{Mode: blte.ModeZlib})
	s := b.Build()

	_, err := Open(s.Root)
	require.ErrorIs(t, err, ErrArchiveNotFound)

	a := openStorage(t, s, WithEncodingKey(s.EncodingEKey), WithRootKey(s.RootCKey))
	got, err := a.ReadByPath("a.txt")
	require.NoError(t, err)
	assert.Equal(t, f.Content, got)

	a = openStorage(t, s, WithBuildKey(s.BuildKey))
	got, err = a.ReadByPath("a.txt")
	require.NoError(t, err)
	assert.Equal(t, f.Content, got)
}

func TestOpenDataDirectory(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s, WithEncodingKey(s.EncodingEKey), WithRootKey(s.RootCKey))

	got, err := a.ReadByPath(pathReadme)
	require.NoError(t, err)
	assert.Equal(t, s.File(t, pathReadme).Content, got)

	fromData, err := Open(s.DataDir, WithBuildKey(s.BuildKey))
	require.NoError(t, err)
	defer fromData.Close()
	got, err = fromData.ReadByPath(pathReadme)
	require.NoError(t, err)
	assert.Equal(t, s.File(t, pathReadme).Content, got)
}

func TestContainersOpenLazily(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)

	info, err := a.Info()
	require.NoError(t, err)
	assert.Equal(t, 1, info.OpenContainers)
	assert.Equal(t, []int{0, 1}, info.Containers)

	f := s.File(t, pathTerrain)
	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.ReadByHash(f.CKey)
			if err == nil && !bytes.Equal(got, f.Content) {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	info, err = a.Info()
	require.NoError(t, err)
	assert.Equal(t, 2, info.OpenContainers)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a := openStorage(t, s)

	info, err := a.Info()
	require.NoError(t, err)
	assert.Equal(t, s.Root, info.Root)
	assert.Equal(t, s.DataDir, info.DataDir)
	assert.Equal(t, s.BuildKey, info.BuildKey)
	assert.Equal(t, "TEST-1.0.0", info.BuildName)
	assert.Equal(t, "1.0.0.1", info.Version)
	assert.Equal(t, "test", info.Branch)
	assert.Equal(t, s.EncodingEKey, info.EncodingKey)
	assert.Equal(t, s.RootCKey, info.RootKey)
	// five files, ROOT and ENCODING
	assert.Equal(t, 7, info.IndexEntries)
	assert.Equal(t, 6, info.EncodingEntries)
}

func TestClose(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	a, err := Open(s.Root)
	require.NoError(t, err)
	f := s.File(t, pathSword)

	rc, err := a.OpenByHash(f.CKey)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Close(), ErrSessionClosed)

	_, err = a.ReadByHash(f.CKey)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = a.ReadByPath(pathSword)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = a.Locate(f.CKey)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = a.Info()
	require.ErrorIs(t, err, ErrSessionClosed)

	_, err = rc.Read(make([]byte, 16))
	require.ErrorIs(t, err, ErrSessionClosed)
	require.NoError(t, rc.Close())
}

func TestReadCached(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	c := testutil.NewMockCache()
	a := openStorage(t, s, WithCache(c))
	f := s.File(t, pathTerrain)

	for range 3 {
		got, err := a.ReadByHash(f.CKey)
		require.NoError(t, err)
		assert.Equal(t, f.Content, got)
	}
	assert.Equal(t, int64(1), c.Puts())

	// Streams are served from the cache too.
	rc, err := a.OpenByHash(f.CKey)
	require.NoError(t, err)
	defer rc.Close()
	assert.IsType(t, bytesReadCloser{}, rc)
}

func TestReadCachedReplacesCorruptEntry(t *testing.T) {
	t.Parallel()

	s := newStorage(t, root.Legacy)
	f := s.File(t, pathSword)
	c := testutil.NewMockCache()
	require.NoError(t, c.Put(f.CKey[:], []byte("corrupt")))

	a := openStorage(t, s, WithCache(c))
	got, err := a.ReadByHash(f.CKey)
	require.NoError(t, err)
	assert.Equal(t, f.Content, got)

	cached, ok := c.Get(f.CKey[:])
	require.True(t, ok)
	assert.Equal(t, md5.Sum(f.Content), md5.Sum(cached)) //nolint:gosec // content key
}
