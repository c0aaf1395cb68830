package testutil

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5 is the storage key function
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/meigma/casc/internal/blte"
	"github.com/meigma/casc/internal/buildcfg"
	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/container"
	"github.com/meigma/casc/internal/encoding"
	"github.com/meigma/casc/internal/idx"
	"github.com/meigma/casc/internal/root"
)

// StoredFile describes a file placed in a test storage.
type StoredFile struct {
	Path       string
	FileDataID uint32
	Content    []byte

	CKey        casctype.ContentKey
	EKey        casctype.EncodedKey
	Container   int
	Offset      uint64
	BlockSize   uint32
	DecodedSize uint64
}

// Storage is a CASC storage written to disk by a Builder.
type Storage struct {
	Root      string
	DataDir   string
	ConfigDir string
	BuildKey  string

	RootCKey     casctype.ContentKey
	EncodingCKey casctype.ContentKey
	EncodingEKey casctype.EncodedKey
	// Encoding is the stored ENCODING block, always the last block of the
	// last container.
	Encoding StoredFile

	Files []StoredFile
}

// File returns the stored file with the given path.
func (s *Storage) File(tb testing.TB, path string) StoredFile {
	tb.Helper()
	for _, f := range s.Files {
		if f.Path == path {
			return f
		}
	}
	tb.Fatalf("testutil: no stored file %q", path)
	return StoredFile{}
}

// ContainerPath returns the path of container id.
func (s *Storage) ContainerPath(id int) string {
	return filepath.Join(s.DataDir, container.FileName(id))
}

// IndexPaths returns the paths of the written bucket files.
func (s *Storage) IndexPaths(tb testing.TB) []string {
	tb.Helper()
	paths, err := filepath.Glob(filepath.Join(s.DataDir, "*.idx"))
	if err != nil {
		tb.Fatalf("testutil: %v", err)
	}
	return paths
}

// Builder assembles a complete CASC storage: data containers, bucket index
// files, ENCODING and ROOT tables, the build config and .build.info.
type Builder struct {
	tb testing.TB

	// RootFormat selects the ROOT layout. The zero value is root.Legacy.
	RootFormat root.Format
	// Encode is used for the ROOT and ENCODING blocks.
	Encode blte.EncodeOptions
	// SkipBuildInfo omits .build.info from the storage root.
	SkipBuildInfo bool

	containers [][]byte
	files      []StoredFile
	extra      []encoding.Entry
	blocks     map[casctype.ContentKey]StoredFile
	nextID     uint32
}

// NewBuilder returns an empty builder writing into container 0.
func NewBuilder(tb testing.TB) *Builder {
	tb.Helper()
	return &Builder{
		tb:         tb,
		Encode:     blte.EncodeOptions{Mode: blte.ModeZlib},
		containers: [][]byte{nil},
		blocks:     make(map[casctype.ContentKey]StoredFile),
		nextID:     1,
	}
}

// Add encodes content and stores it under path. An empty path stores an
// unnamed file reachable by file data ID and content key only. Identical
// content is stored once.
func (b *Builder) Add(path string, content []byte, opts blte.EncodeOptions) StoredFile {
	b.tb.Helper()
	ckey := casctype.ContentKey(md5.Sum(content)) //nolint:gosec // storage key
	if f, ok := b.blocks[ckey]; ok {
		return b.record(path, f)
	}
	frame, ekey, err := blte.Encode(content, opts)
	if err != nil {
		b.tb.Fatalf("testutil: encode %q: %v", path, err)
	}
	return b.record(path, b.store(ckey, ekey, frame, content))
}

// AddFrame stores a pre-built BLTE frame that decodes to content.
func (b *Builder) AddFrame(path string, content, frame []byte) StoredFile {
	b.tb.Helper()
	return b.AddFrameWithKey(path, casctype.ContentKey(md5.Sum(content)), content, frame) //nolint:gosec // storage key
}

// AddFrameWithKey stores a pre-built frame under an explicit content key.
// Readers only accept a key that is not the MD5 of content when
// verification is disabled.
func (b *Builder) AddFrameWithKey(path string, ckey casctype.ContentKey, content, frame []byte) StoredFile {
	b.tb.Helper()
	ekey, err := blte.EncodedKeyOf(frame)
	if err != nil {
		b.tb.Fatalf("testutil: frame for %q: %v", path, err)
	}
	return b.record(path, b.store(ckey, ekey, frame, content))
}

// AddUnindexed records content in ENCODING without storing a block for it,
// so the content key resolves but its encoded key is absent from the index.
func (b *Builder) AddUnindexed(path string, content []byte) StoredFile {
	b.tb.Helper()
	ckey := casctype.ContentKey(md5.Sum(content)) //nolint:gosec // storage key
	ekey := casctype.EncodedKey(md5.Sum(append([]byte("unindexed:"), content...))) //nolint:gosec // storage key
	b.extra = append(b.extra, encoding.Entry{CKey: ckey, EKeys: []casctype.EncodedKey{ekey}, Size: uint64(len(content))})
	return b.record(path, StoredFile{Content: content, CKey: ckey, EKey: ekey, Container: -1, DecodedSize: uint64(len(content))})
}

// Pad appends zero bytes to the current container.
func (b *Builder) Pad(n int) {
	cur := len(b.containers) - 1
	b.containers[cur] = append(b.containers[cur], make([]byte, n)...)
}

// NextContainer directs subsequent blocks to a new container.
func (b *Builder) NextContainer() {
	b.containers = append(b.containers, nil)
}

func (b *Builder) store(ckey casctype.ContentKey, ekey casctype.EncodedKey, frame, content []byte) StoredFile {
	cur := len(b.containers) - 1
	blockSize := container.LocalHeaderSize + len(frame)
	block := make([]byte, blockSize)
	container.PutLocalHeader(block, ekey, uint32(blockSize)) //nolint:gosec // fixture sized
	copy(block[container.LocalHeaderSize:], frame)

	f := StoredFile{
		Content:     content,
		CKey:        ckey,
		EKey:        ekey,
		Container:   cur,
		Offset:      uint64(len(b.containers[cur])),
		BlockSize:   uint32(blockSize), //nolint:gosec // fixture sized
		DecodedSize: uint64(len(content)),
	}
	b.containers[cur] = append(b.containers[cur], block...)
	b.blocks[ckey] = f
	return f
}

func (b *Builder) record(path string, f StoredFile) StoredFile {
	f.Path = path
	f.FileDataID = b.nextID
	b.nextID++
	b.files = append(b.files, f)
	return f
}

// Build writes a game directory layout under a new temporary directory.
// A builder is built once.
func (b *Builder) Build() *Storage {
	b.tb.Helper()
	return b.BuildAt(b.tb.TempDir())
}

// BuildAt writes a game directory layout under dir.
func (b *Builder) BuildAt(dir string) *Storage {
	b.tb.Helper()
	s := &Storage{
		Root:      dir,
		DataDir:   filepath.Join(dir, "Data", "data"),
		ConfigDir: filepath.Join(dir, "Data", "config"),
	}

	// ROOT lists every recorded file in one block.
	records := make([]root.Record, 0, len(b.files))
	for _, f := range b.files {
		r := root.Record{FileDataID: f.FileDataID, CKey: f.CKey}
		if f.Path != "" {
			r.NameHash = root.NameHash(f.Path)
			r.Named = true
		}
		records = append(records, r)
	}
	var rootBuf bytes.Buffer
	b.check(root.Write(&rootBuf, []root.Block{{LocaleFlags: root.LocaleAll, Records: records}}, b.RootFormat))
	rootContent := rootBuf.Bytes()
	s.RootCKey = casctype.ContentKey(md5.Sum(rootContent)) //nolint:gosec // storage key
	rootFrame, rootEKey, err := blte.Encode(rootContent, b.Encode)
	b.check(err)
	rootFile := b.store(s.RootCKey, rootEKey, rootFrame, rootContent)

	entries := slices.Clone(b.extra)
	seen := make(map[casctype.ContentKey]bool)
	for _, f := range append(slices.Clone(b.files), rootFile) {
		if f.Container < 0 || seen[f.CKey] {
			continue
		}
		seen[f.CKey] = true
		entries = append(entries, encoding.Entry{CKey: f.CKey, EKeys: []casctype.EncodedKey{f.EKey}, Size: f.DecodedSize})
	}
	var encBuf bytes.Buffer
	b.check(encoding.Write(&encBuf, entries, 1024))
	encContent := encBuf.Bytes()
	s.EncodingCKey = casctype.ContentKey(md5.Sum(encContent)) //nolint:gosec // storage key
	encFrame, encEKey, err := blte.Encode(encContent, b.Encode)
	b.check(err)
	s.EncodingEKey = encEKey
	s.Encoding = b.store(s.EncodingCKey, encEKey, encFrame, encContent)

	b.check(os.MkdirAll(s.DataDir, 0o755))
	for id, data := range b.containers {
		b.check(os.WriteFile(s.ContainerPath(id), data, 0o600))
	}
	b.writeIndex(s.DataDir)

	cfg := fmt.Sprintf("# Build Configuration\n\nroot = %s\nencoding = %s %s\nencoding-size = %d %d\nbuild-name = TEST-1.0.0\n",
		s.RootCKey, s.EncodingCKey, s.EncodingEKey, len(encContent), len(encFrame))
	sum := md5.Sum([]byte(cfg)) //nolint:gosec // storage key
	s.BuildKey = hex.EncodeToString(sum[:])
	cfgPath := filepath.Join(s.ConfigDir, s.BuildKey[0:2], s.BuildKey[2:4], s.BuildKey)
	b.check(os.MkdirAll(filepath.Dir(cfgPath), 0o755))
	b.check(os.WriteFile(cfgPath, []byte(cfg), 0o600))

	if !b.SkipBuildInfo {
		info := "Branch!STRING:0|Active!DEC:1|Build Key!HEX:16|CDN Key!HEX:16|Version!STRING:0|Product!STRING:0\n" +
			fmt.Sprintf("test|1|%s|%s|1.0.0.1|test\n", s.BuildKey, s.BuildKey)
		b.check(os.WriteFile(filepath.Join(dir, buildcfg.BuildInfoName), []byte(info), 0o600))
	}

	s.Files = slices.Clone(b.files)
	return s
}

func (b *Builder) writeIndex(dir string) {
	var buckets [idx.Buckets][]idx.Entry
	for _, f := range b.blocks {
		k := idx.KeyOf(f.EKey)
		bucket := idx.Bucket(k)
		buckets[bucket] = append(buckets[bucket], idx.Entry{
			Key:       k,
			Container: f.Container,
			Offset:    f.Offset,
			Size:      f.BlockSize,
		})
	}
	for bucket, entries := range buckets {
		var buf bytes.Buffer
		b.check(idx.Write(&buf, uint8(bucket), entries, idx.WriteOptions{})) //nolint:gosec // bucket < 16
		name := idx.FileName(uint8(bucket), 1)                               //nolint:gosec // bucket < 16
		b.check(os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o600))
	}
}

func (b *Builder) check(err error) {
	b.tb.Helper()
	if err != nil {
		b.tb.Fatalf("testutil: %v", err)
	}
}
