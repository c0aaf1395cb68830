package root

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/casc/internal/casctype"
	"github.com/meigma/casc/internal/jenkins"
)

func ckey(b byte) casctype.ContentKey {
	var k casctype.ContentKey
	for i := range k {
		k[i] = b
	}
	return k
}

func encode(t *testing.T, blocks []Block, format Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, blocks, format))
	return buf.Bytes()
}

func sampleBlocks() []Block {
	return []Block{
		{
			LocaleFlags: LocaleAll,
			Records: []Record{
				{FileDataID: 10, CKey: ckey(0x01), NameHash: NameHash(`Interface\Icons\Foo.blp`)},
				{FileDataID: 11, CKey: ckey(0x02), NameHash: NameHash("world/maps/bar.wdt")},
				{FileDataID: 500, CKey: ckey(0x03), NameHash: NameHash("sound/baz.ogg")},
			},
		},
		{
			LocaleFlags: LocaleDeDE,
			Records: []Record{
				{FileDataID: 10, CKey: ckey(0xde), NameHash: NameHash(`Interface\Icons\Foo.blp`)},
			},
		},
		{
			LocaleFlags: LocaleEnUS,
			Records: []Record{
				{FileDataID: 10, CKey: ckey(0xe1), NameHash: NameHash(`Interface\Icons\Foo.blp`)},
				{FileDataID: 20, CKey: ckey(0xe2), NameHash: NameHash("locale/enus.txt")},
			},
		},
	}
}

func TestNameHash(t *testing.T) {
	t.Parallel()

	h := NameHash(`Interface\Icons\Foo.blp`)
	assert.Equal(t, h, NameHash("interface/icons/foo.BLP"))
	assert.NotEqual(t, h, NameHash("interface/icons/foo.blp2"))

	pc, pb := jenkins.HashLittle2([]byte(`INTERFACE\ICONS\FOO.BLP`), 0, 0)
	assert.Equal(t, uint64(pc)<<32|uint64(pb), h)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	for _, format := range []Format{Legacy, MFST} {
		t.Run(map[Format]string{Legacy: "legacy", MFST: "mfst"}[format], func(t *testing.T) {
			t.Parallel()

			l, err := Load(encode(t, sampleBlocks(), format), LocaleEnUS)
			require.NoError(t, err)
			assert.Equal(t, 5, l.Len())

			got, ok := l.Resolve("WORLD/MAPS/BAR.WDT")
			require.True(t, ok)
			assert.Equal(t, ckey(0x02), got)

			// The first matching block wins.
			got, ok = l.Resolve("interface/icons/foo.blp")
			require.True(t, ok)
			assert.Equal(t, ckey(0x01), got)

			got, ok = l.Resolve("locale/enus.txt")
			require.True(t, ok)
			assert.Equal(t, ckey(0xe2), got)

			got, ok = l.ResolveFileDataID(500)
			require.True(t, ok)
			assert.Equal(t, ckey(0x03), got)

			_, ok = l.Resolve("missing/file.txt")
			assert.False(t, ok)
			_, ok = l.ResolveFileDataID(12)
			assert.False(t, ok)
		})
	}
}

func TestLoadLocaleFilter(t *testing.T) {
	t.Parallel()

	blocks := sampleBlocks()
	blocks[0].LocaleFlags = LocaleEnUS
	l, err := Load(encode(t, blocks, Legacy), LocaleDeDE)
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	got, ok := l.Resolve(`Interface\Icons\Foo.blp`)
	require.True(t, ok)
	assert.Equal(t, ckey(0xde), got)
	_, ok = l.Resolve("sound/baz.ogg")
	assert.False(t, ok)
}

func TestLoadMFSTUnnamedBlock(t *testing.T) {
	t.Parallel()

	blocks := []Block{
		{
			ContentFlags: FlagNoNameHash,
			LocaleFlags:  LocaleAll,
			Records:      []Record{{FileDataID: 7, CKey: ckey(0x07)}, {FileDataID: 9, CKey: ckey(0x09)}},
		},
		{
			LocaleFlags: LocaleAll,
			Records:     []Record{{FileDataID: 1, CKey: ckey(0x10), NameHash: NameHash("a.txt")}},
		},
	}
	l, err := Load(encode(t, blocks, MFST), LocaleAll)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 1, l.Named())

	got, ok := l.ResolveFileDataID(9)
	require.True(t, ok)
	assert.Equal(t, ckey(0x09), got)
	got, ok = l.Resolve("A.TXT")
	require.True(t, ok)
	assert.Equal(t, ckey(0x10), got)
}

func TestLoadEmpty(t *testing.T) {
	t.Parallel()

	l, err := Load(nil, LocaleAll)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

func TestLoadCorrupt(t *testing.T) {
	t.Parallel()

	legacy := encode(t, sampleBlocks(), Legacy)
	mfst := encode(t, sampleBlocks(), MFST)

	tests := []struct {
		name string
		data []byte
	}{
		{"legacy truncated records", legacy[:len(legacy)-3]},
		{"legacy truncated header", append(bytes.Clone(legacy), 1, 0, 0)},
		{"legacy huge count", []byte{0xff, 0xff, 0xff, 0x0f, 0, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}},
		{"mfst truncated", mfst[:len(mfst)-1]},
		{"mfst short header", mfst[:8]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(tt.data, LocaleAll)
			require.ErrorIs(t, err, casctype.ErrCorruptIndex)
		})
	}
}

func TestWriteRejectsUnorderedIDs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := Write(&buf, []Block{{Records: []Record{{FileDataID: 5}, {FileDataID: 5}}}}, Legacy)
	require.Error(t, err)
}
