package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/casc"
	"github.com/meigma/casc/cache/disk"
	"github.com/meigma/casc/cache/lru"
	"github.com/meigma/casc/internal/blte"
	"github.com/meigma/casc/internal/testutil"
)

func newTestStorage(t *testing.T) *testutil.Storage {
	t.Helper()
	b := testutil.NewBuilder(t)
	b.Add(`Data\Hello.txt`, []byte("hello from the archive\n"), blte.EncodeOptions{Mode: blte.ModeZlib})
	b.Add(`Data\World.txt`, []byte("world\n"), blte.EncodeOptions{})
	return b.Build()
}

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	e := &env{stdin: strings.NewReader(stdin), stdout: &stdout, stderr: &stderr}
	err := run(context.Background(), e, args)
	return stdout.String(), stderr.String(), err
}

func TestRunUsage(t *testing.T) {
	t.Parallel()

	_, stderr, err := runCmd(t, "")
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, stderr, "Commands:")

	_, _, err = runCmd(t, "", "bogus")
	require.ErrorIs(t, err, errUsage)

	stdout, _, err := runCmd(t, "", "help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "extract")

	_, _, err = runCmd(t, "", "info")
	require.ErrorIs(t, err, errUsage)

	_, _, err = runCmd(t, "", "info", "--help")
	require.ErrorIs(t, err, pflag.ErrHelp)
}

func TestInfo(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	stdout, _, err := runCmd(t, "", "info", "-s", s.Root)
	require.NoError(t, err)
	assert.Contains(t, stdout, s.BuildKey)
	assert.Contains(t, stdout, "TEST-1.0.0")
	assert.Contains(t, stdout, s.EncodingEKey.String())
}

func TestCat(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	stdout, _, err := runCmd(t, "", "cat", "-s", s.Root, `data\hello.txt`, "Data/World.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello from the archive\nworld\n", stdout)

	f := s.File(t, `Data\World.txt`)
	stdout, _, err = runCmd(t, "", "cat", "-s", s.Root, "--key", f.CKey.String())
	require.NoError(t, err)
	assert.Equal(t, "world\n", stdout)

	stdout, _, err = runCmd(t, "", "cat", "-s", s.Root, "--fdid", "1")
	require.NoError(t, err)
	assert.Equal(t, "hello from the archive\n", stdout)

	_, _, err = runCmd(t, "", "cat", "-s", s.Root, "missing.txt")
	require.ErrorIs(t, err, casc.ErrNotFound)
}

func TestLocate(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	f := s.File(t, `Data\Hello.txt`)
	stdout, _, err := runCmd(t, "", "locate", "-s", s.Root, `Data\Hello.txt`)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ekey="+f.EKey.String())
	assert.Contains(t, stdout, "data.000@0")
	assert.Contains(t, stdout, "compressed")

	_, _, err = runCmd(t, "", "locate", "-s", s.Root, "nope.txt")
	require.ErrorIs(t, err, casc.ErrNotFound)
}

func TestExtract(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	out := t.TempDir()
	stdout, _, err := runCmd(t, "Data\\World.txt\n\n", "extract", "-s", s.Root, "-o", out, "-l", "-", `Data\Hello.txt`)
	require.NoError(t, err)

	hello := []byte("hello from the archive\n")
	assert.Contains(t, stdout, digest.FromBytes(hello).String()+"  23  Data\\Hello.txt")
	got, err := os.ReadFile(filepath.Join(out, "Data", "Hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, hello, got)
	assert.FileExists(t, filepath.Join(out, "Data", "World.txt"))

	_, stderr, err := runCmd(t, "", "extract", "-s", s.Root, "-o", out, `Data\Hello.txt`)
	require.NoError(t, err)
	assert.Contains(t, stderr, "skipped")

	_, _, err = runCmd(t, "", "extract", "-s", s.Root, "-o", out, "missing.txt")
	require.ErrorIs(t, err, casc.ErrNotFound)
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	s := newTestStorage(t)
	cacheDir := filepath.Join(t.TempDir(), "cache")
	cfgPath := filepath.Join(t.TempDir(), "cascx.yaml")
	cfgText := "storage: " + s.Root + "\nlog_level: error\nlocale: enUS\nverify: false\nworkers: 3\ncache:\n  dir: " + cacheDir + "\n  max_size: 1MiB\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgText), 0o600))

	var g globalFlags
	fs := newFlagSet(&env{stderr: &bytes.Buffer{}}, "test", &g)
	fs.IntVarP(&g.cfg.Workers, "workers", "j", 0, "")
	cfg, _, err := parse(fs, &g, []string{"--config", cfgPath, "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, s.Root, cfg.Storage)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "enUS", cfg.Locale)
	assert.Equal(t, 3, cfg.Workers)
	require.NotNil(t, cfg.Verify)
	assert.False(t, *cfg.Verify)
	assert.Equal(t, cacheDir, cfg.Cache.Dir)

	stdout, _, err := runCmd(t, "", "cat", "--config", cfgPath, `Data\Hello.txt`)
	require.NoError(t, err)
	assert.Equal(t, "hello from the archive\n", stdout)
	assert.DirExists(t, cacheDir)
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "cascx.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storag: /tmp\n"), 0o600))
	_, err := loadConfig(cfgPath)
	require.Error(t, err)
}

func TestParseLocale(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want uint32
	}{
		{"", casc.LocaleAll},
		{"all", casc.LocaleAll},
		{"enUS", casc.LocaleEnUS},
		{"DEDE", casc.LocaleDeDE},
		{"0x200", casc.LocaleEnGB},
		{"6", casc.LocaleEnUS | casc.LocaleKoKR},
	}
	for _, tt := range tests {
		got, err := parseLocale(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLocale("klingon")
	require.Error(t, err)
}

func TestNewCache(t *testing.T) {
	t.Parallel()

	c, err := newCache(CacheConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = newCache(CacheConfig{MaxSize: "64KiB"}, nil)
	require.NoError(t, err)
	mem, ok := c.(*lru.Cache)
	require.True(t, ok)
	assert.Equal(t, int64(64<<10), mem.MaxBytes())

	c, err = newCache(CacheConfig{Dir: t.TempDir(), MaxSize: "1MB"}, nil)
	require.NoError(t, err)
	dc, ok := c.(*disk.Cache)
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), dc.MaxBytes())

	_, err = newCache(CacheConfig{MaxSize: "lots"}, nil)
	require.Error(t, err)
}
