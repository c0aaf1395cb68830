// Package buildcfg locates a CASC storage on disk and reads its bootstrap
// metadata: the .build.info table and the build configuration it names.
package buildcfg

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/meigma/casc/internal/casctype"
)

// BuildInfoName is the name of the table at the storage root.
const BuildInfoName = ".build.info"

// BuildInfo is one row of the .build.info table.
type BuildInfo struct {
	Branch   string
	Active   bool
	BuildKey string
	CDNKey   string
	Version  string
	Product  string
	Tags     string

	// Fields holds every column by name, without its type suffix.
	Fields map[string]string
}

// ParseBuildInfo reads a .build.info table. The first line declares the
// columns as "Name!TYPE:size"; every following line is a row.
func ParseBuildInfo(r io.Reader) ([]BuildInfo, error) {
	cr := csv.NewReader(r)
	cr.Comma = '|'
	cr.Comment = '#'
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: build info header: %w", casctype.ErrInvalidHeader, err)
	}
	names := make([]string, len(header))
	for i, col := range header {
		name, _, _ := strings.Cut(col, "!")
		names[i] = strings.TrimSpace(name)
	}

	var rows []BuildInfo
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: build info: %w", casctype.ErrInvalidHeader, err)
		}
		fields := make(map[string]string, len(names))
		for i, v := range rec {
			fields[names[i]] = strings.TrimSpace(v)
		}
		rows = append(rows, BuildInfo{
			Branch:   fields["Branch"],
			Active:   fields["Active"] == "1",
			BuildKey: fields["Build Key"],
			CDNKey:   fields["CDN Key"],
			Version:  fields["Version"],
			Product:  fields["Product"],
			Tags:     fields["Tags"],
			Fields:   fields,
		})
	}
	return rows, nil
}

// ActiveBuild returns the first active row that names a build key. When no
// row is marked active the first row with a build key is used.
func ActiveBuild(rows []BuildInfo) (BuildInfo, error) {
	var fallback *BuildInfo
	for i := range rows {
		if rows[i].BuildKey == "" {
			continue
		}
		if rows[i].Active {
			return rows[i], nil
		}
		if fallback == nil {
			fallback = &rows[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return BuildInfo{}, fmt.Errorf("%w: build info has no build key", casctype.ErrInvalidHeader)
}

// Config is a parsed "key = value ..." configuration file.
type Config map[string][]string

// Get returns the first value of key.
func (c Config) Get(key string) string {
	if v := c[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// ParseConfig reads a configuration file. Blank lines and lines starting
// with '#' are ignored.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := make(Config)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return nil, fmt.Errorf("%w: config line %d: missing '='", casctype.ErrInvalidHeader, line)
		}
		cfg[strings.TrimSpace(key)] = strings.Fields(value)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: config: %w", casctype.ErrIO, err)
	}
	return cfg, nil
}

// BuildConfig holds the build configuration entries the reader needs.
type BuildConfig struct {
	Root         casctype.ContentKey
	EncodingCKey casctype.ContentKey
	EncodingEKey casctype.EncodedKey
	EncodingSize uint64
	BuildName    string

	Raw Config
}

// ParseBuildConfig reads a build configuration and decodes its root and
// encoding entries. A build config without an encoding entry is invalid.
func ParseBuildConfig(r io.Reader) (*BuildConfig, error) {
	raw, err := ParseConfig(r)
	if err != nil {
		return nil, err
	}
	bc := &BuildConfig{Raw: raw, BuildName: raw.Get("build-name")}

	enc := raw["encoding"]
	if len(enc) == 0 {
		return nil, fmt.Errorf("%w: build config has no encoding entry", casctype.ErrInvalidHeader)
	}
	if bc.EncodingCKey, err = casctype.ParseContentKey(enc[0]); err != nil {
		return nil, fmt.Errorf("%w: encoding: %w", casctype.ErrInvalidHeader, err)
	}
	if len(enc) > 1 {
		if bc.EncodingEKey, err = casctype.ParseEncodedKey(enc[1]); err != nil {
			return nil, fmt.Errorf("%w: encoding: %w", casctype.ErrInvalidHeader, err)
		}
	}
	if s := raw.Get("encoding-size"); s != "" {
		if bc.EncodingSize, err = strconv.ParseUint(s, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: encoding-size: %w", casctype.ErrInvalidHeader, err)
		}
	}
	if s := raw.Get("root"); s != "" {
		if bc.Root, err = casctype.ParseContentKey(s); err != nil {
			return nil, fmt.Errorf("%w: root: %w", casctype.ErrInvalidHeader, err)
		}
	}
	return bc, nil
}

// Layout describes where the parts of a storage live on disk.
type Layout struct {
	// Root is the directory the storage was opened from.
	Root string
	// DataDir holds the .idx files and data containers.
	DataDir string
	// ConfigDir holds configuration files in ab/cd/<key> shards.
	ConfigDir string
	// Build is the active .build.info row; zero when the table is absent.
	Build BuildInfo
}

// Find locates the storage under root. It accepts a game directory
// (root/Data/data), a Data directory (root/data) or the data directory
// itself. ErrArchiveNotFound is returned when no .idx file is found.
func Find(root string) (*Layout, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", casctype.ErrArchiveNotFound, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", casctype.ErrArchiveNotFound, root)
	}

	l := &Layout{Root: root}
	for _, cand := range []struct{ data, config string }{
		{filepath.Join(root, "Data", "data"), filepath.Join(root, "Data", "config")},
		{filepath.Join(root, "data"), filepath.Join(root, "config")},
		{root, filepath.Join(root, "..", "config")},
	} {
		if hasIndexFiles(cand.data) {
			l.DataDir, l.ConfigDir = cand.data, cand.config
			break
		}
	}
	if l.DataDir == "" {
		return nil, fmt.Errorf("%w: no index files under %s", casctype.ErrArchiveNotFound, root)
	}

	f, err := os.Open(filepath.Join(root, BuildInfoName)) //nolint:gosec // path is derived from the archive root
	switch {
	case errors.Is(err, os.ErrNotExist):
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("%w: %w", casctype.ErrIO, err)
	}
	defer f.Close()

	rows, err := ParseBuildInfo(f)
	if err != nil {
		return nil, err
	}
	if l.Build, err = ActiveBuild(rows); err != nil {
		return nil, err
	}
	return l, nil
}

// ConfigPath returns the path of the configuration file with the given key.
func (l *Layout) ConfigPath(key string) string {
	key = strings.ToLower(key)
	if len(key) < 4 {
		return filepath.Join(l.ConfigDir, key)
	}
	return filepath.Join(l.ConfigDir, key[0:2], key[2:4], key)
}

// LoadBuildConfig reads and parses the build configuration with the given key.
func (l *Layout) LoadBuildConfig(key string) (*BuildConfig, error) {
	f, err := os.Open(l.ConfigPath(key)) //nolint:gosec // path is derived from the archive root
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: build config %s: %w", casctype.ErrArchiveNotFound, key, err)
		}
		return nil, fmt.Errorf("%w: build config %s: %w", casctype.ErrIO, key, err)
	}
	defer f.Close()
	return ParseBuildConfig(f)
}

func hasIndexFiles(dir string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, "*.idx"))
	return err == nil && len(matches) > 0
}
