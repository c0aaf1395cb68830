// Package sink writes extracted archive files to the local filesystem.
package sink

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Committer receives one file's content. Exactly one of Commit or Discard
// must be called.
type Committer interface {
	io.Writer

	// Commit makes the written content visible at the destination path.
	Commit() error

	// Discard removes everything written so far.
	Discard() error
}

// FileSink writes files below a destination directory.
//
// By default, files are written to a temporary file in the same directory
// and renamed to the final path on Commit, so partially written files are
// never visible at the final path. All writes go through an os.Root, so
// no path can escape the destination.
type FileSink struct {
	destDir     string
	overwrite   bool
	directWrite bool
}

// Option configures a FileSink.
type Option func(*FileSink)

// WithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func WithOverwrite(overwrite bool) Option {
	return func(s *FileSink) {
		s.overwrite = overwrite
	}
}

// WithDirectWrites disables temp files and writes directly to the final path.
func WithDirectWrites(enabled bool) Option {
	return func(s *FileSink) {
		s.directWrite = enabled
	}
}

// New creates a FileSink that writes to destDir, creating it if needed.
func New(destDir string, opts ...Option) (*FileSink, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create destination %s: %w", destDir, err)
	}
	s := &FileSink{destDir: destDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LocalPath converts an archive path, which may use either slash, to a
// relative local path. Paths that are absolute or climb out of the
// destination are rejected with fs.ErrInvalid.
func LocalPath(name string) (string, error) {
	rel := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", &fs.PathError{Op: "extract", Path: name, Err: fs.ErrInvalid}
	}
	return rel, nil
}

// Dest returns the final path of rel.
func (s *FileSink) Dest(rel string) string {
	return filepath.Join(s.destDir, rel)
}

// ShouldWrite returns false if the file already exists and overwrite is disabled.
func (s *FileSink) ShouldWrite(rel string) bool {
	if s.overwrite {
		return true
	}
	_, err := os.Lstat(s.Dest(rel))
	return errors.Is(err, fs.ErrNotExist)
}

// Writer returns a Committer for rel.
func (s *FileSink) Writer(rel string) (Committer, error) {
	root, err := os.OpenRoot(s.destDir)
	if err != nil {
		return nil, fmt.Errorf("open destination root %s: %w", s.destDir, err)
	}
	if err := root.MkdirAll(filepath.Dir(rel), 0o750); err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create directory for %s: %w", rel, err)
	}

	if s.directWrite {
		f, err := root.OpenFile(rel, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			_ = root.Close() //nolint:errcheck // best-effort cleanup
			return nil, fmt.Errorf("create file %s: %w", rel, err)
		}
		return &committer{file: f, fileRel: rel, root: root}, nil
	}

	tmp, tmpRel, err := createTempFile(root, filepath.Dir(rel), ".casc-")
	if err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &committer{file: tmp, fileRel: tmpRel, destRel: rel, root: root}, nil
}

// committer writes to fileRel and, when destRel is set, renames it there
// on Commit.
type committer struct {
	file    *os.File
	fileRel string
	destRel string
	root    *os.Root
}

func (c *committer) Write(p []byte) (int, error) {
	return c.file.Write(p)
}

func (c *committer) Commit() error {
	if err := c.file.Close(); err != nil {
		return c.abort(fmt.Errorf("close %s: %w", c.fileRel, err))
	}
	if c.destRel != "" {
		if err := c.root.Rename(c.fileRel, c.destRel); err != nil {
			return c.abort(fmt.Errorf("rename to %s: %w", c.destRel, err))
		}
	}
	return c.root.Close()
}

func (c *committer) Discard() error {
	_ = c.file.Close() //nolint:errcheck // we're cleaning up
	if err := c.root.Remove(c.fileRel); err != nil {
		_ = c.root.Close() //nolint:errcheck // best-effort cleanup
		return err
	}
	return c.root.Close()
}

func (c *committer) abort(err error) error {
	_ = c.root.Remove(c.fileRel) //nolint:errcheck // best-effort cleanup
	_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
	return err
}

func createTempFile(root *os.Root, dir, prefix string) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		rel := filepath.Join(dir, prefix+name)
		f, err := root.OpenFile(rel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, rel, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("create temp file: exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
