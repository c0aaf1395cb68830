package casc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"time"
)

// Interface compliance.
var (
	_ fs.FS         = (*Archive)(nil)
	_ fs.StatFS     = (*Archive)(nil)
	_ fs.ReadFileFS = (*Archive)(nil)
)

// Open implements fs.FS.
//
// Names are ROOT listing paths written with forward slashes; matching is
// case-insensitive. The listing stores only name hashes, so directories
// cannot be enumerated: "." opens as an empty directory and any other
// unlisted name does not exist. The returned file streams its content.
func (a *Archive) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if name == "." {
		if err := a.acquire(); err != nil {
			return nil, pathError("open", name, err)
		}
		a.release()
		return &rootDir{}, nil
	}

	info, err := a.stat("open", name)
	if err != nil {
		return nil, err
	}
	rc, err := a.OpenByHash(info.ckey)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	return &file{info: info, rc: rc}, nil
}

// Stat implements fs.StatFS. It resolves the path and reads the decoded
// size from the ENCODING table without touching any container.
func (a *Archive) Stat(name string) (fs.FileInfo, error) {
	if name == "." {
		if err := a.acquire(); err != nil {
			return nil, pathError("stat", name, err)
		}
		a.release()
		return dirInfo{}, nil
	}
	return a.stat("stat", name)
}

func (a *Archive) stat(op, name string) (*fileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	if err := a.acquire(); err != nil {
		return nil, pathError(op, name, err)
	}
	defer a.release()

	ckey, err := a.resolvePath(name)
	if err != nil {
		return nil, pathError(op, name, err)
	}
	e, ok := a.encoding.Lookup(ckey)
	if !ok {
		return nil, pathError(op, name, fmt.Errorf("%w: content key %s", ErrNotFound, ckey))
	}
	size, err := sizeToInt64(e.Size)
	if err != nil {
		return nil, pathError(op, name, err)
	}
	return &fileInfo{name: path.Base(name), size: size, ckey: ckey}, nil
}

// ReadFile implements fs.ReadFileFS.
func (a *Archive) ReadFile(name string) ([]byte, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: fs.ErrInvalid}
	}
	data, err := a.ReadByPath(name)
	if err != nil {
		return nil, pathError("readfile", name, err)
	}
	return data, nil
}

// pathError wraps err for the fs interfaces. ErrNotFound also matches
// fs.ErrNotExist.
func pathError(op, name string, err error) error {
	if errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("%w: %w", fs.ErrNotExist, err)
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

func sizeToInt64(size uint64) (int64, error) {
	if size > 1<<63-1 {
		return 0, fmt.Errorf("%w: size %d", ErrFileTooLarge, size)
	}
	return int64(size), nil
}

// file is an archive file opened through fs.FS.
type file struct {
	info *fileInfo
	rc   io.ReadCloser
}

func (f *file) Stat() (fs.FileInfo, error) { return f.info, nil }

func (f *file) Read(p []byte) (int, error) { return f.rc.Read(p) }

func (f *file) Close() error { return f.rc.Close() }

// fileInfo describes an archive file. Sys returns its ContentKey.
type fileInfo struct {
	name string
	size int64
	ckey ContentKey
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return i.size }
func (i *fileInfo) Mode() fs.FileMode  { return 0o444 }
func (i *fileInfo) ModTime() time.Time { return time.Time{} }
func (i *fileInfo) IsDir() bool        { return false }
func (i *fileInfo) Sys() any           { return i.ckey }

type dirInfo struct{}

func (dirInfo) Name() string       { return "." }
func (dirInfo) Size() int64        { return 0 }
func (dirInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o555 }
func (dirInfo) ModTime() time.Time { return time.Time{} }
func (dirInfo) IsDir() bool        { return true }
func (dirInfo) Sys() any           { return nil }

// rootDir is the unlistable archive root.
type rootDir struct{}

func (*rootDir) Stat() (fs.FileInfo, error) { return dirInfo{}, nil }

func (*rootDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: errors.New("is a directory")}
}

func (*rootDir) Close() error { return nil }

func (*rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if n > 0 {
		return nil, io.EOF
	}
	return nil, nil
}
