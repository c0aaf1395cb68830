package disk

import (
	"cmp"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

// walkEntries lists the entries under root: regular files named by a hex
// content key. Temporary files from in-flight or abandoned writes and
// anything else in the directory are skipped.
func walkEntries(root string) ([]cacheEntry, int64, error) {
	var entries []cacheEntry
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !isKeyName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		entries = append(entries, cacheEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return entries, total, err
}

func isKeyName(name string) bool {
	if len(name) != 2*KeySize {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}

func dirSize(root string) (int64, error) {
	_, total, err := walkEntries(root)
	return total, err
}

// pruneDir removes the least recently written files until at most
// targetBytes remain.
func pruneDir(root string, targetBytes int64) (freed, remaining int64, err error) {
	entries, remaining, err := walkEntries(root)
	if err != nil || remaining <= targetBytes {
		return 0, remaining, err
	}

	slices.SortFunc(entries, func(a, b cacheEntry) int {
		if c := a.modTime.Compare(b.modTime); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})

	for _, e := range entries {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, remaining, err
		}
		remaining -= e.size
		freed += e.size
	}
	return freed, remaining, nil
}
