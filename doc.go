// Package casc reads CASC local storage: the content-addressed archive
// format used by Blizzard game installations.
//
// A storage is a directory holding bucket index files (*.idx), data
// containers (data.NNN), an ENCODING table mapping content keys to encoded
// keys, and a ROOT listing mapping file paths and file data IDs to content
// keys. [Open] loads the indexes and the ENCODING table; containers are
// opened on first use and the ROOT listing is loaded on the first path
// lookup.
//
// # Quick Start
//
//	archive, err := casc.Open("/games/wow")
//	if err != nil {
//	    return err
//	}
//	defer archive.Close()
//
//	content, err := archive.ReadByPath(`Interface\FrameXML\UIParent.lua`)
//
// Content can also be read by content key, encoded key or file data ID,
// streamed with [Archive.OpenByHash], or accessed through the io/fs
// interfaces. Path lookups are case-insensitive and accept either slash.
//
// # Caching
//
// Decoded content can be cached by content key:
//
//	mem, _ := lru.New(lru.WithMaxBytes(256 << 20))
//	archive, err := casc.Open(dir, casc.WithCache(mem))
//
// # Errors
//
// Failures match the sentinel errors of this package with errors.Is. Open
// failures are fatal; per-file failures such as [ErrNotFound] or
// [ErrDecode] leave the archive usable.
package casc
