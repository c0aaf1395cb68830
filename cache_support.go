package casc

import "bytes"

// readCached returns content through the cache when one is configured.
func (a *Archive) readCached(ckey ContentKey) ([]byte, error) {
	if a.cache == nil {
		return a.readContent(ckey)
	}

	if data, ok := a.cacheGet(ckey); ok {
		a.log().Debug("cache hit", "ckey", ckey)
		return data, nil
	}
	a.log().Debug("cache miss", "ckey", ckey)

	result, err, _ := a.readGroup.Do(string(ckey[:]), func() (any, error) {
		// Double-check cache
		if data, ok := a.cacheGet(ckey); ok {
			return data, nil
		}
		data, err := a.readContent(ckey)
		if err != nil {
			return nil, err
		}
		if err := a.cache.Put(ckey[:], data); err != nil {
			a.log().Debug("cache put failed", "ckey", ckey, "error", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}

// cacheGet returns a verified cache entry. Entries that fail verification
// are deleted.
func (a *Archive) cacheGet(ckey ContentKey) ([]byte, bool) {
	data, ok := a.cache.Get(ckey[:])
	if !ok {
		return nil, false
	}
	if err := a.verifyContent(ckey, data); err != nil {
		a.log().Debug("cache entry corrupt", "ckey", ckey)
		_ = a.cache.Delete(ckey[:]) //nolint:errcheck // best-effort cache cleanup on hash mismatch
		return nil, false
	}
	return data, true
}

// bytesReadCloser serves cached content to streaming callers.
type bytesReadCloser struct {
	*bytes.Reader
}

func (bytesReadCloser) Close() error { return nil }
