package casc

// Info summarizes an open archive.
type Info struct {
	// Root is the storage directory Open resolved.
	Root    string
	DataDir string

	// BuildKey is empty when the archive was opened from explicit keys.
	BuildKey  string
	BuildName string
	Version   string
	Branch    string
	Product   string

	EncodingKey EncodedKey
	RootKey     ContentKey

	IndexEntries    int
	EncodingEntries int
	SegmentSize     uint64

	// Containers lists the container ids referenced by the index.
	Containers []int
	// OpenContainers is the number of containers opened so far.
	OpenContainers int
}

// Info returns a summary of the archive. It does not load the ROOT listing.
func (a *Archive) Info() (Info, error) {
	if err := a.acquire(); err != nil {
		return Info{}, err
	}
	defer a.release()

	info := Info{
		Root:            a.layout.Root,
		DataDir:         a.layout.DataDir,
		EncodingKey:     a.encodingKey,
		RootKey:         a.rootKey,
		IndexEntries:    a.index.Len(),
		EncodingEntries: a.encoding.Len(),
		SegmentSize:     a.index.SegmentSize(),
		Containers:      a.index.Containers(),
		OpenContainers:  a.table.Opened(),
	}
	if a.build != nil {
		info.BuildName = a.build.BuildName
		info.BuildKey = a.buildKey
	}
	b := a.layout.Build
	info.Version = b.Version
	info.Branch = b.Branch
	info.Product = b.Product
	return info, nil
}
