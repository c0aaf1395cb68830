package casc

import (
	"context"
	_ "crypto/sha256" // digest.Canonical
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/casc/internal/sink"
)

// ExtractOption configures Extract.
type ExtractOption func(*extractConfig)

type extractConfig struct {
	workers     int
	overwrite   bool
	directWrite bool
}

// ExtractWithWorkers sets the number of files extracted concurrently.
// Values <= 0 use GOMAXPROCS.
func ExtractWithWorkers(n int) ExtractOption {
	return func(c *extractConfig) {
		c.workers = n
	}
}

// ExtractWithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func ExtractWithOverwrite(overwrite bool) ExtractOption {
	return func(c *extractConfig) {
		c.overwrite = overwrite
	}
}

// ExtractWithDirectWrites writes straight to the final path instead of a
// temporary file renamed on completion.
func ExtractWithDirectWrites(enabled bool) ExtractOption {
	return func(c *extractConfig) {
		c.directWrite = enabled
	}
}

// ExtractedFile describes one written file.
type ExtractedFile struct {
	// Path is the archive path as requested.
	Path string
	// Dest is the local path written.
	Dest string
	Size int64
	CKey ContentKey
	// Digest is the SHA-256 digest of the written content.
	Digest digest.Digest
}

// ExtractFailure records a file that could not be extracted.
type ExtractFailure struct {
	Path string
	Err  error
}

// ExtractReport lists the outcome of every requested path, in request order.
type ExtractReport struct {
	Extracted []ExtractedFile
	Skipped   []string
	Failed    []ExtractFailure
}

// Err joins the per-file failures, or returns nil if every file succeeded.
func (r *ExtractReport) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Path, f.Err))
	}
	return errors.Join(errs...)
}

type extractResult struct {
	file    ExtractedFile
	skipped bool
	err     error
}

// Extract writes the files at paths below destDir, mirroring their archive
// paths with backslashes turned into directory separators.
//
// A file that cannot be found, decoded or written is recorded in the
// report and extraction continues with the other files. The returned error
// is non-nil only when the whole batch stops: ctx is cancelled, the
// archive is closed, or destDir cannot be created.
func (a *Archive) Extract(ctx context.Context, destDir string, paths []string, opts ...ExtractOption) (*ExtractReport, error) {
	if err := a.acquire(); err != nil {
		return nil, err
	}
	a.release()

	var cfg extractConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = runtime.GOMAXPROCS(0)
	}
	s, err := sink.New(destDir,
		sink.WithOverwrite(cfg.overwrite),
		sink.WithDirectWrites(cfg.directWrite),
	)
	if err != nil {
		return nil, err
	}

	results := make([]extractResult, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers)
	for i, p := range paths {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := a.extractOne(s, p)
			if errors.Is(res.err, ErrSessionClosed) {
				return res.err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &ExtractReport{}
	for i, res := range results {
		switch {
		case res.err != nil:
			report.Failed = append(report.Failed, ExtractFailure{Path: paths[i], Err: res.err})
		case res.skipped:
			report.Skipped = append(report.Skipped, paths[i])
		default:
			report.Extracted = append(report.Extracted, res.file)
		}
	}
	a.log().Debug("extract finished",
		"extracted", len(report.Extracted),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	return report, nil
}

func (a *Archive) extractOne(s *sink.FileSink, path string) extractResult {
	rel, err := sink.LocalPath(path)
	if err != nil {
		return extractResult{err: err}
	}
	// A path missing from the archive fails even when the destination exists.
	ckey, err := a.Resolve(path)
	if err != nil {
		return extractResult{err: err}
	}
	if !s.ShouldWrite(rel) {
		return extractResult{skipped: true}
	}

	rc, err := a.OpenByHash(ckey)
	if err != nil {
		return extractResult{err: err}
	}
	defer rc.Close()

	w, err := s.Writer(rel)
	if err != nil {
		return extractResult{err: err}
	}
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(w, digester.Hash()), rc)
	if err != nil {
		_ = w.Discard() //nolint:errcheck // the copy error is reported
		return extractResult{err: err}
	}
	if err := w.Commit(); err != nil {
		return extractResult{err: err}
	}
	a.log().Debug("extracted", "path", path, "bytes", n)
	return extractResult{file: ExtractedFile{
		Path:   path,
		Dest:   s.Dest(rel),
		Size:   n,
		CKey:   ckey,
		Digest: digester.Digest(),
	}}
}
