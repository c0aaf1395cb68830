package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/casc"
)

// session opens the archive for a command.
func session(e *env, cfg Config) (*casc.Archive, error) {
	logger, err := newLogger(e.stderr, cfg.LogLevel)
	if err != nil {
		return nil, usageError("%v", err)
	}
	return openArchive(cfg, logger)
}

func runInfo(_ context.Context, e *env, args []string) error {
	var g globalFlags
	fs := newFlagSet(e, "info", &g)
	cfg, rest, err := parse(fs, &g, args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return usageError("info takes no arguments")
	}
	a, err := session(e, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	info, err := a.Info()
	if err != nil {
		return err
	}
	w := e.stdout
	fmt.Fprintf(w, "storage:     %s\n", info.Root)
	fmt.Fprintf(w, "data:        %s\n", info.DataDir)
	if info.BuildKey != "" {
		fmt.Fprintf(w, "build:       %s (%s)\n", info.BuildKey, info.BuildName)
	}
	if info.Version != "" {
		fmt.Fprintf(w, "version:     %s (branch %s, product %s)\n", info.Version, info.Branch, info.Product)
	}
	fmt.Fprintf(w, "encoding:    %s, %s entries\n", info.EncodingKey, humanize.Comma(int64(info.EncodingEntries)))
	fmt.Fprintf(w, "root:        %s\n", info.RootKey)
	fmt.Fprintf(w, "index:       %s entries in %d containers\n", humanize.Comma(int64(info.IndexEntries)), len(info.Containers))
	fmt.Fprintf(w, "segment:     %s\n", humanize.IBytes(info.SegmentSize))
	return nil
}

// keyFlags select how command arguments name files.
type keyFlags struct {
	byKey bool
	byID  bool
}

func (k *keyFlags) bind(e *env, name string, g *globalFlags) *pflag.FlagSet {
	fs := newFlagSet(e, name, g)
	fs.BoolVarP(&k.byKey, "key", "k", false, "arguments are content keys")
	fs.BoolVar(&k.byID, "fdid", false, "arguments are file data IDs")
	return fs
}

// contentKey resolves one argument to a content key.
func (k *keyFlags) contentKey(a *casc.Archive, arg string) (casc.ContentKey, error) {
	switch {
	case k.byKey:
		return casc.ParseContentKey(arg)
	case k.byID:
		id, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return casc.ContentKey{}, usageError("file data id %q: %v", arg, err)
		}
		return a.ResolveFileDataID(uint32(id))
	default:
		return a.Resolve(arg)
	}
}

func runCat(_ context.Context, e *env, args []string) error {
	var g globalFlags
	var k keyFlags
	fs := k.bind(e, "cat", &g)
	cfg, rest, err := parse(fs, &g, args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return usageError("cat needs at least one file")
	}
	a, err := session(e, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, arg := range rest {
		ckey, err := k.contentKey(a, arg)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		rc, err := a.OpenByHash(ckey)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		_, err = io.Copy(e.stdout, rc)
		_ = rc.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
	}
	return nil
}

func runLocate(_ context.Context, e *env, args []string) error {
	var g globalFlags
	var k keyFlags
	fs := k.bind(e, "locate", &g)
	cfg, rest, err := parse(fs, &g, args)
	if err != nil {
		return err
	}
	if len(rest) == 0 {
		return usageError("locate needs at least one file")
	}
	a, err := session(e, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var errs []error
	for _, arg := range rest {
		ckey, err := k.contentKey(a, arg)
		if err == nil {
			var loc casc.Locator
			if loc, err = a.Locate(ckey); err == nil {
				fmt.Fprintf(e.stdout, "%s\tckey=%s ekey=%s data.%03d@%d stored=%s size=%s %s\n",
					arg, ckey, loc.EKey, loc.Container, loc.Offset,
					humanize.IBytes(uint64(loc.EncodedSize)), humanize.IBytes(loc.DecodedSize), loc.Flags)
				continue
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", arg, err))
	}
	return errors.Join(errs...)
}

func runExtract(ctx context.Context, e *env, args []string) error {
	var g globalFlags
	var (
		out       string
		list      string
		overwrite bool
		direct    bool
	)
	fs := newFlagSet(e, "extract", &g)
	fs.StringVarP(&out, "out", "o", ".", "destination directory")
	fs.StringVarP(&list, "list", "l", "", `file with one path per line, "-" for standard input`)
	fs.IntVarP(&g.cfg.Workers, "workers", "j", 0, "files extracted concurrently (default GOMAXPROCS)")
	fs.BoolVar(&overwrite, "overwrite", false, "replace existing files")
	fs.BoolVar(&direct, "direct", false, "write in place instead of renaming finished temp files")
	cfg, paths, err := parse(fs, &g, args)
	if err != nil {
		return err
	}
	if list != "" {
		listed, err := readList(e, list)
		if err != nil {
			return err
		}
		paths = append(paths, listed...)
	}
	if len(paths) == 0 {
		return usageError("extract needs at least one path")
	}
	a, err := session(e, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Extract(ctx, out, paths,
		casc.ExtractWithWorkers(cfg.Workers),
		casc.ExtractWithOverwrite(overwrite),
		casc.ExtractWithDirectWrites(direct),
	)
	if err != nil {
		return err
	}
	for _, f := range report.Extracted {
		fmt.Fprintf(e.stdout, "%s  %d  %s\n", f.Digest, f.Size, f.Path)
	}
	for _, p := range report.Skipped {
		fmt.Fprintf(e.stderr, "skipped %s: already exists\n", p)
	}
	return report.Err()
}

// readList reads one path per line, ignoring blank lines.
func readList(e *env, name string) ([]string, error) {
	var r io.Reader = e.stdin
	if name != "-" {
		f, err := os.Open(name) //nolint:gosec // path is given by the user
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var paths []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, sc.Err()
}
