// Command cascx inspects and extracts files from a local CASC storage.
//
// Usage:
//
//	cascx <command> [flags] [args]
//
// Commands:
//
//	info      print a summary of the storage
//	cat       write files to standard output
//	extract   write files below a directory and print a digest manifest
//	locate    print where files are stored
//
// Every command accepts --storage, --config, --log-level, --locale,
// --no-verify, --cache-dir and --cache-size.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
)

// errUsage marks command line mistakes; they exit with status 2.
var errUsage = errors.New("usage")

func usageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"info", "print a summary of the storage", runInfo},
	{"cat", "write files to standard output", runCat},
	{"extract", "write files below a directory", runExtract},
	{"locate", "print where files are stored", runLocate},
}

// env carries the process streams so commands can be run from tests.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, &env{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}, os.Args[1:])
	stop()
	if err == nil {
		return
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	fmt.Fprintf(os.Stderr, "cascx: %v\n", err)
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	os.Exit(1)
}

func run(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		printUsage(e.stderr)
		return usageError("no command given")
	}
	name := args[0]
	switch name {
	case "help", "-h", "--help":
		printUsage(e.stdout)
		return nil
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, args[1:])
		}
	}
	printUsage(e.stderr)
	return usageError("unknown command %q", name)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: cascx <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, `Run "cascx <command> --help" for the flags of a command.`)
}

// newFlagSet returns a flag set for command name with the global flags bound.
func newFlagSet(e *env, name string, g *globalFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet("cascx "+name, pflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	g.bind(fs)
	return fs
}

// parse parses args, merges the config file and returns the remaining
// arguments.
func parse(fs *pflag.FlagSet, g *globalFlags, args []string) (Config, []string, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, nil, err
		}
		return Config{}, nil, usageError("%v", err)
	}
	cfg, err := g.resolve(fs)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}
