package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/meigma/casc"
	"github.com/meigma/casc/cache"
	"github.com/meigma/casc/cache/disk"
	"github.com/meigma/casc/cache/lru"
)

// Config is the cascx configuration file. Flags given on the command line
// take precedence over file values.
type Config struct {
	Storage  string      `yaml:"storage"`
	LogLevel string      `yaml:"log_level"`
	Locale   string      `yaml:"locale"`
	Verify   *bool       `yaml:"verify"`
	Workers  int         `yaml:"workers"`
	Cache    CacheConfig `yaml:"cache"`
}

// CacheConfig selects the decode cache. A directory selects the disk
// cache; a size or entry limit without one selects an in-memory cache.
type CacheConfig struct {
	Dir     string `yaml:"dir"`
	MaxSize string `yaml:"max_size"`
	Entries int    `yaml:"entries"`
}

func loadConfig(path string) (Config, error) {
	f, err := os.Open(path) //nolint:gosec // path is given by the user
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	noVerify   bool
	cfg        Config
}

func (g *globalFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&g.cfg.Storage, "storage", "s", "", "game, Data or data directory of the storage")
	fs.StringVar(&g.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&g.cfg.LogLevel, "log-level", "warn", "log level: debug, info, warn or error")
	fs.StringVar(&g.cfg.Locale, "locale", "all", "ROOT locale, e.g. enUS, or a hex mask")
	fs.BoolVar(&g.noVerify, "no-verify", false, "skip checksum and content key verification")
	fs.StringVar(&g.cfg.Cache.Dir, "cache-dir", "", "directory for the decode cache")
	fs.StringVar(&g.cfg.Cache.MaxSize, "cache-size", "", "decode cache budget, e.g. 256MiB")
}

// resolve merges the configuration file under the parsed flags.
func (g *globalFlags) resolve(fs *pflag.FlagSet) (Config, error) {
	cfg := g.cfg
	verify := !g.noVerify
	cfg.Verify = &verify
	if g.configPath == "" {
		return cfg, nil
	}

	file, err := loadConfig(g.configPath)
	if err != nil {
		return Config{}, err
	}
	pick := func(name, flagVal, fileVal string) string {
		if fs.Changed(name) || fileVal == "" {
			return flagVal
		}
		return fileVal
	}
	cfg.Storage = pick("storage", cfg.Storage, file.Storage)
	cfg.LogLevel = pick("log-level", cfg.LogLevel, file.LogLevel)
	cfg.Locale = pick("locale", cfg.Locale, file.Locale)
	cfg.Cache.Dir = pick("cache-dir", cfg.Cache.Dir, file.Cache.Dir)
	cfg.Cache.MaxSize = pick("cache-size", cfg.Cache.MaxSize, file.Cache.MaxSize)
	cfg.Cache.Entries = file.Cache.Entries
	if !fs.Changed("workers") && file.Workers != 0 {
		cfg.Workers = file.Workers
	}
	if !fs.Changed("no-verify") && file.Verify != nil {
		cfg.Verify = file.Verify
	}
	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

var localeNames = map[string]uint32{
	"all":  casc.LocaleAll,
	"enus": casc.LocaleEnUS,
	"engb": casc.LocaleEnGB,
	"dede": casc.LocaleDeDE,
	"frfr": casc.LocaleFrFR,
	"eses": casc.LocaleEsES,
	"kokr": casc.LocaleKoKR,
	"zhcn": casc.LocaleZhCN,
	"zhtw": casc.LocaleZhTW,
}

// parseLocale accepts a locale name such as enUS or a hex mask such as 0x2.
func parseLocale(s string) (uint32, error) {
	if s == "" {
		return casc.LocaleAll, nil
	}
	if mask, ok := localeNames[strings.ToLower(s)]; ok {
		return mask, nil
	}
	mask, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown locale %q", s)
	}
	return uint32(mask), nil
}

func newCache(c CacheConfig, logger *slog.Logger) (cache.Cache, error) {
	var maxBytes int64
	if c.MaxSize != "" {
		n, err := humanize.ParseBytes(c.MaxSize)
		if err != nil {
			return nil, fmt.Errorf("cache size: %w", err)
		}
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("cache size %s is too large", c.MaxSize)
		}
		maxBytes = int64(n)
	}

	switch {
	case c.Dir != "":
		dc, err := disk.New(c.Dir, disk.WithMaxBytes(maxBytes), disk.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return dc, nil
	case maxBytes > 0 || c.Entries > 0:
		opts := []lru.Option{lru.WithMaxBytes(maxBytes)}
		if c.Entries > 0 {
			opts = append(opts, lru.WithMaxEntries(c.Entries))
		}
		mc, err := lru.New(opts...)
		if err != nil {
			return nil, err
		}
		return mc, nil
	}
	return nil, nil
}

func openArchive(cfg Config, logger *slog.Logger) (*casc.Archive, error) {
	if cfg.Storage == "" {
		return nil, usageError("no storage given; use --storage or the storage config key")
	}
	locale, err := parseLocale(cfg.Locale)
	if err != nil {
		return nil, err
	}
	opts := []casc.Option{
		casc.WithLogger(logger),
		casc.WithLocale(locale),
	}
	if cfg.Verify != nil {
		opts = append(opts, casc.WithVerify(*cfg.Verify))
	}
	c, err := newCache(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	if c != nil {
		opts = append(opts, casc.WithCache(c))
	}
	return casc.Open(cfg.Storage, opts...)
}
