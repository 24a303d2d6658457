// Package config loads and validates the TOML configuration shared by
// the velox commands.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultMaxProbes         = 16
	defaultProbeTimeout      = 3 * time.Second
	defaultMaxConnsPerMirror = 3
	defaultSegmentTimeout    = 5 * time.Minute
)

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed <= 0 {
		return errors.New("duration must be positive: " + string(text))
	}
	d.Duration = parsed
	return nil
}

// FetchConfig controls mirror discovery and ranking.
type FetchConfig struct {
	ProbeTimeout tomlDuration `toml:"probe_timeout,omitempty"`
	MaxProbes    int          `toml:"max_probes,omitempty"`

	// PGPKeyPath holds an armored public key used by --verify-release.
	PGPKeyPath string `toml:"pgp_key_path,omitempty"`
}

// DownloadConfig controls the segment download coordinator.
type DownloadConfig struct {
	MaxConnsPerMirror int          `toml:"max_conns_per_mirror,omitempty"`
	SegmentTimeout    tomlDuration `toml:"segment_timeout,omitempty"`
	NoProgress        bool         `toml:"no_progress,omitempty"`
}

// LogConfig represents slog configuration options.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply configures the global slog logger based on the configuration.
func (logConfig *LogConfig) Apply() error {
	var level slog.Level
	switch strings.ToLower(logConfig.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + logConfig.Level)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(logConfig.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "plain", "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return errors.New("invalid log format: " + logConfig.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	config := config.New()
//	md, err := toml.DecodeFile("/path/to/velox.toml", config)
//	if err != nil {
//	    ...
//	}
type Config struct {
	// SourceList is where the selected mirror list is persisted.
	// The external package manager consumes it as its mirror source list.
	SourceList string `toml:"source_list"`

	// CacheDir holds downloaded package files.
	CacheDir string `toml:"cache_dir"`

	// JournalPath is the transaction journal store. Its pointer state
	// lives next to it in a ".state" sidecar.
	JournalPath string `toml:"journal_path"`

	Fetch    FetchConfig    `toml:"fetch"`
	Download DownloadConfig `toml:"download"`
	Log      LogConfig      `toml:"log"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	for _, p := range []struct {
		name  string
		value string
	}{
		{"source_list", c.SourceList},
		{"cache_dir", c.CacheDir},
		{"journal_path", c.JournalPath},
	} {
		if p.value == "" {
			return errors.New(p.name + " is not set")
		}
		if !filepath.IsAbs(p.value) {
			return errors.New(p.name + " must be an absolute path")
		}
	}
	if c.Fetch.MaxProbes <= 0 {
		return errors.New("fetch.max_probes must be positive")
	}
	if c.Download.MaxConnsPerMirror <= 0 {
		return errors.New("download.max_conns_per_mirror must be positive")
	}
	if c.Fetch.PGPKeyPath != "" {
		if !filepath.IsAbs(c.Fetch.PGPKeyPath) {
			return errors.New("fetch.pgp_key_path must be an absolute path")
		}
		if _, err := os.Stat(c.Fetch.PGPKeyPath); err != nil {
			return errors.Wrap(err, "fetch.pgp_key_path")
		}
	}
	return nil
}

// New creates Config with default values.
func New() *Config {
	return &Config{
		SourceList:  "/etc/apt/sources.list.d/velox-sources.list",
		CacheDir:    "/var/cache/velox/archives",
		JournalPath: "/var/lib/velox/history.jsonl",
		Fetch: FetchConfig{
			ProbeTimeout: tomlDuration{defaultProbeTimeout},
			MaxProbes:    defaultMaxProbes,
		},
		Download: DownloadConfig{
			MaxConnsPerMirror: defaultMaxConnsPerMirror,
			SegmentTimeout:    tomlDuration{defaultSegmentTimeout},
		},
	}
}

// ProbeTimeout returns the configured probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if c.Fetch.ProbeTimeout.Duration <= 0 {
		return defaultProbeTimeout
	}
	return c.Fetch.ProbeTimeout.Duration
}

// SegmentTimeout returns the configured per-attempt segment timeout.
func (c *Config) SegmentTimeout() time.Duration {
	if c.Download.SegmentTimeout.Duration <= 0 {
		return defaultSegmentTimeout
	}
	return c.Download.SegmentTimeout.Duration
}
