package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/xxxsen/romfetch/internal/filter"
)

const (
	SourceKindHTTP = "http"
	SourceKindS3   = "s3"
)

const (
	defaultUserAgent           = "romfetch/1.0 (+https://github.com/xxxsen/romfetch)"
	defaultConcurrency         = 4
	defaultExtractConcurrency  = 2
	defaultMaxBytesInFlight    = "1GB"
	defaultUnknownSizeEstimate = "64MB"
	defaultRetryCount          = 3
	defaultRetryDelay          = "2s"
	defaultProgressInterval    = "500ms"
)

// Config describes the application level configuration loaded from json or toml.
type Config struct {
	Database        string              `json:"database" toml:"database"`
	RomRoot         string              `json:"rom_root" toml:"rom_root"`
	UserAgent       string              `json:"user_agent" toml:"user_agent"`
	Sources         []SourceConfig      `json:"sources" toml:"sources"`
	Systems         []SystemConfig      `json:"systems" toml:"systems"`
	Download        DownloadConfig      `json:"download" toml:"download"`
	Filter          filter.Options      `json:"filter" toml:"filter"`
	RegionLanguages map[string][]string `json:"region_languages" toml:"region_languages"`
}

// SourceConfig names one remote the systems can fetch from.
type SourceConfig struct {
	Name    string   `json:"name" toml:"name"`
	Kind    string   `json:"kind" toml:"kind"`
	BaseURL string   `json:"base_url" toml:"base_url"`
	S3      S3Config `json:"s3" toml:"s3"`
}

// S3Config holds the options for accessing the object store.
type S3Config struct {
	Host            string `json:"host" toml:"host"`
	Bucket          string `json:"bucket" toml:"bucket"`
	Prefix          string `json:"prefix" toml:"prefix"`
	Region          string `json:"region" toml:"region"`
	AccessKeyID     string `json:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" toml:"secret_access_key"`
	SessionToken    string `json:"session_token" toml:"session_token"`
	ForcePathStyle  bool   `json:"force_path_style" toml:"force_path_style"`
}

// SystemConfig is one catalog entry: a remote directory mirrored into a
// local destination.
type SystemConfig struct {
	Key          string          `json:"key" toml:"key"`
	Label        string          `json:"label" toml:"label"`
	Source       string          `json:"source" toml:"source"`
	RemotePath   string          `json:"remote_path" toml:"remote_path"`
	DestDir      string          `json:"dest_dir" toml:"dest_dir"`
	LocalDir     string          `json:"local_dir" toml:"local_dir"`
	Archive      bool            `json:"archive" toml:"archive"`
	Extract      bool            `json:"extract" toml:"extract"`
	ExtractGlobs []string        `json:"extract_globs" toml:"extract_globs"`
	Filter       *filter.Options `json:"filter" toml:"filter"`
}

// DownloadConfig keeps sizes and durations in their human form, e.g. "512MB"
// and "2s". Use Settings for the parsed values.
type DownloadConfig struct {
	Concurrency         int     `json:"concurrency" toml:"concurrency"`
	MaxBytesInFlight    string  `json:"max_bytes_in_flight" toml:"max_bytes_in_flight"`
	ExtractConcurrency  int     `json:"extract_concurrency" toml:"extract_concurrency"`
	// RetryCount is the number of retries after the first attempt; unset
	// means the default, 0 disables retries.
	RetryCount          *int    `json:"retry_count" toml:"retry_count"`
	RetryDelay          string  `json:"retry_delay" toml:"retry_delay"`
	UnknownSizeEstimate string  `json:"unknown_size_estimate" toml:"unknown_size_estimate"`
	RequestsPerSecond   float64 `json:"requests_per_second" toml:"requests_per_second"`
	ProgressInterval    string  `json:"progress_interval" toml:"progress_interval"`
}

// DownloadSettings is DownloadConfig with defaults applied and values parsed.
type DownloadSettings struct {
	Concurrency         int
	MaxBytesInFlight    int64
	ExtractConcurrency  int
	RetryCount          int
	RetryDelay          time.Duration
	UnknownSizeEstimate int64
	RequestsPerSecond   float64
	ProgressInterval    time.Duration
}

// LoadFirst tries to load configuration from the given paths, returning the
// first successfully decoded configuration. If none of the paths contain a
// readable config, an error is returned.
func LoadFirst(paths ...string) (*Config, error) {
	var lastErr error
	for _, path := range paths {
		if path == "" {
			continue
		}
		cfg, err := Load(path)
		if errors.Is(err, os.ErrNotExist) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("config not found in paths: %v", paths)
	}
	return nil, lastErr
}

// Load reads configuration from a single file. Files ending in .toml are
// decoded as TOML, anything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	for i := range c.Systems {
		s := &c.Systems[i]
		if s.Label == "" {
			s.Label = s.Key
		}
		if s.RemotePath == "" {
			s.RemotePath = s.Key
		}
		if s.DestDir == "" && c.RomRoot != "" {
			s.DestDir = filepath.Join(c.RomRoot, s.Key)
		}
		if s.LocalDir == "" && s.DestDir != "" {
			s.LocalDir = filepath.Base(s.DestDir)
		}
	}
}

// Validate performs basic validation of the configuration.
func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("config.database must be set")
	}
	sources := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("config.sources[%d].name must be set", i)
		}
		if _, ok := sources[src.Name]; ok {
			return fmt.Errorf("duplicate source %q", src.Name)
		}
		sources[src.Name] = struct{}{}
		switch src.Kind {
		case SourceKindHTTP:
			if src.BaseURL == "" {
				return fmt.Errorf("source %q: base_url must be set", src.Name)
			}
		case SourceKindS3:
			if src.S3.Host == "" || src.S3.Bucket == "" {
				return fmt.Errorf("source %q: s3.host and s3.bucket must be set", src.Name)
			}
		default:
			return fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
		}
	}
	systems := make(map[string]struct{}, len(c.Systems))
	for i, sys := range c.Systems {
		if sys.Key == "" {
			return fmt.Errorf("config.systems[%d].key must be set", i)
		}
		if _, ok := systems[sys.Key]; ok {
			return fmt.Errorf("duplicate system %q", sys.Key)
		}
		systems[sys.Key] = struct{}{}
		if _, ok := sources[sys.Source]; !ok {
			return fmt.Errorf("system %q references unknown source %q", sys.Key, sys.Source)
		}
		if sys.DestDir == "" {
			return fmt.Errorf("system %q: dest_dir or rom_root must be set", sys.Key)
		}
	}
	if _, err := c.Download.Settings(); err != nil {
		return err
	}
	return nil
}

// Source returns the named source.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// System returns the system with the given key.
func (c *Config) System(key string) (SystemConfig, bool) {
	for _, s := range c.Systems {
		if s.Key == key {
			return s, true
		}
	}
	return SystemConfig{}, false
}

// FilterFor returns the system's filter when it has one, else the global filter.
func (c *Config) FilterFor(sys SystemConfig) filter.Options {
	if sys.Filter != nil {
		return *sys.Filter
	}
	return c.Filter
}

// Settings parses sizes and durations and fills defaults.
func (d DownloadConfig) Settings() (DownloadSettings, error) {
	s := DownloadSettings{
		Concurrency:        d.Concurrency,
		ExtractConcurrency: d.ExtractConcurrency,
		RetryCount:         defaultRetryCount,
		RequestsPerSecond:  d.RequestsPerSecond,
	}
	if d.RetryCount != nil {
		s.RetryCount = *d.RetryCount
	}
	if s.Concurrency <= 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.ExtractConcurrency <= 0 {
		s.ExtractConcurrency = defaultExtractConcurrency
	}
	if s.RetryCount < 0 {
		return s, fmt.Errorf("download.retry_count must not be negative")
	}
	if s.RequestsPerSecond < 0 {
		return s, fmt.Errorf("download.requests_per_second must not be negative")
	}
	var err error
	if s.MaxBytesInFlight, err = parseSize("max_bytes_in_flight", d.MaxBytesInFlight, defaultMaxBytesInFlight); err != nil {
		return s, err
	}
	if s.UnknownSizeEstimate, err = parseSize("unknown_size_estimate", d.UnknownSizeEstimate, defaultUnknownSizeEstimate); err != nil {
		return s, err
	}
	if s.RetryDelay, err = parseDuration("retry_delay", d.RetryDelay, defaultRetryDelay); err != nil {
		return s, err
	}
	if s.ProgressInterval, err = parseDuration("progress_interval", d.ProgressInterval, defaultProgressInterval); err != nil {
		return s, err
	}
	return s, nil
}

func parseSize(field, value, def string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		value = def
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("download.%s: invalid size %q: %w", field, value, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("download.%s must be positive", field)
	}
	return int64(n), nil
}

func parseDuration(field, value, def string) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		value = def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("download.%s: invalid duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("download.%s must not be negative", field)
	}
	return d, nil
}
