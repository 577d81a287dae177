package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
  "database": "/tmp/romfetch.db",
  "rom_root": "/roms",
  "sources": [
    {"name": "mirror", "kind": "http", "base_url": "https://example.org/files/"}
  ],
  "systems": [
    {"key": "gb", "source": "mirror", "remote_path": "Nintendo - Game Boy", "archive": true, "extract": true, "extract_globs": ["*.gb"]},
    {"key": "psx", "source": "mirror", "dest_dir": "/mnt/psx", "label": "PlayStation"}
  ],
  "download": {"concurrency": 8, "max_bytes_in_flight": "512MB", "retry_delay": "250ms"},
  "filter": {"include_regions": ["USA"], "one_game_one_rom": true}
}`

const tomlConfig = `
database = "/tmp/romfetch.db"
rom_root = "/roms"

[[sources]]
name = "bucket"
kind = "s3"
[sources.s3]
host = "s3.example.org"
bucket = "roms"
prefix = "sets"

[[systems]]
key = "snes"
source = "bucket"

[download]
unknown_size_estimate = "16MiB"
progress_interval = "1s"
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadJSON(t *testing.T) {
	cfg, err := Load(writeFile(t, "romfetch.json", jsonConfig))
	require.NoError(t, err)

	gb, ok := cfg.System("gb")
	require.True(t, ok)
	assert.Equal(t, filepath.Join("/roms", "gb"), gb.DestDir)
	assert.Equal(t, "gb", gb.LocalDir)
	assert.Equal(t, "gb", gb.Label)
	assert.Equal(t, []string{"*.gb"}, gb.ExtractGlobs)

	psx, ok := cfg.System("psx")
	require.True(t, ok)
	assert.Equal(t, "psx", psx.LocalDir)
	assert.Equal(t, "psx", psx.RemotePath)

	st, err := cfg.Download.Settings()
	require.NoError(t, err)
	assert.Equal(t, 8, st.Concurrency)
	assert.Equal(t, int64(512_000_000), st.MaxBytesInFlight)
	assert.Equal(t, 250*time.Millisecond, st.RetryDelay)
	assert.Equal(t, defaultRetryCount, st.RetryCount)
	assert.Equal(t, int64(64_000_000), st.UnknownSizeEstimate)

	assert.True(t, cfg.FilterFor(gb).OneGameOneRom)
	assert.Equal(t, defaultUserAgent, cfg.UserAgent)
}

func TestLoadTOML(t *testing.T) {
	cfg, err := Load(writeFile(t, "romfetch.toml", tomlConfig))
	require.NoError(t, err)
	src, ok := cfg.Source("bucket")
	require.True(t, ok)
	assert.Equal(t, SourceKindS3, src.Kind)
	assert.Equal(t, "roms", src.S3.Bucket)
	assert.Equal(t, "sets", src.S3.Prefix)

	st, err := cfg.Download.Settings()
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024*1024), st.UnknownSizeEstimate)
	assert.Equal(t, time.Second, st.ProgressInterval)
}

func TestLoadFirstSkipsMissing(t *testing.T) {
	good := writeFile(t, "romfetch.json", jsonConfig)
	cfg, err := LoadFirst("", filepath.Join(t.TempDir(), "missing.json"), good)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/romfetch.db", cfg.Database)

	_, err = LoadFirst(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database: "db",
			Sources:  []SourceConfig{{Name: "m", Kind: SourceKindHTTP, BaseURL: "http://x"}},
			Systems:  []SystemConfig{{Key: "gb", Source: "m", DestDir: "/d"}},
		}
	}
	cfg := base()
	require.NoError(t, cfg.Validate())

	tests := map[string]func(c *Config){
		"no database":    func(c *Config) { c.Database = "" },
		"unknown source": func(c *Config) { c.Systems[0].Source = "nope" },
		"duplicate system": func(c *Config) {
			c.Systems = append(c.Systems, c.Systems[0])
		},
		"bad kind":     func(c *Config) { c.Sources[0].Kind = "ftp" },
		"bad size":     func(c *Config) { c.Download.MaxBytesInFlight = "lots" },
		"bad duration": func(c *Config) { c.Download.RetryDelay = "soon" },
		"negative retries": func(c *Config) {
			n := -1
			c.Download.RetryCount = &n
		},
		"no dest":      func(c *Config) { c.Systems[0].DestDir = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRetryCountZeroDisablesRetries(t *testing.T) {
	var d DownloadConfig
	require.NoError(t, json.Unmarshal([]byte(`{"retry_count": 0}`), &d))
	st, err := d.Settings()
	require.NoError(t, err)
	assert.Equal(t, 0, st.RetryCount)

	d = DownloadConfig{}
	st, err = d.Settings()
	require.NoError(t, err)
	assert.Equal(t, defaultRetryCount, st.RetryCount)

	var td DownloadConfig
	_, err = toml.Decode("retry_count = 5", &td)
	require.NoError(t, err)
	st, err = td.Settings()
	require.NoError(t, err)
	assert.Equal(t, 5, st.RetryCount)
}
