package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
base_url: https://sync.example.com
token: secret
context: user
push: false
watch: true
cache:
  enabled: true
  path: /var/lib/recsync/cache.db
poll_interval: 250ms
failover_backoff: 1m
http_timeout: 10s
max_retries: -1
page_size: 50
log_level: debug
metrics:
  listen: ":9090"
`))
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.BaseURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, "user", cfg.Context)
	assert.False(t, cfg.Push)
	assert.True(t, cfg.Watch)
	assert.Equal(t, "/var/lib/recsync/cache.db", cfg.Cache.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval.Std())
	assert.Equal(t, time.Minute, cfg.FailoverBackoff.Std())
	assert.Equal(t, 10*time.Second, cfg.HTTPTimeout.Std())
	assert.Equal(t, -1, cfg.MaxRetries)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("context: app\n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_PartialNested(t *testing.T) {
	cfg, err := Parse([]byte("cache:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, Default().Cache.Path, cfg.Cache.Path, "unset nested keys keep defaults")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "colour: blue\n"},
		{"unknown nested key", "cache:\n  size: 10\n"},
		{"bad context", "context: shared\n"},
		{"bad base url", "base_url: ftp://example.com\n"},
		{"bad duration", "poll_interval: soon\n"},
		{"bare number duration", "poll_interval: 5\n"},
		{"page size zero", "page_size: 0\n"},
		{"retries too low", "max_retries: -2\n"},
		{"bad log level", "log_level: trace\n"},
		{"wrong type", "push: maybe\n"},
		{"not yaml", "push: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			var ce *Error
			assert.True(t, errors.As(err, &ce), "want *Error, got %T", err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv(EnvToken, "")
	path := filepath.Join(t.TempDir(), "recsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: from-file\npage_size: 10\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, 10, cfg.PageSize)
}

func TestLoad_EnvToken(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	path := filepath.Join(t.TempDir(), "recsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: from-file\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Token)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(EnvToken, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_InvalidReportsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("page_size: 5000\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, path, ce.Source)
	assert.Contains(t, err.Error(), path)
}

func TestDuration_MarshalYAML(t *testing.T) {
	v, err := Duration(1500 * time.Millisecond).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1.5s", v)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "info"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "warn"}.SlogLevel())
	assert.Equal(t, slog.LevelError, Config{LogLevel: "error"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{}.SlogLevel())
}
