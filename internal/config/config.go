// Package config loads recsync settings from a YAML file.
//
// Files are checked against an embedded CUE schema before decoding, so
// unknown keys and out-of-range values are reported with their path.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// EnvToken overrides the configured token when set.
const EnvToken = "RECSYNC_TOKEN"

// Duration is a time.Duration written as "5s" or "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address for /metrics, e.g. ":9090". Empty disables it.
	Listen string `yaml:"listen"`
}

// Config holds all recsync settings.
type Config struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Context string `yaml:"context"`
	Push    bool   `yaml:"push"`
	Watch   bool   `yaml:"watch"`

	Cache CacheConfig `yaml:"cache"`

	PollInterval    Duration `yaml:"poll_interval"`
	FailoverBackoff Duration `yaml:"failover_backoff"`
	HTTPTimeout     Duration `yaml:"http_timeout"`

	MaxRetries int    `yaml:"max_retries"`
	PageSize   int    `yaml:"page_size"`
	LogLevel   string `yaml:"log_level"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// Default returns the settings used for keys a file leaves out.
func Default() Config {
	return Config{
		Context:         "app",
		Push:            true,
		Watch:           true,
		Cache:           CacheConfig{Enabled: true, Path: "recsync-cache.db"},
		PollInterval:    Duration(5 * time.Second),
		FailoverBackoff: Duration(5 * time.Second),
		HTTPTimeout:     Duration(30 * time.Second),
		MaxRetries:      5,
		PageSize:        100,
		LogLevel:        "info",
	}
}

// Error reports an invalid configuration.
type Error struct {
	// Source is the file path, or "" for in-memory input.
	Source string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("invalid config: %v", e.Err)
	}
	return fmt.Sprintf("invalid config %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Load reads and validates a config file. A missing file yields the
// defaults. The token is taken from RECSYNC_TOKEN when that is set.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return withEnv(Default()), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Source = path
		}
		return Config{}, err
	}
	return withEnv(cfg), nil
}

// Parse validates YAML input and decodes it over the defaults.
func Parse(data []byte) (Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, &Error{Err: err}
	}
	if err := validate(raw); err != nil {
		return Config{}, &Error{Err: err}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, &Error{Err: err}
	}
	return cfg, nil
}

// validate checks raw against the #Config schema.
func validate(raw map[string]any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(ctx.Encode(raw))
	return v.Validate(cue.Concrete(true))
}

func withEnv(cfg Config) Config {
	if token := os.Getenv(EnvToken); token != "" {
		cfg.Token = token
	}
	return cfg
}

// SlogLevel maps LogLevel to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
