// Package config loads mastiff settings from a mastiff.toml file and the
// environment. Command line flags take precedence over both.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/kilupskalvis/mastiff/internal/storage"
)

const (
	ConfigFile = "mastiff.toml"
	EnvConfig  = "MASTIFF_CONFIG"
)

// ErrNotFound is returned by Find when no config file exists up to the root
var ErrNotFound = errors.New("no mastiff.toml in current directory or any parent")

// Config is the full mastiff configuration
type Config struct {
	Index  IndexConfig  `toml:"index"`
	Query  QueryConfig  `toml:"query"`
	Server ServerConfig `toml:"server"`
	Client ClientConfig `toml:"client"`
	path   string       // file the config was loaded from, empty for defaults
}

// IndexConfig controls index builds
type IndexConfig struct {
	Path      string `toml:"path"`
	Backend   string `toml:"backend"`
	Colors    bool   `toml:"colors"`
	BatchSize int    `toml:"batch_size"`
	Workers   int    `toml:"workers"` // signature loaders, 0 means one per CPU
}

// QueryConfig holds the defaults for local search and gather
type QueryConfig struct {
	KSize       uint32  `toml:"ksize"`
	Scaled      uint64  `toml:"scaled"`
	ThresholdBP uint64  `toml:"threshold_bp"`
	Containment float64 `toml:"containment"`
}

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Listen            string   `toml:"listen"`
	Assets            string   `toml:"assets"`
	KSize             uint32   `toml:"ksize"`
	Scaled            uint64   `toml:"scaled"`
	ThresholdBP       uint64   `toml:"threshold_bp"`
	MaxConcurrent     int64    `toml:"max_concurrent"`
	Timeout           Duration `toml:"timeout"`
	MaxBody           int64    `toml:"max_body"`
	RequestsPerMinute int      `toml:"requests_per_minute"` // per client address, 0 disables
	LogLevel          string   `toml:"log_level"`
	LogFormat         string   `toml:"log_format"`
}

// ClientConfig holds the settings of the query client
type ClientConfig struct {
	Server  string   `toml:"server"`
	KSize   uint32   `toml:"ksize"`
	Scaled  uint64   `toml:"scaled"`
	Timeout Duration `toml:"timeout"`
	Retries int      `toml:"retries"`
}

// Duration is a time.Duration written as a string such as "1h" or "30s"
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Index: IndexConfig{
			Backend:   string(storage.KindBolt),
			BatchSize: 64,
		},
		Query: QueryConfig{
			KSize:       31,
			Scaled:      1000,
			ThresholdBP: 50000,
			Containment: 0.2,
		},
		Server: ServerConfig{
			Listen:            "127.0.0.1:3059",
			Assets:            "assets/",
			KSize:             21,
			Scaled:            1000,
			ThresholdBP:       50000,
			MaxConcurrent:     200,
			Timeout:           Duration{time.Hour},
			MaxBody:           5 * 1000 * 1024,
			RequestsPerMinute: 0,
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Client: ClientConfig{
			Server:  "https://mastiff.sourmash.bio",
			KSize:   21,
			Scaled:  1000,
			Timeout: Duration{time.Hour},
			Retries: 3,
		},
	}
}

// Find returns the path of the nearest mastiff.toml, walking up from the
// current directory
func Find() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		p := filepath.Join(dir, ConfigFile)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load resolves and reads the configuration. An explicit path wins over
// MASTIFF_CONFIG, which wins over discovery. Without any file the defaults
// are used. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		found, err := Find()
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return nil, err
		default:
			path = found
		}
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a config file on top of the defaults
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the configuration to path
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	c.path = path
	return nil
}

// Path returns the file the configuration was read from
func (c *Config) Path() string {
	return c.path
}

// ApplyEnv overrides settings from MASTIFF_* environment variables
func (c *Config) ApplyEnv() error {
	c.Index.Path = envOrDefault("MASTIFF_INDEX", c.Index.Path)
	c.Index.Backend = envOrDefault("MASTIFF_BACKEND", c.Index.Backend)
	c.Server.Listen = envOrDefault("MASTIFF_LISTEN", c.Server.Listen)
	c.Server.Assets = envOrDefault("MASTIFF_ASSETS", c.Server.Assets)
	c.Server.LogLevel = envOrDefault("MASTIFF_LOG_LEVEL", c.Server.LogLevel)
	c.Server.LogFormat = envOrDefault("MASTIFF_LOG_FORMAT", c.Server.LogFormat)
	c.Client.Server = envOrDefault("MASTIFF_SERVER", c.Client.Server)

	if v := os.Getenv("MASTIFF_MAX_CONCURRENT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MASTIFF_MAX_CONCURRENT: %w", err)
		}
		c.Server.MaxConcurrent = n
	}
	if v := os.Getenv("MASTIFF_TIMEOUT"); v != "" {
		if err := c.Server.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("MASTIFF_TIMEOUT: %w", err)
		}
	}
	return c.Validate()
}

// Validate reports settings that cannot work
func (c *Config) Validate() error {
	if _, err := storage.ParseKind(c.Index.Backend); err != nil {
		return err
	}
	if c.Index.BatchSize < 0 {
		return fmt.Errorf("index.batch_size must not be negative")
	}
	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("server.max_concurrent must be at least 1")
	}
	if c.Server.MaxBody < 1 {
		return fmt.Errorf("server.max_body must be positive")
	}
	if _, err := ParseLevel(c.Server.LogLevel); err != nil {
		return err
	}
	switch c.Server.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q (json, text)", c.Server.LogFormat)
	}
	if c.Query.Containment < 0 || c.Query.Containment > 1 {
		return fmt.Errorf("query.containment must be between 0 and 1")
	}
	return nil
}

// ParseLevel converts a level name to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (debug, info, warn, error)", s)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
