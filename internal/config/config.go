// Package config handles configuration loading, validation, and reloading
// for ctxtd.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ctxt/internal/logging"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Server configuration for the editor protocol listener.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Storage configuration for document snapshots.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Journal configuration for the edit history.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Feed configuration for the change feed.
	Feed FeedConfig `toml:"feed" json:"feed" yaml:"feed"`

	// Admin configuration for the HTTP surface.
	Admin AdminConfig `toml:"admin" json:"admin" yaml:"admin"`

	// Discovery configuration for mDNS advertisement.
	Discovery DiscoveryConfig `toml:"discovery" json:"discovery" yaml:"discovery"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds listener and session configuration.
type ServerConfig struct {
	// Port is the TCP port editors connect to.
	Port int `toml:"port" json:"port" yaml:"port"`

	// Bind is the interface address to listen on. Empty means all.
	Bind string `toml:"bind" json:"bind" yaml:"bind"`

	// PollIntervalMs bounds how long a session blocks on its socket before
	// checking for shutdown.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// PayloadTimeoutMs is how long a frame may take to arrive in full.
	PayloadTimeoutMs int `toml:"payload_timeout_ms" json:"payload_timeout_ms" yaml:"payload_timeout_ms"`

	// MaxPayloadBytes is the largest frame payload accepted.
	MaxPayloadBytes int `toml:"max_payload_bytes" json:"max_payload_bytes" yaml:"max_payload_bytes"`

	// OutboxLimit is how many undelivered operations a session may hold.
	OutboxLimit int `toml:"outbox_limit" json:"outbox_limit" yaml:"outbox_limit"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Bind, strconv.Itoa(s.Port))
}

// PollInterval returns PollIntervalMs as a duration.
func (s ServerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// PayloadTimeout returns PayloadTimeoutMs as a duration.
func (s ServerConfig) PayloadTimeout() time.Duration {
	return time.Duration(s.PayloadTimeoutMs) * time.Millisecond
}

// StorageConfig holds snapshot persistence configuration.
type StorageConfig struct {
	// Backend is "file" or "bolt".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// Dir holds one file per document for the file backend.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// BoltPath is the database file for the bolt backend.
	BoltPath string `toml:"bolt_path" json:"bolt_path" yaml:"bolt_path"`
}

// JournalConfig holds edit journal configuration.
type JournalConfig struct {
	// Driver is "", "sqlite" or "postgres". Empty disables the journal.
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `toml:"dsn" json:"dsn" yaml:"dsn"`
}

// FeedConfig holds change feed configuration.
type FeedConfig struct {
	// RedisAddr enables the feed when set.
	RedisAddr string `toml:"redis_addr" json:"redis_addr" yaml:"redis_addr"`

	RedisDB int `toml:"redis_db" json:"redis_db" yaml:"redis_db"`

	// ChannelPrefix is prepended to document names to form channels.
	ChannelPrefix string `toml:"channel_prefix" json:"channel_prefix" yaml:"channel_prefix"`
}

// AdminConfig holds HTTP admin configuration.
type AdminConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" json:"addr" yaml:"addr"`

	// WebSocket serves editor sessions on /ws.
	WebSocket bool `toml:"websocket" json:"websocket" yaml:"websocket"`
}

// DiscoveryConfig holds mDNS configuration.
type DiscoveryConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Instance is the advertised name. Empty derives one from the hostname.
	Instance string `toml:"instance" json:"instance" yaml:"instance"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: text, json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: stdout, stderr, file, both.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// Logger converts the section into a logging configuration.
func (l LoggingConfig) Logger() (*logging.Config, error) {
	cfg := logging.DefaultConfig()
	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(l.Format)
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	cfg.Format = format
	if l.Output != "" {
		cfg.Output = l.Output
	}
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	cfg.MaxSize = int64(l.MaxSizeMB)
	cfg.MaxBackups = l.MaxBackups
	cfg.MaxAge = l.MaxAgeDays
	cfg.Compress = l.Compress
	return cfg, nil
}

// DefaultStorageDir holds one file per document, relative to the working
// directory.
const DefaultStorageDir = "storage"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             7777,
			PollIntervalMs:   100,
			PayloadTimeoutMs: 2000,
			MaxPayloadBytes:  16 << 20,
			OutboxLimit:      4096,
		},
		Storage: StorageConfig{
			Backend:  "file",
			Dir:      DefaultStorageDir,
			BoltPath: filepath.Join(DefaultStorageDir, "documents.db"),
		},
		Feed: FeedConfig{
			ChannelPrefix: "document:",
		},
		Admin: AdminConfig{
			Addr:      "127.0.0.1:7778",
			WebSocket: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "ctxtd.toml")
}

// Load reads configuration from path on top of the defaults, checks it
// against the schema and validates it. A missing file yields the defaults.
// The format follows the extension; anything else is read as TOML.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := Decode(data, formatOf(path), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func formatOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "yml" {
		return "yaml"
	}
	return ext
}

// Decode checks data in the given format against the schema and decodes it
// into cfg, leaving fields the document does not mention untouched.
func Decode(data []byte, format string, cfg *Config) error {
	var raw map[string]any
	switch format {
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
		if err := checkSchema(raw); err != nil {
			return err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
		if err := checkSchema(raw); err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
		if err := checkSchema(raw); err != nil {
			return err
		}
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured backends write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{}
	switch c.Storage.Backend {
	case "bolt":
		dirs = append(dirs, filepath.Dir(c.Storage.BoltPath))
	default:
		dirs = append(dirs, c.Storage.Dir)
	}
	if c.Journal.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Journal.DSN))
	}
	if c.Logging.FilePath != "" && (c.Logging.Output == "file" || c.Logging.Output == "both") {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
