// ABOUTME: Configuration for the whiteboard server, backends, and engine tuning
// ABOUTME: Loads YAML from XDG paths, then .env files, then WHITEBOARD_* environment overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/harperreed/whiteboard/whiteboard"
)

const (
	// AppName names the XDG data and config directories.
	AppName = "whiteboard"

	// ConfigFileName is the YAML file looked up under the XDG config directory.
	ConfigFileName = "config.yaml"

	BackendSQLite = "sqlite"
	BackendBadger = "badger"

	DefaultAddr             = "127.0.0.1:8080"
	DefaultSnapshotInterval = 50
	DefaultCommitRetries    = 3
	DefaultSubscriberBuffer = 256
	DefaultLockTimeout      = 5 * time.Second

	envPrefix = "WHITEBOARD_"
)

// Config holds every setting the binary needs.
type Config struct {
	// Backend is sqlite or badger.
	Backend string `yaml:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`

	// BadgerDir is the data directory for the badger backend.
	BadgerDir string `yaml:"badger_dir"`

	// Addr is where serve listens.
	Addr string `yaml:"addr"`

	SnapshotInterval int64         `yaml:"snapshot_interval"`
	RetainVersions   int64         `yaml:"retain_versions"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	CommitRetries    int           `yaml:"commit_retries"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DataDir is where the default database files live.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, ConfigFileName)
}

// Default returns a config with every field set to its default.
func Default() *Config {
	return &Config{
		Backend:          BackendSQLite,
		SQLitePath:       filepath.Join(DataDir(), "whiteboard.db"),
		BadgerDir:        filepath.Join(DataDir(), "badger"),
		Addr:             DefaultAddr,
		SnapshotInterval: DefaultSnapshotInterval,
		LockTimeout:      DefaultLockTimeout,
		CommitRetries:    DefaultCommitRetries,
		SubscriberBuffer: DefaultSubscriberBuffer,
		LogLevel:         "info",
	}
}

// Load reads path (or DefaultPath when empty). A missing file is not an
// error. Values from .env and the environment win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// .env is optional; missing files are ignored
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	str("BACKEND", &c.Backend)
	str("SQLITE_PATH", &c.SQLitePath)
	str("BADGER_DIR", &c.BadgerDir)
	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)

	ints := map[string]*int64{
		"SNAPSHOT_INTERVAL": &c.SnapshotInterval,
		"RETAIN_VERSIONS":   &c.RetainVersions,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	smallInts := map[string]*int{
		"COMMIT_RETRIES":    &c.CommitRetries,
		"SUBSCRIBER_BUFFER": &c.SubscriberBuffer,
	}
	for key, dst := range smallInts {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := os.LookupEnv(envPrefix + "LOCK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sLOCK_TIMEOUT: %w", envPrefix, err)
		}
		c.LockTimeout = d
	}
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.Backend != BackendSQLite && c.Backend != BackendBadger {
		return fmt.Errorf("unknown backend %q (valid: sqlite, badger)", c.Backend)
	}
	if c.SnapshotInterval < 1 {
		return fmt.Errorf("snapshot_interval must be at least 1, got %d", c.SnapshotInterval)
	}
	if c.RetainVersions < 0 {
		return fmt.Errorf("retain_versions must not be negative, got %d", c.RetainVersions)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive, got %s", c.LockTimeout)
	}
	if c.CommitRetries < 1 {
		return fmt.Errorf("commit_retries must be at least 1, got %d", c.CommitRetries)
	}
	if c.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be at least 1, got %d", c.SubscriberBuffer)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Logger builds the root logger at the configured level.
func (c *Config) Logger() *log.Logger {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          AppName,
	})
}

// EngineOptions maps the tuning fields onto the façade options.
func (c *Config) EngineOptions(logger *log.Logger) whiteboard.Options {
	return whiteboard.Options{
		SnapshotInterval: c.SnapshotInterval,
		RetainVersions:   c.RetainVersions,
		LockTimeout:      c.LockTimeout,
		CommitRetries:    c.CommitRetries,
		SubscriberBuffer: c.SubscriberBuffer,
		Logger:           logger,
	}
}

// Save writes the config as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
