// Package config loads querycache configuration from environment variables
// and an optional YAML file.
//
// Every setting has a default, so an empty environment yields a working
// configuration backed by a local SQLite file. A YAML file, when given,
// replaces defaults; environment variables override both.
//
// Example Usage:
//
//	cfg, err := config.LoadFromEnvOrFile("querycache.yaml")
//	if err != nil {
//		log.Fatalf("Loading config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Cache:
//   - QUERYCACHE_MAX_SIZE=1000
//   - QUERYCACHE_TTL=5m
//   - QUERYCACHE_STALE_THRESHOLD=30s
//   - QUERYCACHE_CLEANUP_INTERVAL=1m
//   - QUERYCACHE_MIN_EXECUTION_TIME=50ms
//   - QUERYCACHE_MAX_EXECUTION_TIME=30s
//
// Database:
//   - QUERYCACHE_DB_DRIVER="sqlite" or "pgx"
//   - QUERYCACHE_DB_DSN="querycache.db"
//   - QUERYCACHE_DB_MAX_OPEN_CONNS=10
//   - QUERYCACHE_DB_QUERY_TIMEOUT=30s
//
// Server:
//   - QUERYCACHE_HTTP_ADDRESS="127.0.0.1"
//   - QUERYCACHE_HTTP_PORT=7480
//
// Logging:
//   - QUERYCACHE_LOG_LEVEL="info"
//   - QUERYCACHE_LOG_FORMAT="json" or "console"
//   - QUERYCACHE_LOG_OUTPUT="stdout", "stderr" or a file path
//
// Durations accept Go syntax ("90s", "5m") or a bare number of seconds.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/dbadmin/querycache/pkg/cache"
)

// SupportedDrivers lists the database/sql driver names the binary registers.
var SupportedDrivers = []string{"sqlite", "pgx"}

// Config holds all querycache configuration.
//
// Configuration is organized into sections:
//   - Cache: engine limits and admission bounds
//   - Database: the backing database connection
//   - Server: the admin HTTP server
//   - Logging: log level, format and destination
type Config struct {
	Cache    cache.Config   `yaml:"cache"`
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver is a database/sql driver name from SupportedDrivers
	Driver string `yaml:"driver"`
	// DSN is passed to sql.Open unchanged
	DSN string `yaml:"dsn"`
	// MaxOpenConns limits the connection pool (0 means unlimited)
	MaxOpenConns int `yaml:"max_open_conns"`
	// MaxIdleConns limits idle pooled connections
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnMaxLifetime recycles connections older than this
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	// QueryTimeout bounds each statement executed through the admin API
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRequestSize caps request bodies in bytes
	MaxRequestSize int64 `yaml:"max_request_size"`
	// MetricsEnabled exposes Prometheus metrics at /metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Addr returns the host:port the server listens on.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// Format is json or console
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path; files are rotated
	Output string `yaml:"output"`

	// Rotation settings, used only for file output
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: cache.DefaultConfig(),
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "querycache.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    30 * time.Second,
		},
		Server: ServerConfig{
			Enabled:         true,
			Address:         "127.0.0.1",
			Port:            7480,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxRequestSize:  1 << 20,
			MetricsEnabled:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// LoadFromEnv returns the defaults overridden by QUERYCACHE_* variables.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	applyEnv(cfg)
	return cfg
}

// LoadConfig loads configuration from a YAML file. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnvOrFile loads the YAML file at path, then applies environment
// overrides. An empty path or a missing file falls back to the defaults;
// any other read or parse failure is returned.
func LoadFromEnvOrFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(), nil
	}

	cfg, err := LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides cfg with any QUERYCACHE_* variables that are set.
func applyEnv(cfg *Config) {
	// Cache
	cfg.Cache.MaxSize = getEnvInt("QUERYCACHE_MAX_SIZE", cfg.Cache.MaxSize)
	cfg.Cache.TTL = getEnvDuration("QUERYCACHE_TTL", cfg.Cache.TTL)
	cfg.Cache.StaleThreshold = getEnvDuration("QUERYCACHE_STALE_THRESHOLD", cfg.Cache.StaleThreshold)
	cfg.Cache.CleanupInterval = getEnvDuration("QUERYCACHE_CLEANUP_INTERVAL", cfg.Cache.CleanupInterval)
	cfg.Cache.MinExecutionTime = getEnvDuration("QUERYCACHE_MIN_EXECUTION_TIME", cfg.Cache.MinExecutionTime)
	cfg.Cache.MaxExecutionTime = getEnvDuration("QUERYCACHE_MAX_EXECUTION_TIME", cfg.Cache.MaxExecutionTime)

	// Database
	cfg.Database.Driver = getEnv("QUERYCACHE_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnv("QUERYCACHE_DB_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getEnvInt("QUERYCACHE_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("QUERYCACHE_DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvDuration("QUERYCACHE_DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.QueryTimeout = getEnvDuration("QUERYCACHE_DB_QUERY_TIMEOUT", cfg.Database.QueryTimeout)

	// Server
	cfg.Server.Enabled = getEnvBool("QUERYCACHE_HTTP_ENABLED", cfg.Server.Enabled)
	cfg.Server.Address = getEnv("QUERYCACHE_HTTP_ADDRESS", cfg.Server.Address)
	cfg.Server.Port = getEnvInt("QUERYCACHE_HTTP_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("QUERYCACHE_HTTP_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("QUERYCACHE_HTTP_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("QUERYCACHE_HTTP_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("QUERYCACHE_HTTP_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.MaxRequestSize = int64(getEnvInt("QUERYCACHE_HTTP_MAX_REQUEST_SIZE", int(cfg.Server.MaxRequestSize)))
	cfg.Server.MetricsEnabled = getEnvBool("QUERYCACHE_METRICS_ENABLED", cfg.Server.MetricsEnabled)

	// Logging
	cfg.Logging.Level = getEnv("QUERYCACHE_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("QUERYCACHE_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnv("QUERYCACHE_LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.MaxSizeMB = getEnvInt("QUERYCACHE_LOG_MAX_SIZE_MB", cfg.Logging.MaxSizeMB)
	cfg.Logging.MaxBackups = getEnvInt("QUERYCACHE_LOG_MAX_BACKUPS", cfg.Logging.MaxBackups)
	cfg.Logging.MaxAgeDays = getEnvInt("QUERYCACHE_LOG_MAX_AGE_DAYS", cfg.Logging.MaxAgeDays)
	cfg.Logging.Compress = getEnvBool("QUERYCACHE_LOG_COMPRESS", cfg.Logging.Compress)
}

// Validate checks the configuration for invalid values.
//
// Zero cache limits are allowed and take the engine defaults; negative
// ones are rejected.
func (c *Config) Validate() error {
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("invalid cache max size: %d", c.Cache.MaxSize)
	}
	if c.Cache.TTL < 0 || c.Cache.StaleThreshold < 0 || c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache durations must not be negative")
	}
	if c.Cache.MinExecutionTime < 0 {
		return fmt.Errorf("invalid min execution time: %s", c.Cache.MinExecutionTime)
	}
	if c.Cache.MaxExecutionTime > 0 && c.Cache.MinExecutionTime > c.Cache.MaxExecutionTime {
		return fmt.Errorf("min execution time %s exceeds max execution time %s",
			c.Cache.MinExecutionTime, c.Cache.MaxExecutionTime)
	}

	if !isSupportedDriver(c.Database.Driver) {
		return fmt.Errorf("unsupported database driver %q (want one of %s)",
			c.Database.Driver, strings.Join(SupportedDrivers, ", "))
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", c.Logging.Format)
	}
	if c.Logging.Output == "" {
		return fmt.Errorf("log output is required")
	}

	return nil
}

// Redacted returns a copy of the configuration with credentials in the
// DSN masked, safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	out.Database.DSN = redactDSN(c.Database.DSN)
	return &out
}

// String returns a safe string representation of the Config.
//
// Example:
//
//	log.Printf("Starting with config: %s", cfg)
//	// Output: Config{Cache: 1000 entries/5m0s, DB: sqlite(querycache.db), HTTP: 127.0.0.1:7480}
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Cache: %d entries/%s, DB: %s(%s), HTTP: %s}",
		c.Cache.MaxSize, c.Cache.TTL,
		c.Database.Driver, redactDSN(c.Database.DSN),
		c.Server.Addr(),
	)
}

func isSupportedDriver(name string) bool {
	for _, d := range SupportedDrivers {
		if d == name {
			return true
		}
	}
	return false
}

var dsnPasswordPattern = regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|\S+)`)

// redactDSN masks the password in URL-style and key=value DSNs.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	return dsnPasswordPattern.ReplaceAllString(dsn, "${1}xxxxx")
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return parseBool(val, defaultVal)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseBool parses a boolean from string with a default value.
func parseBool(s string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return defaultVal
	}
}
