// Package config loads and validates the application configuration from a
// YAML file with environment variable overrides.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/javi11/nntppool/v4"
	"github.com/spf13/viper"

	"github.com/javi11/nzbstream/internal/pathutil"
)

// ProviderConfig describes one NNTP provider.
type ProviderConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	TLS            bool   `mapstructure:"tls"`
	InsecureTLS    bool   `mapstructure:"insecure_tls"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// CacheConfig governs the extraction cache lifecycle.
type CacheConfig struct {
	Dir                  string `mapstructure:"dir"`
	RetentionHours       int    `mapstructure:"retention_hours"`
	MaxCacheSizeGB       int    `mapstructure:"max_cache_size_gb"` // 0 = unbounded
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`
}

// Retention returns the retention window as a duration.
func (c CacheConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns the cleanup sweep period as a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// MaxCacheSizeBytes returns the size cap in bytes, 0 for unbounded.
func (c CacheConfig) MaxCacheSizeBytes() int64 {
	return int64(c.MaxCacheSizeGB) * 1024 * 1024 * 1024
}

// DownloadConfig tunes the segment downloader.
type DownloadConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
}

// StreamConfig tunes the range readers and stream service.
type StreamConfig struct {
	MaxReadAheadMB      int `mapstructure:"max_read_ahead_mb"`
	HeaderPrefixKB      int `mapstructure:"header_prefix_kb"`
	CleanupDelaySeconds int `mapstructure:"cleanup_delay_seconds"`
	ManifestTTLMinutes  int `mapstructure:"manifest_ttl_minutes"`
	ArchiveTTLMinutes   int `mapstructure:"archive_ttl_minutes"`
}

// ReadAhead returns the read-ahead budget in bytes.
func (c StreamConfig) ReadAhead() int64 {
	return int64(c.MaxReadAheadMB) * 1024 * 1024
}

// HeaderPrefixSize returns the per-volume header fetch bound in bytes.
func (c StreamConfig) HeaderPrefixSize() int64 {
	return int64(c.HeaderPrefixKB) * 1024
}

// CleanupDelay returns the idle-stream cleanup delay as a duration.
func (c StreamConfig) CleanupDelay() time.Duration {
	return time.Duration(c.CleanupDelaySeconds) * time.Second
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig configures structured logging and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the full application configuration.
type Config struct {
	Providers []ProviderConfig `mapstructure:"providers"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Download  DownloadConfig   `mapstructure:"download"`
	Stream    StreamConfig     `mapstructure:"stream"`
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./nzbstream.db"},
		Cache: CacheConfig{
			Dir:                  "./cache",
			RetentionHours:       24,
			MaxCacheSizeGB:       0,
			SweepIntervalMinutes: 60,
		},
		Download: DownloadConfig{MaxWorkers: 10},
		Stream: StreamConfig{
			MaxReadAheadMB:      32,
			HeaderPrefixKB:      64,
			CleanupDelaySeconds: 120,
			ManifestTTLMinutes:  30,
			ArchiveTTLMinutes:   30,
		},
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// LoadConfig reads the configuration file, applies NZBSTREAM_* environment
// overrides and validates the result. An empty path loads defaults only.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NZBSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("cache.dir", def.Cache.Dir)
	v.SetDefault("cache.retention_hours", def.Cache.RetentionHours)
	v.SetDefault("cache.max_cache_size_gb", def.Cache.MaxCacheSizeGB)
	v.SetDefault("cache.sweep_interval_minutes", def.Cache.SweepIntervalMinutes)
	v.SetDefault("download.max_workers", def.Download.MaxWorkers)
	v.SetDefault("stream.max_read_ahead_mb", def.Stream.MaxReadAheadMB)
	v.SetDefault("stream.header_prefix_kb", def.Stream.HeaderPrefixKB)
	v.SetDefault("stream.cleanup_delay_seconds", def.Stream.CleanupDelaySeconds)
	v.SetDefault("stream.manifest_ttl_minutes", def.Stream.ManifestTTLMinutes)
	v.SetDefault("stream.archive_ttl_minutes", def.Stream.ArchiveTTLMinutes)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.max_size_mb", def.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", def.Log.MaxBackups)
	v.SetDefault("log.max_age_days", def.Log.MaxAgeDays)
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	for i, p := range c.Providers {
		if p.Host == "" {
			return fmt.Errorf("provider %d: host is required", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("provider %d: invalid port %d", i, p.Port)
		}
		if p.MaxConnections <= 0 {
			return fmt.Errorf("provider %d: max_connections must be positive", i)
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := pathutil.CheckFileDirectoryWritable(c.Database.Path, "database"); err != nil {
		return err
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.RetentionHours <= 0 {
		return fmt.Errorf("cache.retention_hours must be positive")
	}
	if c.Cache.MaxCacheSizeGB < 0 {
		return fmt.Errorf("cache.max_cache_size_gb cannot be negative")
	}
	if c.Cache.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("cache.sweep_interval_minutes must be positive")
	}

	if c.Download.MaxWorkers <= 0 {
		return fmt.Errorf("download.max_workers must be positive")
	}
	if c.Stream.MaxReadAheadMB <= 0 {
		return fmt.Errorf("stream.max_read_ahead_mb must be positive")
	}
	if c.Stream.HeaderPrefixKB <= 0 {
		return fmt.Errorf("stream.header_prefix_kb must be positive")
	}
	if c.Stream.CleanupDelaySeconds <= 0 {
		return fmt.Errorf("stream.cleanup_delay_seconds must be positive")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is invalid", c.Server.Port)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is invalid (debug, info, warn, error)", c.Log.Level)
	}
	return nil
}

// NNTPProviders converts the provider entries into pool provider configs.
func (c *Config) NNTPProviders() []nntppool.Provider {
	providers := make([]nntppool.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		var tlsCfg *tls.Config
		if p.TLS {
			tlsCfg = &tls.Config{
				InsecureSkipVerify: p.InsecureTLS,
				ServerName:         p.Host,
			}
		}
		providers = append(providers, nntppool.Provider{
			Host:        fmt.Sprintf("%s:%d", p.Host, p.Port),
			TLSConfig:   tlsCfg,
			Auth:        nntppool.Auth{Username: p.Username, Password: p.Password},
			Connections: p.MaxConnections,
			IdleTimeout: 60 * time.Second,
		})
	}
	return providers
}
