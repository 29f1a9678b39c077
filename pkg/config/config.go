// Package config provides configuration loading and validation for the
// Shelfline services.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidSyncInterval    = errors.New("scheduler sync interval out of range")
	ErrInvalidMonitorInterval = errors.New("job monitor interval must be positive")
	ErrInvalidPrefetch        = errors.New("queue prefetch must be positive")
	ErrInvalidMaxRetries      = errors.New("queue max retries must be positive")
	ErrInvalidBatchSize       = errors.New("index rebuild batch size must be positive")
	ErrInvalidDimensions      = errors.New("derivative dimensions must be positive")
	ErrMissingCacheRoot       = errors.New("derivative cache root is required")
)

// Default configuration values.
const (
	defaultMonitorInterval  = 5 * time.Second
	defaultSyncInterval     = 5 * time.Minute
	minSyncInterval         = time.Minute
	maxSyncInterval         = time.Hour
	defaultPrefetch         = 8
	defaultMaxRetries       = 5
	defaultRebuildBatchSize = 100
	defaultThumbTTL         = 30 * 24 * time.Hour
	defaultThumbSize        = 300
	defaultCacheWidth       = 1920
	defaultCacheHeight      = 1080
	defaultCacheQuality     = 85
)

// Config holds all configuration for the Shelfline services.
type Config struct {
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Index      IndexConfig      `mapstructure:"index"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	JobTracker JobTrackerConfig `mapstructure:"job_tracker"`
	Scan       ScanConfig       `mapstructure:"scan"`
	Derive     DeriveConfig     `mapstructure:"derive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// CatalogConfig holds document-store settings.
type CatalogConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`

	// InMemory swaps the server-backed gateway for the in-process one;
	// meant for tests and single-node trials.
	InMemory bool `mapstructure:"in_memory"`
}

// QueueConfig holds message-bus settings.
type QueueConfig struct {
	RedisAddr  string `mapstructure:"redis_addr"`
	Prefetch   int    `mapstructure:"prefetch"`
	MaxRetries int    `mapstructure:"max_retries"`
	InMemory   bool   `mapstructure:"in_memory"`
}

// IndexConfig holds navigation-index settings.
type IndexConfig struct {
	RedisAddr        string        `mapstructure:"redis_addr"`
	RedisDB          int           `mapstructure:"redis_db"`
	RebuildBatchSize int           `mapstructure:"rebuild_batch_size"`
	ThumbTTL         time.Duration `mapstructure:"thumb_ttl"`
	InMemory         bool          `mapstructure:"in_memory"`
}

// SchedulerConfig holds recurring-job settings.
type SchedulerConfig struct {
	SyncInterval           time.Duration `mapstructure:"sync_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	Enabled                bool          `mapstructure:"enabled"`
}

// JobTrackerConfig holds monitor settings.
type JobTrackerConfig struct {
	MonitorInterval       time.Duration `mapstructure:"monitor_interval"`
	StageFailureTolerance int64         `mapstructure:"stage_failure_tolerance"`
}

// ScanConfig holds orchestrator settings.
type ScanConfig struct {
	Concurrency     int `mapstructure:"concurrency"`
	ThumbnailWidth  int `mapstructure:"thumbnail_width"`
	ThumbnailHeight int `mapstructure:"thumbnail_height"`
	CacheWidth      int `mapstructure:"cache_width"`
	CacheHeight     int `mapstructure:"cache_height"`
}

// DeriveConfig holds derivative-generation settings.
type DeriveConfig struct {
	CacheRoot          string `mapstructure:"cache_root"`
	Format             string `mapstructure:"format"`
	Quality            int    `mapstructure:"quality"`
	FolderSoftCapBytes int64  `mapstructure:"folder_soft_cap_bytes"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/shelfline")
	}

	viperCfg.SetEnvPrefix("SHELFLINE")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Catalog defaults.
	viperCfg.SetDefault("catalog.uri", "mongodb://localhost:27017")
	viperCfg.SetDefault("catalog.database", "shelfline")
	viperCfg.SetDefault("catalog.in_memory", false)

	// Queue defaults.
	viperCfg.SetDefault("queue.redis_addr", "localhost:6379")
	viperCfg.SetDefault("queue.prefetch", defaultPrefetch)
	viperCfg.SetDefault("queue.max_retries", defaultMaxRetries)
	viperCfg.SetDefault("queue.in_memory", false)

	// Index defaults.
	viperCfg.SetDefault("index.redis_addr", "localhost:6379")
	viperCfg.SetDefault("index.redis_db", 1)
	viperCfg.SetDefault("index.rebuild_batch_size", defaultRebuildBatchSize)
	viperCfg.SetDefault("index.thumb_ttl", defaultThumbTTL)
	viperCfg.SetDefault("index.in_memory", false)

	// Scheduler defaults.
	viperCfg.SetDefault("scheduler.enabled", true)
	viperCfg.SetDefault("scheduler.sync_interval", defaultSyncInterval)
	viperCfg.SetDefault("scheduler.max_consecutive_failures", 0)

	// Job tracker defaults.
	viperCfg.SetDefault("job_tracker.monitor_interval", defaultMonitorInterval)
	viperCfg.SetDefault("job_tracker.stage_failure_tolerance", 0)

	// Scan defaults.
	viperCfg.SetDefault("scan.concurrency", 4)
	viperCfg.SetDefault("scan.thumbnail_width", defaultThumbSize)
	viperCfg.SetDefault("scan.thumbnail_height", defaultThumbSize)
	viperCfg.SetDefault("scan.cache_width", defaultCacheWidth)
	viperCfg.SetDefault("scan.cache_height", defaultCacheHeight)

	// Derive defaults.
	viperCfg.SetDefault("derive.cache_root", "/var/lib/shelfline/thumbs")
	viperCfg.SetDefault("derive.format", "webp")
	viperCfg.SetDefault("derive.quality", defaultCacheQuality)
	viperCfg.SetDefault("derive.folder_soft_cap_bytes", 0)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "json")
	viperCfg.SetDefault("logging.output", "stdout")

	// Metrics defaults.
	viperCfg.SetDefault("metrics.enabled", false)
	viperCfg.SetDefault("metrics.addr", ":9464")
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	si := config.Scheduler.SyncInterval
	if si < minSyncInterval || si > maxSyncInterval {
		return fmt.Errorf("%w: %s", ErrInvalidSyncInterval, si)
	}

	if config.JobTracker.MonitorInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidMonitorInterval, config.JobTracker.MonitorInterval)
	}

	if config.Queue.Prefetch <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrefetch, config.Queue.Prefetch)
	}

	if config.Queue.MaxRetries <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxRetries, config.Queue.MaxRetries)
	}

	if config.Index.RebuildBatchSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBatchSize, config.Index.RebuildBatchSize)
	}

	if config.Scan.ThumbnailWidth <= 0 || config.Scan.ThumbnailHeight <= 0 ||
		config.Scan.CacheWidth <= 0 || config.Scan.CacheHeight <= 0 {
		return ErrInvalidDimensions
	}

	if config.Derive.CacheRoot == "" {
		return ErrMissingCacheRoot
	}

	return nil
}
