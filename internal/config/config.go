package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for pinrep
type Config struct {
	DataDir   string `mapstructure:"data_dir"`
	ExportDir string `mapstructure:"export_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text

	Store    StoreConfig    `mapstructure:"store"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Adapters AdaptersConfig `mapstructure:"adapters"`
	History  HistoryConfig  `mapstructure:"history"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StoreConfig selects the persistence engine for the replication state
type StoreConfig struct {
	Engine     string `mapstructure:"engine"` // file, badger, pebble
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// MonitorConfig tunes the background reconciliation loop
type MonitorConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	ErrorBackoff time.Duration `mapstructure:"error_backoff"`
}

// AdaptersConfig applies to every backend adapter
type AdaptersConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	BreakerFailures  int           `mapstructure:"breaker_failures"`
	BreakerSuccesses int           `mapstructure:"breaker_successes"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// HistoryConfig controls the replication attempt log
type HistoryConfig struct {
	Enable        bool `mapstructure:"enable"`
	RetentionDays int  `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("PINREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("export_dir", "") // derived from data_dir
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("store.engine", "file")
	v.SetDefault("store.sync_writes", true)

	v.SetDefault("monitor.batch_size", 10)
	v.SetDefault("monitor.error_backoff", "60s")

	v.SetDefault("adapters.timeout", "60s")
	v.SetDefault("adapters.breaker_failures", 5)
	v.SetDefault("adapters.breaker_successes", 2)
	v.SetDefault("adapters.breaker_timeout", "30s")

	v.SetDefault("history.enable", true)
	v.SetDefault("history.retention_days", 30)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":   "data_dir",
		"export-dir": "export_dir",
		"log-level":  "log_level",
		"log-format": "log_format",
		"store":      "store.engine",
		"listen":     "metrics.listen",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or PINREP_DATA_DIR environment variable")
	}

	if !filepath.IsAbs(cfg.DataDir) {
		if abs, err := filepath.Abs(cfg.DataDir); err == nil {
			cfg.DataDir = abs
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.ExportDir == "" {
		cfg.ExportDir = filepath.Join(cfg.DataDir, "exports")
	}

	switch strings.ToLower(cfg.Store.Engine) {
	case "file", "badger", "pebble":
		cfg.Store.Engine = strings.ToLower(cfg.Store.Engine)
	default:
		return fmt.Errorf("store.engine must be one of file, badger, pebble (got %q)", cfg.Store.Engine)
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text (got %q)", cfg.LogFormat)
	}

	if cfg.Monitor.BatchSize < 1 {
		return fmt.Errorf("monitor.batch_size must be at least 1")
	}
	if cfg.Monitor.ErrorBackoff <= 0 {
		return fmt.Errorf("monitor.error_backoff must be positive")
	}
	if cfg.Adapters.Timeout <= 0 {
		return fmt.Errorf("adapters.timeout must be positive")
	}

	if cfg.History.Enable && cfg.History.RetentionDays <= 0 {
		logrus.Warn("history.retention_days is not positive, attempt history will not be pruned")
	}

	return nil
}
