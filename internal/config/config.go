package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/dhelbig/cratesync/internal/logger"
	"github.com/dhelbig/cratesync/internal/queue"
	"github.com/dhelbig/cratesync/internal/ratelimit"
	"github.com/dhelbig/cratesync/internal/remote"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	Remote  RemoteConfig  `toml:"remote" mapstructure:"remote"`
	Rate    RateConfig    `toml:"rate" mapstructure:"rate"`
	Queue   QueueConfig   `toml:"queue" mapstructure:"queue"`
	Runner  RunnerConfig  `toml:"runner" mapstructure:"runner"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
}

type StoreConfig struct {
	// DSN selects the backend: postgres://... or a sqlite path.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type RemoteConfig struct {
	BaseURL   string        `toml:"base_url" mapstructure:"base_url"`
	Token     string        `toml:"token" mapstructure:"token"`
	UserAgent string        `toml:"user_agent" mapstructure:"user_agent"`
	Timeout   time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type RateConfig struct {
	MinInterval time.Duration  `toml:"min_interval" mapstructure:"min_interval"`
	DailyCaps   map[string]int `toml:"daily_caps" mapstructure:"daily_caps"`
}

type QueueConfig struct {
	Workers       int           `toml:"workers" mapstructure:"workers"`
	DrainInterval time.Duration `toml:"drain_interval" mapstructure:"drain_interval"`
	SweepInterval time.Duration `toml:"sweep_interval" mapstructure:"sweep_interval"`
	MaxAttempts   int           `toml:"max_attempts" mapstructure:"max_attempts"`
}

type RunnerConfig struct {
	ProgressDir string `toml:"progress_dir" mapstructure:"progress_dir"`
	OutputDir   string `toml:"output_dir" mapstructure:"output_dir"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	// DSN enables the SQL sink; ClickHouseAddr the native sink. Both
	// empty disables audit history.
	DSN            string `toml:"dsn" mapstructure:"dsn"`
	ClickHouseAddr string `toml:"clickhouse_addr" mapstructure:"clickhouse_addr"`
	ClickHouseDB   string `toml:"clickhouse_db" mapstructure:"clickhouse_db"`
	ClickHouseUser string `toml:"clickhouse_user" mapstructure:"clickhouse_user"`
	ClickHousePass string `toml:"clickhouse_pass" mapstructure:"clickhouse_pass"`
	Table          string `toml:"table" mapstructure:"table"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Load reads the TOML config at path and applies defaults.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	fc.applyDefaults()
	return fc, nil
}

// Default returns a config with all defaults applied, for callers
// running without a config file.
func Default() FileConfig {
	var fc FileConfig
	fc.applyDefaults()
	return fc
}

func (fc *FileConfig) applyDefaults() {
	if fc.Store.DSN == "" {
		fc.Store.DSN = "cratesync.db"
	}
	if fc.Remote.UserAgent == "" {
		fc.Remote.UserAgent = "cratesync/1.0"
	}
	if fc.Remote.Timeout <= 0 {
		fc.Remote.Timeout = 30 * time.Second
	}
	if fc.Rate.MinInterval <= 0 {
		fc.Rate.MinInterval = time.Second
	}
	if fc.Rate.DailyCaps == nil {
		fc.Rate.DailyCaps = map[string]int{"images": 1000}
	}
	if fc.Queue.Workers <= 0 {
		fc.Queue.Workers = 1
	}
	if fc.Queue.DrainInterval <= 0 {
		fc.Queue.DrainInterval = 10 * time.Second
	}
	if fc.Queue.MaxAttempts <= 0 {
		fc.Queue.MaxAttempts = 3
	}
	if fc.Runner.ProgressDir == "" {
		fc.Runner.ProgressDir = "jobs"
	}
	if fc.Runner.OutputDir == "" {
		fc.Runner.OutputDir = "jobs"
	}
	if fc.Server.Listen == "" {
		fc.Server.Listen = "127.0.0.1:8521"
	}
}

// RemoteClientConfig maps the file config onto the façade's config.
func (fc FileConfig) RemoteClientConfig() remote.Config {
	return remote.Config{
		BaseURL:   fc.Remote.BaseURL,
		Token:     fc.Remote.Token,
		UserAgent: fc.Remote.UserAgent,
		Timeout:   fc.Remote.Timeout,
		Resource:  "api",
	}
}

func (fc FileConfig) RateLimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		MinInterval: fc.Rate.MinInterval,
		DailyCaps:   fc.Rate.DailyCaps,
	}
}

func (fc FileConfig) DrainerConfig() queue.DrainerConfig {
	return queue.DrainerConfig{
		Interval:      fc.Queue.DrainInterval,
		SweepInterval: fc.Queue.SweepInterval,
		MaxAttempts:   fc.Queue.MaxAttempts,
		Workers:       fc.Queue.Workers,
	}
}

func (fc FileConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      fc.Log.Level,
		File:       fc.Log.File,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}
