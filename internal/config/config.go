// Package config loads daemon configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig declares one service type this node offers.
type ServiceConfig struct {
	ServiceType string `mapstructure:"service_type"`
	Path        string `mapstructure:"path"`
	JobProducer bool   `mapstructure:"job_producer"`
}

// Config holds the registry daemon's settings.
type Config struct {
	// Host is this node's address as other nodes reach it.
	Host string `mapstructure:"host"`

	// MaxConcurrentJobs is this node's execution capacity.
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabaseDSN is the sqlite database path or DSN.
	DatabaseDSN string `mapstructure:"database_dsn"`

	// DispatchInterval is how often the dispatcher scans for work.
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`

	// JanitorSchedule is the five-field cron expression for cleanup.
	JanitorSchedule string `mapstructure:"janitor_schedule"`

	// JobLifetime is how long finished parentless jobs are retained.
	JobLifetime time.Duration `mapstructure:"job_lifetime"`

	// LogMode is "dev" or "prod".
	LogMode string `mapstructure:"log_mode"`

	// Services are registered on startup.
	Services []ServiceConfig `mapstructure:"services"`
}

// Load reads configuration from the optional file path, environment
// variables prefixed DISPATCH_, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "localhost:8080")
	v.SetDefault("max_concurrent_jobs", 4)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_dsn", "dispatch.db")
	v.SetDefault("dispatch_interval", 5*time.Second)
	v.SetDefault("janitor_schedule", "0 3 * * *")
	v.SetDefault("job_lifetime", 7*24*time.Hour)
	v.SetDefault("log_mode", "prod")

	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("max_concurrent_jobs must be at least 1")
	}
	return &cfg, nil
}
