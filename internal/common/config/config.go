// Package config provides configuration management for agentq.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/agentq/agentq/internal/common/logger"
)

// Config holds all configuration sections for agentq.
type Config struct {
	Server   ServerConfig         `mapstructure:"server"`
	Database DatabaseConfig       `mapstructure:"database"`
	NATS     NATSConfig           `mapstructure:"nats"`
	Queue    QueueConfig          `mapstructure:"queue"`
	Dedup    DedupConfig          `mapstructure:"dedup"`
	Logging  logger.LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// Driver selects the backing store: "sqlite" (default) or "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the PostgreSQL connection string (postgres driver only).
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. When URL is empty the
// in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// QueueConfig holds the scheduling core settings.
type QueueConfig struct {
	MaxConcurrentGlobal   int    `mapstructure:"maxConcurrentGlobal"`
	MaxConcurrentPerAgent int    `mapstructure:"maxConcurrentPerAgent"`
	MaxQueueSize          int    `mapstructure:"maxQueueSize"`
	EnablePersistence     bool   `mapstructure:"enablePersistence"`
	DBPath                string `mapstructure:"dbPath"`
	RetentionDays         int    `mapstructure:"retentionDays"`
}

// DedupConfig holds session dedup cache settings.
type DedupConfig struct {
	MaxSize int `mapstructure:"maxSize"`
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS (disabled unless a URL is provided)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentq")
	v.SetDefault("nats.maxReconnects", 10)

	// Queue
	v.SetDefault("queue.maxConcurrentGlobal", 4)
	v.SetDefault("queue.maxConcurrentPerAgent", 2)
	v.SetDefault("queue.maxQueueSize", 100)
	v.SetDefault("queue.enablePersistence", true)
	v.SetDefault("queue.dbPath", ".agentq/queue.db")
	v.SetDefault("queue.retentionDays", 30)

	// Dedup
	v.SetDefault("dedup.maxSize", 1000)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("queue.maxConcurrentGlobal", "AGENTQ_QUEUE_MAX_CONCURRENT_GLOBAL")
	_ = v.BindEnv("queue.maxConcurrentPerAgent", "AGENTQ_QUEUE_MAX_CONCURRENT_PER_AGENT")
	_ = v.BindEnv("queue.maxQueueSize", "AGENTQ_QUEUE_MAX_QUEUE_SIZE")
	_ = v.BindEnv("queue.enablePersistence", "AGENTQ_QUEUE_ENABLE_PERSISTENCE")
	_ = v.BindEnv("queue.dbPath", "AGENTQ_QUEUE_DB_PATH")
	_ = v.BindEnv("queue.retentionDays", "AGENTQ_QUEUE_RETENTION_DAYS")
	_ = v.BindEnv("database.driver", "AGENTQ_DB_DRIVER")
	_ = v.BindEnv("database.dsn", "AGENTQ_DB_DSN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentq/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.DSN) == "" {
		errs = append(errs, "database.dsn is required with the postgres driver")
	}
	if cfg.Queue.MaxConcurrentGlobal < 1 {
		errs = append(errs, "queue.maxConcurrentGlobal must be >= 1")
	}
	if cfg.Queue.MaxConcurrentPerAgent < 1 {
		errs = append(errs, "queue.maxConcurrentPerAgent must be >= 1")
	}
	if cfg.Queue.MaxQueueSize < 1 {
		errs = append(errs, "queue.maxQueueSize must be >= 1")
	}
	if cfg.Queue.RetentionDays < 0 {
		errs = append(errs, "queue.retentionDays must be >= 0")
	}
	if cfg.Dedup.MaxSize < 1 {
		errs = append(errs, "dedup.maxSize must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
