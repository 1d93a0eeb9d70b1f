// Package config loads the relay's runtime configuration from a .env file
// plus environment variables via viper, grounded on Danor93's
// internal/config/config.go (SetEnvPrefix/AutomaticEnv/SetDefault/BindEnv
// idiom), replacing the teacher's bare os.Getenv-based config.Load.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every tunable the relay's components need at startup.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Workers  WorkersConfig
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Port            string
	Environment     string
	AllowedOrigin   string
	ShutdownTimeout time.Duration
}

// IsDevelopment reports whether origin checks and verbose logging should
// be relaxed for local development.
func (s ServerConfig) IsDevelopment() bool {
	return s.Environment == "development"
}

// DatabaseConfig covers the durable SQLite store.
type DatabaseConfig struct {
	Path string
}

// RedisConfig covers the cache adapter; if Addr is empty, main.go falls
// back to the in-memory cache degraded mode.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WorkersConfig sizes the background scheduler's pools, C9.
type WorkersConfig struct {
	DeadLetterWorkers int
	HistoryWorkers    int
}

// Load reads configuration from a .env file (if present) and the process
// environment, applying defaults for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	viper.SetEnvPrefix("KEFU")
	viper.AutomaticEnv()
	setDefaults()

	bindEnv("server.port", "PORT")
	bindEnv("server.environment", "APP_ENV")
	bindEnv("server.allowed_origin", "ALLOWED_ORIGIN")
	bindEnv("database.path", "DB_PATH")
	bindEnv("redis.addr", "REDIS_ADDR")
	bindEnv("redis.password", "REDIS_PASSWORD")

	cfg := &Config{
		Server: ServerConfig{
			Port:            viper.GetString("server.port"),
			Environment:     viper.GetString("server.environment"),
			AllowedOrigin:   viper.GetString("server.allowed_origin"),
			ShutdownTimeout: viper.GetDuration("server.shutdown_timeout"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Workers: WorkersConfig{
			DeadLetterWorkers: viper.GetInt("workers.dead_letter_workers"),
			HistoryWorkers:    viper.GetInt("workers.history_workers"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.environment", "development")
	viper.SetDefault("server.allowed_origin", "*")
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)

	viper.SetDefault("database.path", "./data/kefu-relay.db")

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("workers.dead_letter_workers", 2)
	viper.SetDefault("workers.history_workers", 4)
}

func bindEnv(key, env string) {
	if err := viper.BindEnv(key, env); err != nil {
		slog.Warn("failed to bind environment variable", "key", key, "env", env, "error", err)
	}
}
