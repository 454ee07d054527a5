package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/pfasync/internal/db"
)

// Config is the full service configuration.
type Config struct {
	Database db.Config

	ServerAddr string
	CORSOrigin string

	RedisURL       string
	SessionIdleTTL time.Duration

	ReconcileInterval time.Duration

	DefaultPageSize int
	MaxPageSize     int
}

// Default returns the configuration used when no config.yaml or env vars are
// present.
func Default() Config {
	return Config{
		Database:          db.DefaultConfig(),
		ServerAddr:        ":8080",
		CORSOrigin:        "http://localhost:3000",
		RedisURL:          "redis://localhost:6379/0",
		SessionIdleTTL:    30 * time.Minute,
		ReconcileInterval: 5 * time.Minute,
		DefaultPageSize:   50,
		MaxPageSize:       500,
	}
}

// Load reads config.yaml from the given path with PFA_-prefixed environment
// overrides, falling back to defaults for anything unset.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv() // allow environment overrides
	v.SetEnvPrefix("PFA")

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")
	v.BindEnv("server.cors_origin")
	v.BindEnv("redis.url")
	v.BindEnv("session.idle_ttl")
	v.BindEnv("reconcile.interval")
	v.BindEnv("pagination.default_limit")
	v.BindEnv("pagination.max_limit")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		cfg.ServerAddr = v.GetString("server.addr")
	}
	if v.IsSet("server.cors_origin") {
		cfg.CORSOrigin = v.GetString("server.cors_origin")
	}
	if v.IsSet("redis.url") {
		cfg.RedisURL = v.GetString("redis.url")
	}
	if v.IsSet("session.idle_ttl") {
		cfg.SessionIdleTTL = v.GetDuration("session.idle_ttl")
	}
	if v.IsSet("reconcile.interval") {
		cfg.ReconcileInterval = v.GetDuration("reconcile.interval")
	}
	if v.IsSet("pagination.default_limit") {
		cfg.DefaultPageSize = v.GetInt("pagination.default_limit")
	}
	if v.IsSet("pagination.max_limit") {
		cfg.MaxPageSize = v.GetInt("pagination.max_limit")
	}

	return cfg, nil
}
