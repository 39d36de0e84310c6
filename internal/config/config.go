// Package config loads the RELAY_* environment variables into a typed
// Config: load a local .env for development convenience, then let real
// environment variables and defaults fill in the rest.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is every externally tunable setting this service reads.
type Config struct {
	DBDSN string `mapstructure:"db_dsn"`

	BusURL      string `mapstructure:"bus_url"`
	BusClientID string `mapstructure:"bus_client_id"`
	BusGroupID  string `mapstructure:"bus_group_id"`

	TokenSecret string        `mapstructure:"token_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`

	CORSOrigin string `mapstructure:"cors_origin"`

	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownDeadline  time.Duration `mapstructure:"shutdown_deadline"`
	MaxMessageLength  int           `mapstructure:"max_message_length"`

	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads a local .env (if present) then the RELAY_* environment,
// falling back to the defaults below for anything unset.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("config: no .env file found, using environment variables")
	}

	v := viper.New()
	v.SetEnvPrefix("relay")
	v.AutomaticEnv()

	v.SetDefault("db_dsn", "postgres://localhost:5432/relay?sslmode=disable")
	v.SetDefault("bus_url", "redis://localhost:6379/0")
	v.SetDefault("bus_client_id", "relay")
	v.SetDefault("bus_group_id", "relay-gateways")
	v.SetDefault("token_secret", "")
	v.SetDefault("token_expiry", "24h")
	v.SetDefault("cors_origin", "*")
	v.SetDefault("idle_timeout", "5m")
	v.SetDefault("shutdown_deadline", "10s")
	v.SetDefault("max_message_length", 4096)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")

	for _, key := range []string{
		"db_dsn", "bus_url", "bus_client_id", "bus_group_id",
		"token_secret", "token_expiry", "cors_origin",
		"idle_timeout", "shutdown_deadline", "max_message_length",
		"http_addr", "metrics_addr",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	cfg := &Config{
		DBDSN:            v.GetString("db_dsn"),
		BusURL:           v.GetString("bus_url"),
		BusClientID:      v.GetString("bus_client_id"),
		BusGroupID:       v.GetString("bus_group_id"),
		TokenSecret:      v.GetString("token_secret"),
		TokenExpiry:      v.GetDuration("token_expiry"),
		CORSOrigin:       v.GetString("cors_origin"),
		IdleTimeout:      v.GetDuration("idle_timeout"),
		ShutdownDeadline: v.GetDuration("shutdown_deadline"),
		MaxMessageLength: v.GetInt("max_message_length"),
		HTTPAddr:         v.GetString("http_addr"),
		MetricsAddr:      v.GetString("metrics_addr"),
	}

	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("config: RELAY_TOKEN_SECRET is required")
	}
	return cfg, nil
}
