// Package config loads process configuration from environment
// variables via github.com/spf13/viper, per spec.md §A.3. Grounded on
// MrYazdan-dideban/internal/config/config.go's defaults-then-env Load
// pattern, narrowed to flat env vars (no config file or nested
// mapstructure) since watchtower's knob list is flat and ops-facing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"watchtower/internal/breaker"
	"watchtower/internal/bus"
	"watchtower/internal/retention"
)

// ConfigError wraps a configuration load or validation failure.
// cmd/watchtower treats it as fatal.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

// Config is the fully resolved process configuration.
type Config struct {
	DatabaseURL string

	Bus       bus.Config
	Retention retention.Config
	Breaker   breaker.Config
}

// Load reads defaults, then environment variables, and validates the
// result. Every knob is read from its bare name (DATABASE_URL,
// MAX_CLIENTS, CLEANUP_BATCH_SIZE, ...) and also from the same name
// prefixed WATCHTOWER_; when both are set, the prefixed one wins.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WATCHTOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("database_url", "DATABASE_URL")
	for _, key := range []string{
		"max_clients", "max_rooms_per_client", "client_timeout_ms",
		"detail_retention_days", "hourly_retention_days", "daily_retention_days",
		"cleanup_batch_size", "cleanup_enabled",
		"breaker_failure_threshold", "breaker_monitoring_period_ms", "breaker_minimum_requests",
	} {
		_ = v.BindEnv(key, strings.ToUpper(key))
	}

	databaseURL := v.GetString("database_url")
	if databaseURL == "" {
		return nil, &ConfigError{Field: "DATABASE_URL", Msg: "required and not set"}
	}

	cfg := &Config{
		DatabaseURL: databaseURL,
		Bus: bus.Config{
			MaxClients:        v.GetInt("max_clients"),
			MaxRoomsPerClient: v.GetInt("max_rooms_per_client"),
			ClientTimeout:     time.Duration(v.GetInt("client_timeout_ms")) * time.Millisecond,
		},
		Retention: retention.Config{
			DetailRetentionDays: v.GetInt("detail_retention_days"),
			HourlyRetentionDays: v.GetInt("hourly_retention_days"),
			DailyRetentionDays:  v.GetInt("daily_retention_days"),
			BatchSize:           v.GetInt("cleanup_batch_size"),
			Enabled:             v.GetBool("cleanup_enabled"),
		},
		Breaker: breaker.Config{
			FailureThreshold: v.GetFloat64("breaker_failure_threshold"),
			MonitoringPeriod: time.Duration(v.GetInt("breaker_monitoring_period_ms")) * time.Millisecond,
			MinimumRequests:  v.GetInt("breaker_minimum_requests"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_clients", 100)
	v.SetDefault("max_rooms_per_client", 10)
	v.SetDefault("client_timeout_ms", int((5 * time.Minute).Milliseconds()))

	v.SetDefault("detail_retention_days", 7)
	v.SetDefault("hourly_retention_days", 30)
	v.SetDefault("daily_retention_days", 90)
	v.SetDefault("cleanup_batch_size", 10000)
	v.SetDefault("cleanup_enabled", true)

	v.SetDefault("breaker_failure_threshold", 70.0)
	v.SetDefault("breaker_monitoring_period_ms", int((300 * time.Second).Milliseconds()))
	v.SetDefault("breaker_minimum_requests", 3)
}

func validate(cfg *Config) error {
	if cfg.Bus.MaxClients <= 0 {
		return &ConfigError{Field: "MAX_CLIENTS", Msg: "must be positive"}
	}
	if cfg.Bus.MaxRoomsPerClient <= 0 {
		return &ConfigError{Field: "MAX_ROOMS_PER_CLIENT", Msg: "must be positive"}
	}
	if cfg.Retention.BatchSize <= 0 {
		return &ConfigError{Field: "CLEANUP_BATCH_SIZE", Msg: "must be positive"}
	}
	if cfg.Breaker.FailureThreshold <= 0 || cfg.Breaker.FailureThreshold > 100 {
		return &ConfigError{Field: "BREAKER_FAILURE_THRESHOLD", Msg: "must be in (0, 100]"}
	}
	return nil
}
