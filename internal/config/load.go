package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file: config.yaml in the working directory. A missing
	// file is fine; a malformed one is not.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables with the DISPATCH_ prefix override everything,
	// e.g. DISPATCH_DATABASE_URL, DISPATCH_SERVER_PORT.
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values so that a minimal environment
// (database URL, JWT secret, executor URL) is enough to start the process.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("auth.token_lifetime_minutes", 60)
	v.SetDefault("dispatch.max_concurrent", 200)
	v.SetDefault("dispatch.lock_ttl_seconds", 45)
	v.SetDefault("dispatch.cancel_flag_ttl_seconds", 3600)
	v.SetDefault("dispatch.poll_interval_ms", 500)
	v.SetDefault("dispatch.cancel_poll_interval_ms", 1000)
	v.SetDefault("dispatch.executor_timeout_seconds", 0)

	// Bind the keys that have no default so AutomaticEnv picks them up
	// during Unmarshal.
	for _, key := range []string{
		"database.url",
		"auth.jwt_secret",
		"dispatch.executor_url",
	} {
		v.SetDefault(key, "")
	}
}
