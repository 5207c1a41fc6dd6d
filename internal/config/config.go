package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"   validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Auth     AuthConfig     `mapstructure:"auth"     validate:"required"`
	Dispatch DispatchConfig `mapstructure:"dispatch" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains settings for the service-token authentication used by
// the dispatcher HTTP API.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"             validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// DispatchConfig contains the tuning knobs of the queue consumer and the
// concurrency coordinator.
type DispatchConfig struct {
	// MaxConcurrent bounds how many tickets may execute simultaneously
	// across all projects in this process.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"required,gt=0"`

	// LockTTLSeconds is the lifetime of a project lock between heartbeats.
	LockTTLSeconds int `mapstructure:"lock_ttl_seconds" validate:"required,gt=0"`

	// CancelFlagTTLSeconds bounds how long a cancellation flag may outlive
	// the ticket it targets.
	CancelFlagTTLSeconds int `mapstructure:"cancel_flag_ttl_seconds" validate:"required,gt=0"`

	// PollIntervalMS is how often the consumer polls the queue when idle.
	PollIntervalMS int `mapstructure:"poll_interval_ms" validate:"required,gt=0"`

	// CancelPollIntervalMS is how often an executing ticket's cancellation
	// flag is re-checked.
	CancelPollIntervalMS int `mapstructure:"cancel_poll_interval_ms" validate:"required,gt=0"`

	// ExecutorURL is the endpoint of the implementation executor service.
	ExecutorURL string `mapstructure:"executor_url" validate:"required,url"`

	// ExecutorTimeoutSeconds bounds a single executor invocation. Zero means
	// no dispatcher-side timeout; the executor bounds its own runtime.
	ExecutorTimeoutSeconds int `mapstructure:"executor_timeout_seconds" validate:"gte=0"`
}
