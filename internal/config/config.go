package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Redis       RedisConfig       `mapstructure:"redis" validate:"required"`
	Database    DatabaseConfig    `mapstructure:"database"`
	LLM         LLMConfig         `mapstructure:"llm" validate:"required"`
	Credentials CredentialsConfig `mapstructure:"credentials" validate:"required"`
	Queue       QueueConfig       `mapstructure:"queue" validate:"required"`
	Worker      WorkerConfig      `mapstructure:"worker" validate:"required"`
	Autoscale   AutoscaleConfig   `mapstructure:"autoscale" validate:"required"`
	Poll        PollConfig        `mapstructure:"poll" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`

	// ShutdownTimeout bounds the HTTP server drain on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

	// Upload limits for the submit endpoint.
	MaxImages      int   `mapstructure:"max_images" validate:"gt=0"`
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" validate:"gt=0"`
	MaxTotalBytes  int64 `mapstructure:"max_total_bytes" validate:"gtefield=MaxUploadBytes"`

	// Per-IP request limiting.
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst" validate:"gte=0"`

	// AllowedOrigins are the browser origins, besides the server's own, that
	// may open a progress stream. "*" allows any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RedisConfig configures the coordination store. Addr "memory" selects the
// in-process store, which is only suitable for a single instance.
type RedisConfig struct {
	Addr         string `mapstructure:"addr" validate:"required"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db" validate:"gte=0"`
	PoolSize     int    `mapstructure:"pool_size" validate:"gt=0"`
	MinIdleConns int    `mapstructure:"min_idle_conns" validate:"gte=0"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// DatabaseConfig configures the optional Postgres task archive.
// An empty URL disables archiving.
type DatabaseConfig struct {
	URL         string `mapstructure:"url" validate:"omitempty,url"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// LLMConfig contains the translation backend settings.
type LLMConfig struct {
	Model          string        `mapstructure:"model" validate:"required"`
	APIKeysFile    string        `mapstructure:"api_keys_file" validate:"required"`
	PromptsFile    string        `mapstructure:"prompts_file"`
	CallTimeout    time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
}

// CredentialsConfig holds the default quotas and circuit breaker tuning
// applied to API keys.
type CredentialsConfig struct {
	DefaultRPM       int           `mapstructure:"default_rpm" validate:"gt=0"`
	DefaultRPD       int           `mapstructure:"default_rpd" validate:"gt=0"`
	DefaultTPM       int           `mapstructure:"default_tpm" validate:"gt=0"`
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gt=0"`
	BaseCooldown     time.Duration `mapstructure:"base_cooldown" validate:"gt=0"`
	MaxCooldown      time.Duration `mapstructure:"max_cooldown" validate:"gtefield=BaseCooldown"`
	QuotaCooldown    time.Duration `mapstructure:"quota_cooldown" validate:"gt=0"`
	DisableDuration  time.Duration `mapstructure:"disable_duration" validate:"gt=0"`
}

// QueueConfig tunes job leases, crash recovery and retention.
type QueueConfig struct {
	LeaseDuration    time.Duration `mapstructure:"lease_duration" validate:"gt=0"`
	ReapInterval     time.Duration `mapstructure:"reap_interval" validate:"gt=0"`
	Retention        time.Duration `mapstructure:"retention" validate:"gt=0"`
	MaxQuotaRequeues int           `mapstructure:"max_quota_requeues" validate:"gte=0"`
}

// WorkerConfig tunes the local worker pool.
type WorkerConfig struct {
	InitialCount      int           `mapstructure:"initial_count" validate:"gte=0"`
	IdlePoll          time.Duration `mapstructure:"idle_poll" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	QuotaRequeueDelay time.Duration `mapstructure:"quota_requeue_delay" validate:"gte=0"`
}

// AutoscaleConfig tunes the cluster-wide scaling loop.
type AutoscaleConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MinWorkers        int           `mapstructure:"min_workers" validate:"gte=0"`
	MaxWorkers        int           `mapstructure:"max_workers" validate:"gtefield=MinWorkers"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	EvalInterval      time.Duration `mapstructure:"eval_interval" validate:"gt=0"`
	StaleAfter        time.Duration `mapstructure:"stale_after" validate:"gtfield=HeartbeatInterval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	Cooldown          time.Duration `mapstructure:"cooldown" validate:"gte=0"`
	LargeChange       int           `mapstructure:"large_change" validate:"gt=0"`
	SurgeWatermark    int           `mapstructure:"surge_watermark" validate:"gtfield=HighWatermark"`
	HighWatermark     int           `mapstructure:"high_watermark" validate:"gtfield=LowWatermark"`
	LowWatermark      int           `mapstructure:"low_watermark" validate:"gte=0"`
	LowReadings       int           `mapstructure:"low_readings" validate:"gt=0"`
	StepUp            int           `mapstructure:"step_up" validate:"gt=0"`
}

// PollConfig tunes the long-poll result endpoint.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxWait  time.Duration `mapstructure:"max_wait" validate:"gtfield=Interval"`
}
