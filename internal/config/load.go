package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. GLYPH_SERVER_PORT.
const EnvPrefix = "GLYPH"

// setDefaults registers a default for every configuration key. Viper only
// binds environment variables for keys it already knows about, so every key
// must appear here even when its default is the zero value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_images", 10)
	v.SetDefault("server.max_upload_bytes", 10*1024*1024)
	v.SetDefault("server.max_total_bytes", 50*1024*1024)
	v.SetDefault("server.rate_limit_per_minute", 100)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.key_prefix", "glyph:")

	v.SetDefault("database.url", "")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("llm.model", "gemini-2.5-flash-lite")
	v.SetDefault("llm.api_keys_file", "config/api_keys.json")
	v.SetDefault("llm.prompts_file", "config/prompts.yaml")
	v.SetDefault("llm.call_timeout", "60s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", "1s")

	v.SetDefault("credentials.default_rpm", 60)
	v.SetDefault("credentials.default_rpd", 1440)
	v.SetDefault("credentials.default_tpm", 32000)
	v.SetDefault("credentials.failure_threshold", 3)
	v.SetDefault("credentials.base_cooldown", "30s")
	v.SetDefault("credentials.max_cooldown", "10m")
	v.SetDefault("credentials.quota_cooldown", "10m")
	v.SetDefault("credentials.disable_duration", "1h")

	v.SetDefault("queue.lease_duration", "5m")
	v.SetDefault("queue.reap_interval", "30s")
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("queue.max_quota_requeues", 5)

	v.SetDefault("worker.initial_count", 50)
	v.SetDefault("worker.idle_poll", "1s")
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("worker.quota_requeue_delay", "5s")

	v.SetDefault("autoscale.enabled", true)
	v.SetDefault("autoscale.min_workers", 50)
	v.SetDefault("autoscale.max_workers", 1000)
	v.SetDefault("autoscale.heartbeat_interval", "30s")
	v.SetDefault("autoscale.eval_interval", "10s")
	v.SetDefault("autoscale.stale_after", "3m")
	v.SetDefault("autoscale.lock_ttl", "15s")
	v.SetDefault("autoscale.cooldown", "30s")
	v.SetDefault("autoscale.large_change", 20)
	v.SetDefault("autoscale.surge_watermark", 500)
	v.SetDefault("autoscale.high_watermark", 100)
	v.SetDefault("autoscale.low_watermark", 10)
	v.SetDefault("autoscale.low_readings", 3)
	v.SetDefault("autoscale.step_up", 50)

	v.SetDefault("poll.interval", "500ms")
	v.SetDefault("poll.max_wait", "60s")
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
