package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: pipeline.batch_size is read
// from NOTIFYHUB_PIPELINE_BATCH_SIZE.
const EnvPrefix = "NOTIFYHUB"

// Config holds all runtime configuration. Every key has a default, so the
// service starts with no file and no environment at all (in-memory store,
// in-memory dead letters, webhook provider pointed at localhost).
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Preferences PreferencesConfig `mapstructure:"preferences"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the backend for queue, counters, breaker state and dedup.
type StoreConfig struct {
	Backend         string             `mapstructure:"backend"` // memory | redis
	RedisURL        string             `mapstructure:"redis_url"`
	ConnectTimeout  time.Duration      `mapstructure:"connect_timeout"`
	JanitorInterval time.Duration      `mapstructure:"janitor_interval"`
	Breaker         StoreBreakerConfig `mapstructure:"breaker"`
}

type StoreBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// DatabaseConfig is optional; an empty URL keeps dead letters in memory.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	MigrationsPath string        `mapstructure:"migrations_path"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type PipelineConfig struct {
	Workers            int           `mapstructure:"workers"`
	BatchSize          int           `mapstructure:"batch_size"`
	MaxBatchWait       time.Duration `mapstructure:"max_batch_wait"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	DequeueLimit       int           `mapstructure:"dequeue_limit"`
	MaxPayloadBytes    int           `mapstructure:"max_payload_bytes"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
	MaxPartitionDepth  int64         `mapstructure:"max_partition_depth"`
	OverflowCapacity   int64         `mapstructure:"overflow_capacity"`
	TombstoneTTL       time.Duration `mapstructure:"tombstone_ttl"`
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity"`
	DegradedErrorRate  float64       `mapstructure:"degraded_error_rate"`
	MetricsWindow      time.Duration `mapstructure:"metrics_window"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
}

type WindowLimits struct {
	PerMinute int64 `mapstructure:"per_minute"`
	PerHour   int64 `mapstructure:"per_hour"`
	PerDay    int64 `mapstructure:"per_day"`
}

// RateLimitConfig: Global is an explicit safety valve and should sit far above
// User; it is not derived from it.
type RateLimitConfig struct {
	User   WindowLimits `mapstructure:"user"`
	Global WindowLimits `mapstructure:"global"`
}

type ProviderConfig struct {
	Type    string        `mapstructure:"type"` // webhook | kafka
	Timeout time.Duration `mapstructure:"timeout"`
	MaxRPS  int           `mapstructure:"max_rps"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
}

type WebhookConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

// PreferencesConfig drives the static preference checker.
type PreferencesConfig struct {
	Timezone        string                `mapstructure:"timezone"`
	QuietHoursStart string                `mapstructure:"quiet_hours_start"` // "22:00"; empty disables
	QuietHoursEnd   string                `mapstructure:"quiet_hours_end"`
	OptOuts         map[string][]string   `mapstructure:"opt_outs"`       // recipient -> categories
	DoNotDisturb    map[string]TimeWindow `mapstructure:"do_not_disturb"` // recipient -> window
}

// TimeWindow is a daily "15:04" range in preferences.timezone; it may wrap
// past midnight.
type TimeWindow struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.connect_timeout", 30*time.Second)
	v.SetDefault("store.janitor_interval", time.Minute)
	v.SetDefault("store.breaker.enabled", true)
	v.SetDefault("store.breaker.max_requests", 3)
	v.SetDefault("store.breaker.interval", 60*time.Second)
	v.SetDefault("store.breaker.timeout", 10*time.Second)
	v.SetDefault("store.breaker.min_requests", 10)
	v.SetDefault("store.breaker.failure_ratio", 0.5)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.connect_timeout", 30*time.Second)

	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.batch_size", 5)
	v.SetDefault("pipeline.max_batch_wait", 30*time.Second)
	v.SetDefault("pipeline.sweep_interval", 10*time.Second)
	v.SetDefault("pipeline.dequeue_limit", 50)
	v.SetDefault("pipeline.max_payload_bytes", 4096)
	v.SetDefault("pipeline.dedup_ttl", 5*time.Minute)
	v.SetDefault("pipeline.max_partition_depth", 1000)
	v.SetDefault("pipeline.overflow_capacity", 100000)
	v.SetDefault("pipeline.tombstone_ttl", 10*time.Minute)
	v.SetDefault("pipeline.dead_letter_capacity", 1000)
	v.SetDefault("pipeline.degraded_error_rate", 0.25)
	v.SetDefault("pipeline.metrics_window", 5*time.Minute)

	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.base_delay", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_backoff", 5*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_calls", 3)

	v.SetDefault("rate_limit.user.per_minute", 10)
	v.SetDefault("rate_limit.user.per_hour", 100)
	v.SetDefault("rate_limit.user.per_day", 500)
	v.SetDefault("rate_limit.global.per_minute", 10000)
	v.SetDefault("rate_limit.global.per_hour", 200000)
	v.SetDefault("rate_limit.global.per_day", 2000000)

	v.SetDefault("provider.type", "webhook")
	v.SetDefault("provider.timeout", 10*time.Second)
	v.SetDefault("provider.max_rps", 100)
	v.SetDefault("provider.webhook.url", "http://localhost:9000/deliver")
	v.SetDefault("provider.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("provider.kafka.topic", "notifications.deliver")
	v.SetDefault("provider.kafka.batch_timeout", 10*time.Millisecond)
	v.SetDefault("provider.kafka.required_acks", -1)

	v.SetDefault("preferences.timezone", "UTC")
	v.SetDefault("preferences.quiet_hours_start", "")
	v.SetDefault("preferences.quiet_hours_end", "")
	v.SetDefault("preferences.opt_outs", map[string][]string{})
	v.SetDefault("preferences.do_not_disturb", map[string]TimeWindow{})
}

// Load reads defaults, then the optional YAML file at path, then environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
