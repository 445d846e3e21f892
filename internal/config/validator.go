package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError names the offending key.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every constraint and reports all violations at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add(invalid("server.port", "must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		add(invalid("server.shutdown_timeout", "must be positive"))
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			add(invalid("store.redis_url", "required when store.backend is redis"))
		}
	default:
		add(invalid("store.backend", "must be memory or redis, got %q", c.Store.Backend))
	}

	p := c.Pipeline
	if p.Workers < 1 {
		add(invalid("pipeline.workers", "must be at least 1"))
	}
	if p.BatchSize < 1 {
		add(invalid("pipeline.batch_size", "must be at least 1"))
	}
	if p.MaxBatchWait <= 0 {
		add(invalid("pipeline.max_batch_wait", "must be positive"))
	}
	if p.SweepInterval <= 0 {
		add(invalid("pipeline.sweep_interval", "must be positive"))
	}
	if p.DequeueLimit < p.BatchSize {
		add(invalid("pipeline.dequeue_limit", "must be at least pipeline.batch_size (%d)", p.BatchSize))
	}
	if p.MaxPayloadBytes < 1 {
		add(invalid("pipeline.max_payload_bytes", "must be positive"))
	}
	if p.DegradedErrorRate <= 0 || p.DegradedErrorRate > 1 {
		add(invalid("pipeline.degraded_error_rate", "must be in (0, 1]"))
	}

	if c.Retry.MaxRetries < 1 {
		add(invalid("retry.max_retries", "must be at least 1"))
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxBackoff < c.Retry.BaseDelay {
		add(invalid("retry.max_backoff", "must be >= retry.base_delay > 0"))
	}
	if c.Retry.Multiplier < 1 {
		add(invalid("retry.multiplier", "must be >= 1"))
	}

	if c.Breaker.FailureThreshold < 1 {
		add(invalid("breaker.failure_threshold", "must be at least 1"))
	}
	if c.Breaker.HalfOpenMaxCalls < 1 {
		add(invalid("breaker.half_open_max_calls", "must be at least 1"))
	}

	switch c.Provider.Type {
	case "webhook":
		if c.Provider.Webhook.URL == "" {
			add(invalid("provider.webhook.url", "required for the webhook provider"))
		}
	case "kafka":
		if len(c.Provider.Kafka.Brokers) == 0 || c.Provider.Kafka.Topic == "" {
			add(invalid("provider.kafka", "brokers and topic are required for the kafka provider"))
		}
	default:
		add(invalid("provider.type", "must be webhook or kafka, got %q", c.Provider.Type))
	}
	if c.Provider.Timeout <= 0 {
		add(invalid("provider.timeout", "must be positive"))
	}

	if _, err := time.LoadLocation(c.Preferences.Timezone); err != nil {
		add(invalid("preferences.timezone", "%v", err))
	}

	return errors.Join(errs...)
}
