package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Severity is the delivery urgency of a notification. It decides batching
// eligibility and queue ordering.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityNormal   Severity = "normal"
	SeverityLow      Severity = "low"
)

func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityNormal, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities: critical=0 sorts before low=3.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityNormal:
		return 2
	default:
		return 3
	}
}

// ParseSeverity validates a raw severity value. Case and surrounding space are
// ignored, so "HIGH" and " high" both parse.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", NewValidationError("severity", ErrInvalidSeverity)
	}
	return s, nil
}

// EntityRef points at a domain object (habit, task, note) the notification is about.
type EntityRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Payload is the user-facing content of a notification. The pipeline never
// generates content, it only moves and merges it.
type Payload struct {
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Category   string         `json:"category"`
	Data       map[string]any `json:"data,omitempty"`
	EntityRefs []EntityRef    `json:"entity_refs,omitempty"`
}

// Size returns the encoded size of the payload in bytes.
func (p Payload) Size() int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// QueueItem is one notification instance awaiting processing.
type QueueItem struct {
	ID           string    `json:"id"`
	RecipientID  string    `json:"recipient_id"`
	Payload      Payload   `json:"payload"`
	Severity     Severity  `json:"severity"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Attempts     int       `json:"attempts"`
	Batchable    bool      `json:"batchable"`
	DedupKey     string    `json:"dedup_key,omitempty"`
	Partition    string    `json:"partition,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// EnqueueOptions carries the optional producer knobs.
type EnqueueOptions struct {
	Batchable    bool       `json:"batchable"`
	DedupKey     string     `json:"dedup_key,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// EnqueueResult is the producer's acknowledgment.
//
// Duplicate: a live dedup entry matched and ID is the original item.
// Suppressed: user preferences denied the category at this time; nothing queued.
// RateLimited: admission was denied for now; the item is queued for ScheduledFor.
type EnqueueResult struct {
	ID           string        `json:"id,omitempty"`
	Queued       bool          `json:"queued"`
	Duplicate    bool          `json:"duplicate,omitempty"`
	Suppressed   bool          `json:"suppressed,omitempty"`
	RateLimited  bool          `json:"rate_limited,omitempty"`
	RetryAfter   time.Duration `json:"retry_after_ns,omitempty"`
	ScheduledFor time.Time     `json:"scheduled_for,omitempty"`
}

// EnqueueRequest is the inbound HTTP payload for a single notification.
type EnqueueRequest struct {
	RecipientID  string     `json:"recipient_id"`
	Severity     Severity   `json:"severity"`
	Payload      Payload    `json:"payload"`
	Batchable    bool       `json:"batchable"`
	DedupKey     string     `json:"dedup_key,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// DeadLetterReason explains why an item left the active queue for good.
type DeadLetterReason string

const (
	ReasonPermanent        DeadLetterReason = "permanent"
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
)

// DeadLetter is terminal storage for an item. It is never retried.
type DeadLetter struct {
	Item      QueueItem        `json:"item"`
	Reason    DeadLetterReason `json:"reason"`
	LastError string           `json:"last_error"`
	FailedAt  time.Time        `json:"failed_at"`
}

// CircuitStateName is the breaker state as reported to operators.
type CircuitStateName string

const (
	CircuitClosed   CircuitStateName = "CLOSED"
	CircuitOpen     CircuitStateName = "OPEN"
	CircuitHalfOpen CircuitStateName = "HALF_OPEN"
)

// HealthStatus mirrors the conventional healthy/degraded/unhealthy triple.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the snapshot polled by operational tooling.
type Health struct {
	Status           HealthStatus      `json:"status"`
	QueueDepth       int64             `json:"queue_depth"`
	OldestItemAgeMs  int64             `json:"oldest_item_age_ms"`
	CircuitState     CircuitStateName  `json:"circuit_state"`
	RecentErrorRate  float64           `json:"recent_error_rate"`
	ThroughputPerSec float64           `json:"throughput_per_sec"`
	AvgLatencyMs     float64           `json:"avg_latency_ms"`
	DeadLetters      int64             `json:"dead_letters"`
	Checks           map[string]string `json:"checks,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}
