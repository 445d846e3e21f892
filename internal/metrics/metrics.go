package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
type Metrics struct {
	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	DeadLettered        *prometheus.CounterVec
	RateLimited         *prometheus.CounterVec
	Merged              prometheus.Counter
	DeliveryLatency     *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	QueueOldestAge      prometheus.Gauge
	CircuitState        *prometheus.GaugeVec
	StoreCircuitState   prometheus.Gauge
	DedupDuplicates     prometheus.Counter
	DedupFailOpen       prometheus.Counter
	Enqueued            *prometheus.CounterVec

	// Collector backs the health endpoint's rolling figures.
	Collector *Collector
}

func New(reg prometheus.Registerer, window time.Duration) *Metrics {
	m := &Metrics{
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Provider calls that succeeded, by severity.",
		}, []string{"severity"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Provider calls that failed, by failure kind.",
		}, []string{"kind"}),

		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dead_lettered_total",
			Help: "Items moved to the dead-letter store, by reason.",
		}, []string{"reason"}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_rate_limited_total",
			Help: "Rate-limit denials, by stage (enqueue or send).",
		}, []string{"stage"}),

		Merged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifications_merged_total",
			Help: "Items folded into merged batch notifications.",
		}),

		DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_delivery_seconds",
			Help:    "Provider call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"severity"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Items waiting across all partitions.",
		}),
		QueueOldestAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_oldest_item_age_seconds",
			Help: "How long the most overdue item has waited past its scheduled time.",
		}),

		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Delivery breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"target"}),
		StoreCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "store_circuit_breaker_state",
			Help: "Backing store breaker state: 0 closed, 1 half-open, 2 open.",
		}),

		DedupDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_duplicates_total",
			Help: "Enqueues suppressed as duplicates.",
		}),
		DedupFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dedup_fail_open_total",
			Help: "Dedup checks skipped because the store was unavailable.",
		}),

		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_enqueued_total",
			Help: "Enqueue outcomes: queued, duplicate, suppressed, rate_limited.",
		}, []string{"outcome"}),

		Collector: NewCollector(window, 10),
	}

	reg.MustRegister(
		m.NotificationsSent,
		m.NotificationsFailed,
		m.DeadLettered,
		m.RateLimited,
		m.Merged,
		m.DeliveryLatency,
		m.QueueDepth,
		m.QueueOldestAge,
		m.CircuitState,
		m.StoreCircuitState,
		m.DedupDuplicates,
		m.DedupFailOpen,
		m.Enqueued,
	)

	return m
}

// CircuitValue maps a breaker state to the gauge value.
func CircuitValue(s domain.CircuitStateName) float64 {
	switch s {
	case domain.CircuitHalfOpen:
		return 1
	case domain.CircuitOpen:
		return 2
	default:
		return 0
	}
}

// WorkerHooks returns the metric callbacks expected by worker.MetricHooks.
// Centralises the prometheus observation calls so the worker stays import-free.
func (m *Metrics) WorkerHooks() (
	onSent func(sev domain.Severity, latency time.Duration),
	onFailed func(kind domain.DeliveryErrorKind, latency time.Duration),
	onDeadLettered func(reason domain.DeadLetterReason, n int),
	onRateLimited func(),
	onMerged func(n int),
) {
	onSent = func(sev domain.Severity, latency time.Duration) {
		m.NotificationsSent.WithLabelValues(string(sev)).Inc()
		m.DeliveryLatency.WithLabelValues(string(sev)).Observe(latency.Seconds())
		m.Collector.Record(time.Now(), true, latency)
	}
	onFailed = func(kind domain.DeliveryErrorKind, latency time.Duration) {
		m.NotificationsFailed.WithLabelValues(string(kind)).Inc()
		m.Collector.Record(time.Now(), false, latency)
	}
	onDeadLettered = func(reason domain.DeadLetterReason, n int) {
		m.DeadLettered.WithLabelValues(string(reason)).Add(float64(n))
	}
	onRateLimited = func() {
		m.RateLimited.WithLabelValues("send").Inc()
	}
	onMerged = func(n int) {
		m.Merged.Add(float64(n))
	}
	return
}
