package metrics

import (
	"sync"
	"time"
)

// Snapshot summarises the rolling window.
type Snapshot struct {
	Sends      int64
	Failures   int64
	Throughput float64 // successful sends per second
	ErrorRate  float64 // failures / attempts
	AvgLatency time.Duration
}

type bucket struct {
	start    time.Time
	sends    int64
	failures int64
	latency  time.Duration
}

// Collector keeps a rolling window of delivery outcomes split into fixed
// buckets. Prometheus counters are cumulative; the health endpoint needs
// recent rates without a query engine, so this keeps them in process.
type Collector struct {
	mu      sync.Mutex
	width   time.Duration
	buckets []bucket
}

func NewCollector(window time.Duration, n int) *Collector {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if n <= 0 {
		n = 10
	}
	return &Collector{width: window / time.Duration(n), buckets: make([]bucket, n)}
}

func (c *Collector) slot(now time.Time) *bucket {
	start := now.Truncate(c.width)
	idx := int((start.UnixNano() / int64(c.width)) % int64(len(c.buckets)))
	b := &c.buckets[idx]
	if !b.start.Equal(start) {
		*b = bucket{start: start}
	}
	return b
}

// Record adds one provider call outcome.
func (c *Collector) Record(now time.Time, success bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.slot(now)
	if success {
		b.sends++
	} else {
		b.failures++
	}
	b.latency += latency
}

// Snapshot aggregates the buckets that fall inside the window ending at now.
func (c *Collector) Snapshot(now time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	window := c.width * time.Duration(len(c.buckets))
	oldest := now.Truncate(c.width).Add(-window + c.width)

	var s Snapshot
	var latency time.Duration
	for _, b := range c.buckets {
		if b.start.IsZero() || b.start.Before(oldest) || b.start.After(now) {
			continue
		}
		s.Sends += b.sends
		s.Failures += b.failures
		latency += b.latency
	}

	attempts := s.Sends + s.Failures
	if attempts > 0 {
		s.ErrorRate = float64(s.Failures) / float64(attempts)
		s.AvgLatency = latency / time.Duration(attempts)
	}
	s.Throughput = float64(s.Sends) / window.Seconds()
	return s
}
