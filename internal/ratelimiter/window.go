package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/store"
)

// GlobalSubject is the counter subject shared by every recipient.
const GlobalSubject = "__global__"

// Granularity is a fixed window size.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Limits caps sends per window. Zero disables that window.
type Limits struct {
	PerMinute int64 `mapstructure:"per_minute"`
	PerHour   int64 `mapstructure:"per_hour"`
	PerDay    int64 `mapstructure:"per_day"`
}

type limitWindow struct {
	g     Granularity
	limit int64
}

// Largest window first, so a denial reports the wait that actually clears it.
func (l Limits) windows() []limitWindow {
	return []limitWindow{{Day, l.PerDay}, {Hour, l.PerHour}, {Minute, l.PerMinute}}
}

// Config holds per-recipient limits and the global safety valve.
type Config struct {
	User   Limits
	Global Limits
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Subject    string
	Window     Granularity
}

// Err converts a denial into a *domain.RateLimitedError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.RateLimitedError{Subject: d.Subject, Window: string(d.Window), RetryAfter: d.RetryAfter}
}

// Limiter enforces fixed-window send limits on top of store counters.
type Limiter struct {
	store  store.Store
	cfg    Config
	logger *zap.Logger
}

func New(s store.Store, cfg Config, logger *zap.Logger) *Limiter {
	return &Limiter{store: s, cfg: cfg, logger: logger}
}

type window struct {
	subject string
	g       Granularity
	start   time.Time
	counter store.Counter
}

func (w window) retryAfter(now time.Time) time.Duration {
	return w.start.Add(w.g.Duration()).Sub(now)
}

func windowKey(subject string, g Granularity, start time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", subject, g, start.Unix())
}

// windows lists the counters that apply to subject. Critical severity skips
// the per-recipient windows but still counts against the global ones.
func (l *Limiter) windows(subject string, sev domain.Severity, now time.Time) []window {
	now = now.UTC()
	var out []window
	add := func(subj string, lim Limits) {
		for _, w := range lim.windows() {
			if w.limit <= 0 {
				continue
			}
			start := now.Truncate(w.g.Duration())
			out = append(out, window{
				subject: subj,
				g:       w.g,
				start:   start,
				counter: store.Counter{
					Key:   windowKey(subj, w.g, start),
					Limit: w.limit,
					TTL:   2 * w.g.Duration(),
				},
			})
		}
	}
	if sev != domain.SeverityCritical {
		add(subject, l.cfg.User)
	}
	add(GlobalSubject, l.cfg.Global)
	return out
}

// Check is a read-only admission test. Nothing is counted.
func (l *Limiter) Check(ctx context.Context, subject string, sev domain.Severity, now time.Time) Decision {
	ws := l.windows(subject, sev, now)
	if len(ws) == 0 {
		return Decision{Allowed: true}
	}
	keys := make([]string, len(ws))
	for i, w := range ws {
		keys[i] = w.counter.Key
	}
	counts, err := l.store.Counts(ctx, keys...)
	if err != nil {
		l.failOpen("check", subject, err)
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: true}
	for i, w := range ws {
		if counts[i] < w.counter.Limit {
			continue
		}
		if ra := w.retryAfter(now); d.Allowed || ra > d.RetryAfter {
			d = Decision{Allowed: false, RetryAfter: ra, Subject: w.subject, Window: w.g}
		}
	}
	return d
}

// CheckAndReserve atomically checks every applicable window and, only when all
// of them have room, counts one send against each.
func (l *Limiter) CheckAndReserve(ctx context.Context, subject string, sev domain.Severity, now time.Time) Decision {
	ws := l.windows(subject, sev, now)
	if len(ws) == 0 {
		return Decision{Allowed: true}
	}
	counters := make([]store.Counter, len(ws))
	for i, w := range ws {
		counters[i] = w.counter
	}
	allowed, blocked, err := l.store.IncrWithinLimits(ctx, counters)
	if err != nil {
		l.failOpen("reserve", subject, err)
		return Decision{Allowed: true}
	}
	if allowed {
		return Decision{Allowed: true}
	}
	w := ws[blocked]
	return Decision{Allowed: false, RetryAfter: w.retryAfter(now), Subject: w.subject, Window: w.g}
}

func (l *Limiter) failOpen(op, subject string, err error) {
	l.logger.Warn("rate limit store unavailable, allowing",
		zap.String("op", op), zap.String("subject", subject), zap.Error(err))
}
