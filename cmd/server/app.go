package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/delivery-pipeline/internal/api"
	"github.com/notifyhub/delivery-pipeline/internal/breaker"
	"github.com/notifyhub/delivery-pipeline/internal/config"
	"github.com/notifyhub/delivery-pipeline/internal/db"
	"github.com/notifyhub/delivery-pipeline/internal/dedup"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/metrics"
	"github.com/notifyhub/delivery-pipeline/internal/preferences"
	"github.com/notifyhub/delivery-pipeline/internal/provider"
	"github.com/notifyhub/delivery-pipeline/internal/queue"
	"github.com/notifyhub/delivery-pipeline/internal/ratelimiter"
	"github.com/notifyhub/delivery-pipeline/internal/repository"
	"github.com/notifyhub/delivery-pipeline/internal/service"
	"github.com/notifyhub/delivery-pipeline/internal/store"
	"github.com/notifyhub/delivery-pipeline/internal/worker"
)

// App owns every long-lived component of the server process.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store  store.Store
	pgPool *pgxpool.Pool
	prov   provider.Provider

	sched  *worker.Scheduler
	pool   *worker.Pool
	stats  *worker.StatsWorker
	server *http.Server
}

func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Initialize connects backends and builds the pipeline. Nothing runs until Run.
func (a *App) Initialize(ctx context.Context) error {
	cfg := a.cfg

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, cfg.Pipeline.MetricsWindow)

	st, err := a.openStore(ctx, m)
	if err != nil {
		return err
	}
	a.store = st

	dead, err := a.openDeadLetters(ctx)
	if err != nil {
		return err
	}

	q := queue.New(st, queue.Config{
		MaxPartitionDepth: cfg.Pipeline.MaxPartitionDepth,
		OverflowCapacity:  cfg.Pipeline.OverflowCapacity,
		TombstoneTTL:      cfg.Pipeline.TombstoneTTL,
	})

	dd := dedup.New(st, cfg.Pipeline.DedupTTL, a.logger.Named("dedup"), dedup.Hooks{
		OnDuplicate: m.DedupDuplicates.Inc,
		OnFailOpen:  m.DedupFailOpen.Inc,
	})

	limiter := ratelimiter.New(st, ratelimiter.Config{
		User:   ratelimiter.Limits(cfg.RateLimit.User),
		Global: ratelimiter.Limits(cfg.RateLimit.Global),
	}, a.logger.Named("ratelimiter"))

	br := breaker.New(st, breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	}, a.logger.Named("breaker"))
	br.OnStateChange = func(target string, from, to domain.CircuitStateName) {
		m.CircuitState.WithLabelValues(target).Set(metrics.CircuitValue(to))
	}

	prefs, err := buildPreferences(cfg.Preferences)
	if err != nil {
		return err
	}

	prov, err := provider.New(cfg.Provider)
	if err != nil {
		return err
	}
	a.prov = prov

	a.sched = worker.NewScheduler(q, cfg.Pipeline.SweepInterval, a.logger.Named("scheduler"))

	onSent, onFailed, onDeadLettered, onRateLimited, onMerged := m.WorkerHooks()
	a.pool = worker.NewPool(cfg, a.sched, q, br, limiter,
		ratelimiter.NewThrottle(cfg.Provider.MaxRPS), prov, dead,
		a.logger.Named("worker"),
		worker.MetricHooks{
			OnSent:         onSent,
			OnFailed:       onFailed,
			OnDeadLettered: onDeadLettered,
			OnRateLimited:  onRateLimited,
			OnMerged:       onMerged,
		})

	a.stats = worker.NewStatsWorker(q, cfg.Pipeline.SweepInterval, func(depth int64, oldest time.Duration) {
		m.QueueDepth.Set(float64(depth))
		m.QueueOldestAge.Set(oldest.Seconds())
	}, a.logger.Named("stats"))

	svc := service.NewNotificationService(service.Deps{
		Store:       st,
		Queue:       q,
		Dedup:       dd,
		Limiter:     limiter,
		Breaker:     br,
		Preferences: prefs,
		Scheduler:   a.sched,
		DeadLetters: dead,
		Stats:       m.Collector,
	}, service.OptionsFrom(cfg), service.Hooks{
		OnEnqueued: func(outcome string) {
			m.Enqueued.WithLabelValues(outcome).Inc()
			if outcome == service.OutcomeRateLimited {
				m.RateLimited.WithLabelValues("enqueue").Inc()
			}
		},
		OnHealth: func(h domain.Health) {
			m.QueueDepth.Set(float64(h.QueueDepth))
			m.QueueOldestAge.Set(float64(h.OldestItemAgeMs) / 1000)
		},
	}, a.logger.Named("service"))

	a.server = &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(svc, reg, cfg.Server.MaxBodyBytes, a.logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return nil
}

func (a *App) openStore(ctx context.Context, m *metrics.Metrics) (store.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Backend {
	case "", "memory":
		a.logger.Info("using in-memory store")
		return store.NewMemoryStore(store.WithJanitor(cfg.JanitorInterval)), nil
	case "redis":
		rdb, err := store.ConnectRedis(ctx, cfg.RedisURL, cfg.ConnectTimeout, a.logger)
		if err != nil {
			return nil, err
		}
		a.logger.Info("connected to redis")
		return store.NewBreakerStore(store.NewRedisStore(rdb), store.BreakerConfig{
			Enabled:      cfg.Breaker.Enabled,
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		}, a.logger, func(_, to gobreaker.State) {
			m.StoreCircuitState.Set(storeCircuitValue(to))
		}), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// openDeadLetters uses Postgres when a database URL is configured.
func (a *App) openDeadLetters(ctx context.Context) (repository.DeadLetterRepository, error) {
	cfg := a.cfg.Database
	capacity := a.cfg.Pipeline.DeadLetterCapacity
	if cfg.URL == "" {
		a.logger.Info("dead letters kept in memory", zap.Int("capacity", capacity))
		return repository.NewMemoryDeadLetterRepository(capacity), nil
	}

	pool, err := db.Connect(ctx, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.pgPool = pool

	if err := db.Migrate(cfg.URL, cfg.MigrationsPath); err != nil {
		return nil, err
	}
	a.logger.Info("database migrations applied")
	return repository.NewPgDeadLetterRepository(pool, capacity), nil
}

// Run serves HTTP and runs the workers until ctx is cancelled. On shutdown
// the listener stops first, then workers are cancelled and allowed to settle
// whatever they hold.
func (a *App) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server starting", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		a.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		cancelWorkers()
		return nil
	})

	g.Go(func() error {
		a.sched.Run(workerCtx)
		return nil
	})
	g.Go(func() error {
		a.stats.Run(workerCtx)
		return nil
	})

	a.pool.Start(workerCtx)
	g.Go(func() error {
		<-workerCtx.Done()
		a.pool.Wait()
		a.logger.Info("workers drained")
		return nil
	})

	return g.Wait()
}

// Close releases backend connections. Safe to call after a failed Initialize.
func (a *App) Close() {
	if c, ok := a.prov.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("provider close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
}

// buildPreferences loads the static preference table. Viper lowercases map
// keys, so recipient ids under opt_outs and do_not_disturb must be written in
// lowercase.
func buildPreferences(cfg config.PreferencesConfig) (*preferences.Static, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("preferences timezone: %w", err)
		}
		loc = l
	}

	prefs := preferences.NewStatic(loc)
	quiet, ok, err := preferences.ParseWindow(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		return nil, fmt.Errorf("preferences quiet hours: %w", err)
	}
	if ok {
		prefs.SetQuietHours(quiet)
	}
	for recipient, categories := range cfg.OptOuts {
		prefs.OptOut(recipient, categories...)
	}
	for recipient, w := range cfg.DoNotDisturb {
		dnd, ok, err := preferences.ParseWindow(w.Start, w.End)
		if err != nil {
			return nil, fmt.Errorf("preferences do_not_disturb %s: %w", recipient, err)
		}
		if ok {
			prefs.DoNotDisturb(recipient, dnd)
		}
	}
	return prefs, nil
}

func storeCircuitValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
