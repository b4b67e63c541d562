package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/dispatcher/internal/api"
	"github.com/LeventeLantos/dispatcher/internal/breaker"
	"github.com/LeventeLantos/dispatcher/internal/cache"
	"github.com/LeventeLantos/dispatcher/internal/client"
	"github.com/LeventeLantos/dispatcher/internal/config"
	"github.com/LeventeLantos/dispatcher/internal/model"
	"github.com/LeventeLantos/dispatcher/internal/queue"
	"github.com/LeventeLantos/dispatcher/internal/repo"
	"github.com/LeventeLantos/dispatcher/internal/scheduler"
	"github.com/LeventeLantos/dispatcher/internal/service"
	"github.com/LeventeLantos/dispatcher/internal/telemetry"
	"github.com/LeventeLantos/dispatcher/internal/worker"
)

type app struct {
	cfg *config.Config

	db    *sql.DB
	redis *redis.Client

	workers   *worker.Pool
	scheduler *scheduler.Scheduler
	server    *http.Server

	shutdownTelemetry func(context.Context) error
}

type stores struct {
	messages    repo.MessageRepository
	deadLetters repo.DeadLetterRepository
	queue       queue.Queue
	index       cache.ProviderIndex
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return nil, err
	}
	a.shutdownTelemetry = shutdown

	st, err := a.openStores(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.wire(st); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(ctx context.Context) (stores, error) {
	var st stores

	if a.cfg.Database.PostgresURL != "" {
		db, err := sql.Open("pgx", a.cfg.Database.PostgresURL)
		if err != nil {
			return st, fmt.Errorf("open postgres: %w", err)
		}
		a.db = db

		if err := db.PingContext(ctx); err != nil {
			return st, fmt.Errorf("ping postgres: %w", err)
		}
		if err := repo.Migrate(ctx, db); err != nil {
			return st, err
		}
		st.messages = repo.NewPostgresMessageRepo(db)
		st.deadLetters = repo.NewPostgresDeadLetterRepo(db)
		slog.Info("postgres store ready")
	} else {
		st.messages = repo.NewMemoryMessageRepo()
		st.deadLetters = repo.NewMemoryDeadLetterRepo()
		slog.Warn("POSTGRES_URL not set, messages are kept in memory")
	}

	if a.cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Address,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return st, fmt.Errorf("ping redis: %w", err)
		}
		st.queue = queue.NewRedisQueue(a.redis, "")
		st.index = cache.NewRedisCache(a.redis, a.cfg.Redis.TTL)
		slog.Info("redis queue ready")
	} else {
		st.queue = queue.NewMemoryQueue()
	}

	return st, nil
}

func (a *app) wire(st stores) error {
	cfg := a.cfg
	log := slog.Default()

	metrics, err := telemetry.NewMetricsObserver(telemetry.Meter())
	if err != nil {
		return err
	}
	obs := service.Observers{service.NewLogObserver(log), metrics}

	retry := make(map[model.Channel]service.RetryPolicy, len(cfg.Retry))
	for ch, rc := range cfg.Retry {
		strategy, err := rc.Backoff()
		if err != nil {
			return fmt.Errorf("retry policy for %s: %w", ch, err)
		}
		retry[ch] = service.RetryPolicy{MaxAttempts: rc.MaxAttempts, Backoff: strategy}
	}

	senders := make(map[model.Channel]service.Sender, len(cfg.Providers))
	for ch, p := range cfg.Providers {
		senders[ch] = client.NewProviderClient(p.Name, ch, p.URL, p.Token)
	}
	if len(senders) == 0 {
		slog.Warn("no providers configured, every attempt will fail with no_sender")
	}

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		SuccessThreshold:  cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenMaxTrials,
	})

	processor := service.NewProcessor(service.ProcessorDeps{
		Messages:    st.messages,
		DeadLetters: st.deadLetters,
		Queue:       st.queue,
		Senders:     senders,
		Breakers:    breakers,
		Index:       st.index,
		Observer:    obs,
		Log:         log,
	}, service.ProcessorConfig{
		Retry:      retry,
		JobTimeout: cfg.Workers.JobTimeout,
		StaleAfter: cfg.Scheduler.StaleAfter,
	})

	a.workers, err = worker.New(st.queue, processor.Process, cfg.Workers.Count, cfg.Workers.PollInterval, log)
	if err != nil {
		return err
	}

	a.scheduler, err = scheduler.New(cfg.Scheduler.Interval, log,
		scheduler.PromoteDue(st.queue),
		scheduler.RecoverStale(processor, cfg.Scheduler.BatchSize),
	)
	if err != nil {
		return err
	}

	h := api.NewHandler(api.Deps{
		Dispatcher:  service.NewDispatcher(st.messages, st.queue, obs, log, service.DefaultDispatcherConfig()),
		Messages:    st.messages,
		DeadLetters: service.NewDeadLetters(st.deadLetters, st.messages, st.queue, obs, log),
		Reconciler:  service.NewReconciler(st.messages, st.index, obs, log),
		Breakers:    breakers,
		Scheduler:   a.scheduler,
		Verifier:    api.NewVerifier(cfg.Webhook.SigningSecret, cfg.Webhook.MaxSkew),
		Log:         log,
	})
	if cfg.Webhook.SigningSecret == "" {
		slog.Warn("WEBHOOK_SIGNING_SECRET not set, provider callbacks are not verified")
	}

	a.server = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           recoveryMiddleware(loggingMiddleware(api.Router(h))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return nil
}

// Start launches the workers and the scheduler, then serves HTTP until the
// server is shut down.
func (a *app) Start() error {
	a.workers.Start()
	a.scheduler.Start()
	return a.server.ListenAndServe()
}

// Stop drains HTTP before stopping the scheduler and the workers.
func (a *app) Stop(ctx context.Context) {
	slog.Info("starting graceful shutdown")

	a.server.SetKeepAlivesEnabled(false)
	if err := a.server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "err", err)
		_ = a.server.Close()
	}

	a.scheduler.Stop()
	a.workers.Stop()

	if err := a.shutdownTelemetry(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "err", err)
	}
	slog.Info("dispatcher stopped")
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			slog.Warn("failed to close database connection", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("failed to close redis connection", "err", err)
		}
	}
}
