package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/app/migrate"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
	httpx "github.com/coinkrazygaming/CodeFlow-sub001/internal/http"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository/memory"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/repository/postgres"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/retry"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/logs"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/notify"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/pipeline"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/reaper"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/trigger"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/service/webhook"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/workspace"
	"github.com/coinkrazygaming/CodeFlow-sub001/internal/ws"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/config"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/crypto"
	"github.com/coinkrazygaming/CodeFlow-sub001/pkg/logger"
)

type store interface {
	repository.SiteRepository
	repository.BuildRepository
	repository.LogRepository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		return err
	}
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo     store
		dbHealth func(context.Context) error
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			return err
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			return err
		}
		if err := runner.Ensure(ctx); err != nil {
			return err
		}
		sealer, err := crypto.NewSealer(cfg.EnvEncryptionKey)
		if err != nil {
			return fmt.Errorf("configure env encryption: %w", err)
		}
		repo = postgres.New(pool, sealer)
		dbHealth = pool.Ping
	default:
		repo = memory.New()
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using in-process locks and limits", "addr", addr, "error", err)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	hub := ws.NewHub()
	defer hub.Close()
	logSvc := logs.New(repo, hub, log)

	notifier := notify.New(log, retry.NewPolicy(retry.ModeLinear, 500*time.Millisecond, 10*time.Second, cfg.Notify.MaxRetries), cfg.Notify.QueueSize, prometheus.DefaultRegisterer, buildSinks(cfg.Notify, hub, log)...)

	template, err := pipeline.LoadTemplate(cfg.Pipeline.TemplateFile)
	if err != nil {
		return err
	}
	workspaces, err := workspace.New(cfg.Pipeline.Workdir, log)
	if err != nil {
		return err
	}
	engine, err := pipeline.New(repo, repo, logSvc, notifier, log,
		pipeline.WithTemplate(template),
		pipeline.WithDefaultEffect(pipeline.SimulatedEffect{Scale: 1}),
		pipeline.WithEffect(domain.StageSource, pipeline.Chain(workspaces, pipeline.SimulatedEffect{Scale: 1})),
		pipeline.WithFinalizer(workspaces),
		pipeline.WithStageTimeout(cfg.Pipeline.StageTimeout()),
		pipeline.WithPacing(cfg.Pipeline.Pacing()),
		pipeline.WithMetrics(pipeline.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return err
	}

	var locker trigger.Locker
	limiter := httpx.NewMemoryRateLimiter()
	if redisClient != nil {
		locker = trigger.NewRedisLocker(redisClient, cfg.LockTTL())
		limiter = httpx.NewRedisRateLimiter(redisClient, log)
	}
	dispatcher := trigger.New(repo, repo, engine, locker, log)
	webhookSvc := webhook.New(repo, dispatcher, log, cfg.EnvEncryptionKey, cfg.WebhookSecret)

	if cfg.SitesFile != "" {
		if err := seedSites(ctx, cfg.SitesFile, repo, webhookSvc, log); err != nil {
			return err
		}
	}

	sweeper := reaper.New(repo, engine, cfg.Reaper.StaleAfter(), log)
	if err := sweeper.Start(cfg.Reaper.Interval()); err != nil {
		return err
	}

	router := httpx.NewRouter(log, httpx.Dependencies{
		Builds:        dispatcher,
		Logs:          logSvc,
		Webhooks:      webhookSvc,
		JWTSecret:     cfg.JWTSecret,
		InternalToken: cfg.InternalToken,
		Limiter:       limiter,
		DBHealth:      dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "store", cfg.StoreBackend)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := sweeper.Stop(); err != nil {
		log.Warn("reaper stop failed", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Warn("pipelines still running at shutdown", "error", err)
	}
	if err := notifier.Close(shutdownCtx); err != nil {
		log.Warn("notification queue not drained", "error", err)
	}
	log.Info("api server stopped")
	return nil
}

func buildSinks(cfg config.NotifyConfig, hub *ws.Hub, log *slog.Logger) []notify.Sink {
	sinks := []notify.Sink{notify.LogSink{Logger: log}, notify.HubSink{Hub: hub}}
	if url := strings.TrimSpace(cfg.WebhookURL); url != "" {
		sinks = append(sinks, notify.NewWebhookSink(url, cfg.WebhookSecret, nil))
	}
	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		sink, err := notify.NewNATSSink(url, cfg.NATSSubject)
		if err != nil {
			log.Warn("nats sink disabled", "url", url, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}

func seedSites(ctx context.Context, path string, sites repository.SiteRepository, hooks webhook.Service, log *slog.Logger) error {
	entries, err := memory.LoadSites(path)
	if err != nil {
		return err
	}
	if err := memory.SeedSites(ctx, sites, entries, hooks); err != nil {
		return err
	}
	log.Info("sites seeded", "count", len(entries), "file", path)
	return nil
}
