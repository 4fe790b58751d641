package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/epiwatch/alertstream/internal/app"
	"github.com/epiwatch/alertstream/internal/auth"
	"github.com/epiwatch/alertstream/internal/broadcast"
	"github.com/epiwatch/alertstream/internal/config"
	"github.com/epiwatch/alertstream/internal/database"
	"github.com/epiwatch/alertstream/internal/domain"
	"github.com/epiwatch/alertstream/internal/health"
	"github.com/epiwatch/alertstream/internal/logging"
	"github.com/epiwatch/alertstream/internal/queue"
	"github.com/epiwatch/alertstream/internal/ratelimit"
	"github.com/epiwatch/alertstream/internal/registry"
	"github.com/epiwatch/alertstream/internal/server"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	return pool
}

func setupRedis(cfg *config.Config) *goredis.Client {
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)
	client.AddHook(queue.NewCircuitBreakerHook())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

// redisCheck adapts a Redis client to the readiness probe.
type redisCheck struct {
	client *goredis.Client
}

func (r redisCheck) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func runGracefulShutdown(srv *server.Server, cancelLoops context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		cancelLoops()
		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	checks := map[string]server.HealthChecker{}

	// Offline alerts live in Redis when configured, otherwise in process
	// memory (single-instance deployments and local development).
	var offline domain.OfflineQueue
	if cfg.RedisURL != "" {
		redisClient := setupRedis(cfg)
		defer func() { _ = redisClient.Close() }()

		store, err := queue.NewRedisStore(redisClient, clock, cfg.OfflineQueueCap, cfg.OfflineQueueRetention)
		if err != nil {
			slog.Error("Failed to create offline queue", "error", err)
			os.Exit(1)
		}
		offline = store
		checks["redis"] = redisCheck{client: redisClient}
	} else {
		slog.Warn("REDIS_URL not set, offline queue is in-memory only")
		offline = queue.NewMemoryStore(clock, cfg.OfflineQueueCap, cfg.OfflineQueueRetention)
	}

	// Alert history is optional: without Postgres, reconnecting clients only
	// get what the offline queue holds.
	var history domain.AlertHistory
	if cfg.DatabaseURL != "" {
		pool := setupDB(cfg)
		defer pool.Close()

		repo := database.NewHistoryRepo(pool)
		history = repo
		checks["postgres"] = repo
	}

	authSvc, err := auth.NewSharedSecretValidator(cfg.AuthSecret)
	if err != nil {
		slog.Error("Failed to create auth validator", "error", err)
		os.Exit(1)
	}

	limiter := ratelimit.NewLimiter(clock, ratelimit.Options{
		MessagesPerMinute:     cfg.MessagesPerMinute,
		MaxConnectionsPerUser: cfg.MaxConnectionsPerUser,
		BanViolationThreshold: cfg.BanViolationThreshold,
		BanDuration:           cfg.BanDuration,
	})

	index := registry.NewSubscriptionIndex()
	reg := registry.NewRegistry(limiter, clock, index.Purge)

	engine := broadcast.NewEngine(reg, index, offline, history, clock, broadcast.Options{
		Workers:      cfg.BroadcastWorkers,
		SendTimeout:  cfg.SendTimeout,
		RetryBackoff: cfg.SendRetryBackoff,
	})

	monitor := health.NewMonitor(reg, clock, cfg.PingInterval)
	scheduler := app.NewScheduler(reg, offline, engine, limiter, clock, app.Intervals{
		Cleanup:  cfg.CleanupInterval,
		Snapshot: cfg.SnapshotInterval,
		Purge:    cfg.PurgeInterval,
	})

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	go monitor.Run(loopCtx)
	go scheduler.Run(loopCtx)

	srv := server.NewServer(cfg, reg, index, engine, scheduler, limiter, authSvc, offline, clock, checks)

	done := runGracefulShutdown(srv, cancelLoops)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
