// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hackclub/hackatime-sub000/hackatime"
	"github.com/hackclub/hackatime-sub000/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to parse database URL: %v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("Failed to create database pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	serviceConfig := &hackatime.ServiceConfig{
		AppName:              "hackatime",
		IdleTimeout:          time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		LeaderboardFloor:     time.Duration(cfg.LeaderboardFloorSeconds) * time.Second,
		LeaderboardUserBatch: cfg.LeaderboardUserBatch,
		DevMode:              cfg.DevMode,
	}
	service, err := hackatime.NewService(pool, serviceConfig, logger)
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}
	defer func() { _ = service.Close() }()

	var cache *hackatime.LeaderboardCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer func() { _ = redisClient.Close() }()
		cache = hackatime.NewLeaderboardCache(redisClient, serviceConfig.LeaderboardCacheTTL)
	} else {
		logger.Warn("Redis not configured, leaderboard cache and fanout debounce disabled")
	}

	scheduler := hackatime.NewInProcScheduler(logger, cfg.Workers)
	defer scheduler.Close()

	builder := hackatime.NewLeaderboardBuilder(service, cache, serviceConfig, logger)
	importEngine := hackatime.NewImportEngine(service, scheduler, serviceConfig, logger)
	publisher := hackatime.NewMirrorPublisher(service, scheduler, cache, serviceConfig, logger)
	jwtAuth := hackatime.NewJWTAuth(cfg.JWTSecret)

	handlers := hackatime.NewHTTPHandlers(service, builder, publisher, importEngine,
		scheduler, cache, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      hackatime.RequestLogging(logger, mux),
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Starting hackatime server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	syncInterval := time.Duration(cfg.SyncIntervalSeconds) * time.Second
	group.Go(func() error {
		hackatime.RunEvery(groupCtx, syncInterval, func(ctx context.Context) {
			if err := importEngine.EnqueueAll(ctx); err != nil {
				logger.Error("Failed to enqueue import syncs", "error", err)
			}
		})
		return nil
	})

	group.Go(func() error {
		hackatime.RunEvery(groupCtx, 10*time.Minute, func(ctx context.Context) {
			today := time.Now().UTC()
			for _, period := range []hackatime.PeriodType{hackatime.PeriodDaily, hackatime.PeriodLast7Days} {
				scheduler.Enqueue(hackatime.Job{
					Type: "leaderboard_build",
					Key:  "leaderboard-tick:" + period.String(),
					Run: func(ctx context.Context) error {
						_, err := builder.Build(ctx, period, today, true)
						if errors.Is(err, hackatime.ErrBuildInProgress) {
							return nil
						}
						return err
					},
				})
			}
		})
		return nil
	})

	group.Go(func() error {
		hackatime.RunEvery(groupCtx, 6*time.Hour, func(ctx context.Context) {
			if _, err := service.CleanupOldLeaderboards(ctx, 48*time.Hour); err != nil {
				logger.Error("Leaderboard cleanup failed", "error", err)
			}
		})
		return nil
	})

	group.Go(func() error {
		hackatime.RunEvery(groupCtx, 24*time.Hour, func(ctx context.Context) {
			scheduler.Enqueue(hackatime.Job{
				Type: "dimension_backfill",
				Key:  "dimension-backfill",
				Run: func(ctx context.Context) error {
					_, err := service.BackfillDimensions(ctx)
					return err
				},
			})
		})
		return nil
	})

	if err := group.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("Server stopped")
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
