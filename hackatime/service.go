// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package hackatime is the heartbeat aggregation and synchronization engine:
// it ingests timestamped presence events from editor plugins, derives active
// time, sessions, streaks and leaderboards from them, and keeps the event
// stream synchronized with external wakatime-compatible services in both
// directions.
package hackatime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service provides the engine's persistence and job surface on top of a
// pgx pool. It is the main component applications integrate.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds tunables for the engine. Zero values are replaced by
// the documented defaults in NewService.
type ServiceConfig struct {
	AppName string // Application name for connection tracking

	// IdleTimeout is the single idle-timeout constant T. Durations, session
	// spans, streak day totals and leaderboards all use this one value.
	IdleTimeout time.Duration

	// LeaderboardFloor is the minimum active time per period for a user to
	// appear on a board. The same floor decides whether a day qualifies for
	// a streak.
	LeaderboardFloor time.Duration

	LeaderboardUserBatch int           // users aggregated per query batch
	LeaderboardCacheTTL  time.Duration // read cache TTL for completed boards
	StreakLookbackDays   int           // how far back streak computation scans

	BackfillWindowDays     int // calendar days scheduled per backfill invocation
	MirrorBatchSize        int // heartbeats per outbound POST
	MirrorMaxBatchesPerRun int // bound on batches per mirror invocation

	DimensionBackfillBatch int           // id-range width per backfill scan batch
	DimensionBackfillPause time.Duration // pause between scan batches

	DevMode bool // relaxes the https-only rule for configured endpoints
}

func (c *ServiceConfig) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "hackatime"
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.LeaderboardFloor <= 0 {
		c.LeaderboardFloor = time.Minute
	}
	if c.LeaderboardUserBatch <= 0 {
		c.LeaderboardUserBatch = 100
	}
	if c.LeaderboardCacheTTL <= 0 {
		c.LeaderboardCacheTTL = 10 * time.Minute
	}
	if c.StreakLookbackDays <= 0 {
		c.StreakLookbackDays = 30
	}
	if c.BackfillWindowDays <= 0 {
		c.BackfillWindowDays = 5
	}
	if c.MirrorBatchSize <= 0 {
		c.MirrorBatchSize = 25
	}
	if c.MirrorMaxBatchesPerRun <= 0 {
		c.MirrorMaxBatchesPerRun = 20
	}
	if c.DimensionBackfillBatch <= 0 {
		c.DimensionBackfillBatch = 5000
	}
	if c.DimensionBackfillPause <= 0 {
		c.DimensionBackfillPause = 100 * time.Millisecond
	}
}

// NewService creates the engine service from an existing pool and initializes
// the database schema.
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	service := &Service{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize hackatime service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the service. It does NOT close the database
// pool - the caller owns the pool lifecycle.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down hackatime service")
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool for advanced callers.
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Config returns the effective service configuration.
func (s *Service) Config() *ServiceConfig {
	return s.config
}

func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return errors.New("hackatime service has been closed")
	}
	return nil
}
