// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config defines process configuration and its loading rules.
package config

import (
	"errors"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config contains process configuration for the hackatime server.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `koanf:"database_url"`

	// RedisAddr is the Redis host:port for the leaderboard cache and
	// debounce keys. Empty disables caching.
	RedisAddr string `koanf:"redis_addr"`

	// JWTSecret signs plugin ingest tokens.
	JWTSecret string `koanf:"jwt_secret"`

	// IdleTimeoutSeconds is the gap cap for duration aggregation.
	IdleTimeoutSeconds int `koanf:"idle_timeout_seconds"`

	// LeaderboardFloorSeconds is the minimum active time per period for a
	// leaderboard entry, and for a day to count toward a streak.
	LeaderboardFloorSeconds int `koanf:"leaderboard_floor_seconds"`

	// LeaderboardUserBatch sets the users aggregated per query batch.
	LeaderboardUserBatch int `koanf:"leaderboard_user_batch"`

	// SyncIntervalSeconds is the cadence of the import/mirror tick.
	SyncIntervalSeconds int `koanf:"sync_interval_seconds"`

	// Workers bounds the background job pool.
	Workers int `koanf:"workers"`

	// DevMode relaxes endpoint URL validation for local testing.
	DevMode bool `koanf:"dev_mode"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		Addr:                    ":8080",
		IdleTimeoutSeconds:      120,
		LeaderboardFloorSeconds: 60,
		LeaderboardUserBatch:    100,
		SyncIntervalSeconds:     600,
		Workers:                 8,
	}
}

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if HACKATIME_CONFIG is set
//  3. env (prefix HACKATIME_)
func Load() (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("HACKATIME_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// Environment variables: HACKATIME_ADDR, HACKATIME_DATABASE_URL, ...
	// Preserve underscores to match koanf tags on the struct.
	envProvider := env.Provider("HACKATIME_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "hackatime_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, err
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, err
	}

	if cfg.Addr == "" {
		return nil, errors.New("addr must not be empty")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url must not be empty")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt_secret must not be empty")
	}
	return &cfg, nil
}
