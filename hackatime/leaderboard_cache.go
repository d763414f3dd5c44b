// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderboardCache is a Redis write-through cache for completed boards.
// Persisted global boards use it to skip database reads on the hot path;
// virtual timezone boards exist only here.
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLeaderboardCache wraps a Redis client. ttl <= 0 falls back to 10 minutes.
func NewLeaderboardCache(client *redis.Client, ttl time.Duration) *LeaderboardCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LeaderboardCache{client: client, ttl: ttl}
}

func boardCacheKey(period PeriodType, startDate time.Time, offset *int) string {
	if offset == nil {
		return fmt.Sprintf("hackatime:leaderboard:%s:%s", period, startDate.Format("2006-01-02"))
	}
	return fmt.Sprintf("hackatime:leaderboard:%s:%s:tz%d", period, startDate.Format("2006-01-02"), *offset)
}

// GetBoard returns the cached board, or nil on a miss.
func (c *LeaderboardCache) GetBoard(ctx context.Context, period PeriodType, startDate time.Time, offset *int) (*Leaderboard, error) {
	raw, err := c.client.Get(ctx, boardCacheKey(period, startDate, offset)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leaderboard cache get: %w", err)
	}
	var board Leaderboard
	if err := json.Unmarshal(raw, &board); err != nil {
		// A corrupt cache entry behaves like a miss.
		return nil, nil
	}
	return &board, nil
}

// PutBoard stores the board under its identity key with the cache TTL.
func (c *LeaderboardCache) PutBoard(ctx context.Context, board *Leaderboard) error {
	raw, err := json.Marshal(board)
	if err != nil {
		return err
	}
	key := boardCacheKey(board.PeriodType, board.StartDate, board.TimezoneUTCOffset)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("leaderboard cache set: %w", err)
	}
	return nil
}

// Debounce acquires a short-lived marker. It returns true when the caller won
// the slot and should proceed, false when a recent call already did.
func (c *LeaderboardCache) Debounce(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, "hackatime:debounce:"+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("debounce setnx: %w", err)
	}
	return ok, nil
}
