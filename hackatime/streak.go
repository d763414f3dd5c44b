// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"time"
)

// Streaks: a day qualifies when its gap-capped total exceeds the floor. The
// streak is the run of consecutive qualifying local days ending today, or
// ending yesterday when today has not qualified yet (an in-progress day does
// not break the streak).

// ComputeStreak counts the current streak from a user's per-day totals.
// dailyTotals is keyed "2006-01-02" in the user's local days.
func ComputeStreak(dailyTotals map[string]float64, now time.Time, loc *time.Location, floor time.Duration) int {
	if loc == nil {
		loc = time.UTC
	}
	floorSecs := floor.Seconds()
	qualifies := func(d time.Time) bool {
		return dailyTotals[d.Format("2006-01-02")] > floorSecs
	}

	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if !qualifies(day) {
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for qualifies(day) {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}

// StreaksForUsers computes current streaks for a batch of users with a single
// range read over the lookback window. Each user's events are bucketed into
// that user's local days.
func (s *Service) StreaksForUsers(ctx context.Context, userIDs []int64, now time.Time) (map[int64]int, error) {
	out := make(map[int64]int, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	users, err := s.UsersByID(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	// Widen by a day on each side so no timezone's local window is clipped.
	lookback := time.Duration(s.config.StreakLookbackDays+1) * 24 * time.Hour
	events, err := s.RangeQuery(ctx, QuerySpec{
		UserIDs: userIDs,
		Start:   float64(now.Add(-lookback).Unix()),
		End:     float64(now.Add(24 * time.Hour).Unix()),
	})
	if err != nil {
		return nil, err
	}

	byUser := map[int64][]Heartbeat{}
	for _, hb := range events {
		byUser[hb.UserID] = append(byUser[hb.UserID], hb)
	}

	for _, uid := range userIDs {
		loc := users[uid].Location()
		totals := DailyTotals(byUser[uid], s.config.IdleTimeout, loc)
		out[uid] = ComputeStreak(totals, now, loc, s.config.LeaderboardFloor)
	}
	return out, nil
}
