// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LeaderboardStore is the persistence surface the builder needs. *Service
// implements it; tests substitute an in-memory fake.
type LeaderboardStore interface {
	FindBoard(ctx context.Context, period PeriodType, startDate time.Time, offset *int) (*Leaderboard, error)
	CreateBoardWithEntries(ctx context.Context, board *Leaderboard, entries []LeaderboardEntry) error
	FinishBoard(ctx context.Context, boardID int64) (time.Time, error)
	SupersedeOlderBoards(ctx context.Context, period PeriodType, startDate time.Time, offset *int, keepID int64) error

	RangeQuery(ctx context.Context, spec QuerySpec) ([]Heartbeat, error)
	EligibleUserIDs(ctx context.Context) ([]int64, error)
	UsersInTimezoneOffset(ctx context.Context, offset int) ([]int64, error)
	StreaksForUsers(ctx context.Context, userIDs []int64, now time.Time) (map[int64]int, error)
}

// LeaderboardBuilder materializes leaderboards. Builds are idempotent per
// (period, normalized date, offset): a completed board short-circuits, and a
// build racing an in-flight one for the same identity is dropped with
// ErrBuildInProgress rather than queued.
type LeaderboardBuilder struct {
	store  LeaderboardStore
	cache  *LeaderboardCache // optional
	config *ServiceConfig
	logger *slog.Logger

	mu       sync.Mutex
	building map[string]struct{}
}

// NewLeaderboardBuilder wires a builder. cache may be nil.
func NewLeaderboardBuilder(store LeaderboardStore, cache *LeaderboardCache, config *ServiceConfig, logger *slog.Logger) *LeaderboardBuilder {
	if config == nil {
		config = &ServiceConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderboardBuilder{
		store:    store,
		cache:    cache,
		config:   config,
		logger:   logger,
		building: map[string]struct{}{},
	}
}

// NormalizeBoardDate truncates to a UTC calendar date, the canonical identity
// form. Any two timestamps on the same UTC day name the same board.
func NormalizeBoardDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// periodWindow is the half-open epoch range a board aggregates over, in the
// given location. Daily covers the date itself; last_7_days covers the date
// and the six days before it.
func periodWindow(period PeriodType, startDate time.Time, loc *time.Location) (float64, float64) {
	day := time.Date(startDate.Year(), startDate.Month(), startDate.Day(), 0, 0, 0, 0, loc)
	end := day.AddDate(0, 0, 1)
	begin := day
	if period == PeriodLast7Days {
		begin = day.AddDate(0, 0, -6)
	}
	return float64(begin.Unix()), float64(end.Unix())
}

// Build creates (or returns) the global board for the period and date.
// A finished board is returned as-is unless force is set. Returns
// ErrBuildInProgress when another build for the same identity is running.
func (b *LeaderboardBuilder) Build(ctx context.Context, period PeriodType, date time.Time, force bool) (*Leaderboard, error) {
	startDate := NormalizeBoardDate(date)
	key := boardJobKey(period, startDate, nil)
	if !b.tryLock(key) {
		leaderboardBuilds.WithLabelValues(period.String(), "dropped").Inc()
		return nil, ErrBuildInProgress
	}
	defer b.unlock(key)

	existing, err := b.store.FindBoard(ctx, period, startDate, nil)
	if err != nil {
		return nil, err
	}
	if existing.Finished() && !force {
		leaderboardBuilds.WithLabelValues(period.String(), "cached").Inc()
		return existing, nil
	}

	users, err := b.store.EligibleUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := b.computeEntries(ctx, users, period, startDate, time.UTC)
	if err != nil {
		return nil, err
	}

	board := &Leaderboard{StartDate: startDate, PeriodType: period}
	if err := b.persist(ctx, board, entries); err != nil {
		return nil, err
	}
	if b.cache != nil {
		if err := b.cache.PutBoard(ctx, board); err != nil {
			b.logger.Warn("Leaderboard cache write failed", "error", err)
		}
	}
	leaderboardBuilds.WithLabelValues(period.String(), "built").Inc()
	b.logger.Info("Leaderboard built",
		"period", period.String(), "start_date", startDate.Format("2006-01-02"),
		"entries", len(entries))
	return board, nil
}

// BuildTimezone computes a virtual board scoped to users whose timezone
// currently sits at the given UTC offset. Virtual boards live only in the
// cache; they are never persisted.
func (b *LeaderboardBuilder) BuildTimezone(ctx context.Context, period PeriodType, date time.Time, offset int) (*Leaderboard, error) {
	startDate := NormalizeBoardDate(date)
	key := boardJobKey(period, startDate, &offset)
	if !b.tryLock(key) {
		return nil, ErrBuildInProgress
	}
	defer b.unlock(key)

	if b.cache != nil {
		cached, err := b.cache.GetBoard(ctx, period, startDate, &offset)
		if err != nil {
			b.logger.Warn("Leaderboard cache read failed", "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	users, err := b.store.UsersInTimezoneOffset(ctx, offset)
	if err != nil {
		return nil, err
	}
	loc := time.FixedZone("utc_offset", offset*3600)
	entries, err := b.computeEntries(ctx, users, period, startDate, loc)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	board := &Leaderboard{
		StartDate:            startDate,
		PeriodType:           period,
		TimezoneUTCOffset:    &offset,
		FinishedGeneratingAt: &now,
		CreatedAt:            now,
		Entries:              entries,
	}
	if b.cache != nil {
		if err := b.cache.PutBoard(ctx, board); err != nil {
			b.logger.Warn("Leaderboard cache write failed", "error", err)
		}
	}
	return board, nil
}

// computeEntries aggregates the period window for the user population in
// fixed-size batches, applies the floor, and attaches streaks for the users
// who passed it.
func (b *LeaderboardBuilder) computeEntries(ctx context.Context, users []int64, period PeriodType, startDate time.Time, loc *time.Location) ([]LeaderboardEntry, error) {
	begin, end := periodWindow(period, startDate, loc)
	floor := b.config.LeaderboardFloor.Seconds()

	var passers []int64
	totals := map[int64]float64{}
	for batchStart := 0; batchStart < len(users); batchStart += b.config.LeaderboardUserBatch {
		batchEnd := batchStart + b.config.LeaderboardUserBatch
		if batchEnd > len(users) {
			batchEnd = len(users)
		}
		events, err := b.store.RangeQuery(ctx, QuerySpec{
			UserIDs: users[batchStart:batchEnd],
			Start:   begin,
			End:     end,
		})
		if err != nil {
			return nil, err
		}
		for uid, secs := range TotalSecondsPerUser(events, b.config.IdleTimeout) {
			if secs > floor {
				totals[uid] = secs
				passers = append(passers, uid)
			}
		}
	}

	streaks, err := b.store.StreaksForUsers(ctx, passers, time.Now())
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderboardEntry, 0, len(passers))
	for _, uid := range passers {
		entries = append(entries, LeaderboardEntry{
			UserID:       uid,
			TotalSeconds: int64(totals[uid]),
			StreakCount:  streaks[uid],
		})
	}
	sortEntries(entries)
	return entries, nil
}

// persist runs the three-step commit: create board plus entries atomically,
// stamp completion, then tombstone superseded boards for the same identity.
func (b *LeaderboardBuilder) persist(ctx context.Context, board *Leaderboard, entries []LeaderboardEntry) error {
	if err := b.store.CreateBoardWithEntries(ctx, board, entries); err != nil {
		return err
	}
	finished, err := b.store.FinishBoard(ctx, board.ID)
	if err != nil {
		return err
	}
	board.FinishedGeneratingAt = &finished
	return b.store.SupersedeOlderBoards(ctx, board.PeriodType, board.StartDate, board.TimezoneUTCOffset, board.ID)
}

func (b *LeaderboardBuilder) tryLock(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.building[key]; busy {
		return false
	}
	b.building[key] = struct{}{}
	return true
}

func (b *LeaderboardBuilder) unlock(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.building, key)
}

// sortEntries orders highest total first; user id breaks ties.
func sortEntries(entries []LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalSeconds != entries[j].TotalSeconds {
			return entries[i].TotalSeconds > entries[j].TotalSeconds
		}
		return entries[i].UserID < entries[j].UserID
	})
}
