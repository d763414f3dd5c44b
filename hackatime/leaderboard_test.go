// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBoardStore struct {
	mu         sync.Mutex
	boards     []*Leaderboard
	nextID     int64
	events     []Heartbeat
	users      []int64
	tzUsers    map[int][]int64
	streaks    map[int64]int
	findWait   chan struct{} // when set, FindBoard blocks until closed
	superseded int
}

func (s *fakeBoardStore) FindBoard(_ context.Context, period PeriodType, startDate time.Time, offset *int) (*Leaderboard, error) {
	if s.findWait != nil {
		<-s.findWait
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.boards) - 1; i >= 0; i-- {
		b := s.boards[i]
		if b.PeriodType == period && b.StartDate.Equal(startDate) && b.DeletedAt == nil &&
			intPtrEq(b.TimezoneUTCOffset, offset) {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeBoardStore) CreateBoardWithEntries(_ context.Context, board *Leaderboard, entries []LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	board.ID = s.nextID
	board.CreatedAt = time.Now()
	board.Entries = entries
	cp := *board
	s.boards = append(s.boards, &cp)
	return nil
}

func (s *fakeBoardStore) FinishBoard(_ context.Context, boardID int64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, b := range s.boards {
		if b.ID == boardID {
			b.FinishedGeneratingAt = &now
		}
	}
	return now, nil
}

func (s *fakeBoardStore) SupersedeOlderBoards(_ context.Context, period PeriodType, startDate time.Time, offset *int, keepID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, b := range s.boards {
		if b.PeriodType == period && b.StartDate.Equal(startDate) &&
			intPtrEq(b.TimezoneUTCOffset, offset) && b.ID != keepID && b.DeletedAt == nil {
			b.DeletedAt = &now
			s.superseded++
		}
	}
	return nil
}

func (s *fakeBoardStore) RangeQuery(_ context.Context, spec QuerySpec) ([]Heartbeat, error) {
	want := map[int64]bool{}
	for _, id := range spec.UserIDs {
		want[id] = true
	}
	var out []Heartbeat
	for _, hb := range s.events {
		if want[hb.UserID] && hb.Time >= spec.Start && hb.Time < spec.End {
			out = append(out, hb)
		}
	}
	return out, nil
}

func (s *fakeBoardStore) EligibleUserIDs(context.Context) ([]int64, error) {
	return s.users, nil
}

func (s *fakeBoardStore) UsersInTimezoneOffset(_ context.Context, offset int) ([]int64, error) {
	return s.tzUsers[offset], nil
}

func (s *fakeBoardStore) StreaksForUsers(_ context.Context, ids []int64, _ time.Time) (map[int64]int, error) {
	out := map[int64]int{}
	for _, id := range ids {
		out[id] = s.streaks[id]
	}
	return out, nil
}

func intPtrEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func boardTestDate() time.Time {
	return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
}

// eventsFor seeds n capped minutes of activity for a user on the test date.
func eventsFor(userID int64, minutes int) []Heartbeat {
	base := float64(boardTestDate().Unix()) + 3600
	var out []Heartbeat
	for i := 0; i <= minutes; i++ {
		out = append(out, hb(userID, base+float64(i*60)))
	}
	return out
}

func newBoardBuilder(store *fakeBoardStore) *LeaderboardBuilder {
	return NewLeaderboardBuilder(store, nil, &ServiceConfig{}, slog.Default())
}

func TestLeaderboardBuilder_BuildsAndRanks(t *testing.T) {
	store := &fakeBoardStore{
		users:   []int64{1, 2, 3},
		streaks: map[int64]int{1: 4, 2: 0},
	}
	store.events = append(store.events, eventsFor(1, 30)...) // 30 min
	store.events = append(store.events, eventsFor(2, 10)...) // 10 min
	// User 3 has 30 seconds, below the one-minute floor.
	base := float64(boardTestDate().Unix()) + 3600
	store.events = append(store.events, hb(3, base), hb(3, base+30))

	builder := newBoardBuilder(store)
	board, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)
	require.True(t, board.Finished())

	require.Len(t, board.Entries, 2)
	assert.Equal(t, int64(1), board.Entries[0].UserID)
	assert.Equal(t, int64(1800), board.Entries[0].TotalSeconds)
	assert.Equal(t, 4, board.Entries[0].StreakCount)
	assert.Equal(t, int64(2), board.Entries[1].UserID)
}

func TestLeaderboardBuilder_FloorIsExclusive(t *testing.T) {
	store := &fakeBoardStore{users: []int64{1}, streaks: map[int64]int{}}
	// Exactly 60 seconds of activity: not strictly above the floor.
	base := float64(boardTestDate().Unix()) + 3600
	store.events = []Heartbeat{hb(1, base), hb(1, base+60)}

	builder := newBoardBuilder(store)
	board, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)
	assert.Empty(t, board.Entries)
}

func TestLeaderboardBuilder_FinishedBoardShortCircuits(t *testing.T) {
	store := &fakeBoardStore{users: []int64{1}, streaks: map[int64]int{}}
	store.events = eventsFor(1, 10)

	builder := newBoardBuilder(store)
	first, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)

	second, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.boards, 1)
}

func TestLeaderboardBuilder_ForceRebuildSupersedes(t *testing.T) {
	store := &fakeBoardStore{users: []int64{1}, streaks: map[int64]int{}}
	store.events = eventsFor(1, 10)

	builder := newBoardBuilder(store)
	first, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)

	second, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, store.superseded)

	// Only the new board remains live.
	current, err := store.FindBoard(context.Background(), PeriodDaily, NormalizeBoardDate(boardTestDate()), nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestLeaderboardBuilder_ConcurrentBuildIsDropped(t *testing.T) {
	store := &fakeBoardStore{
		users:    []int64{1},
		streaks:  map[int64]int{},
		findWait: make(chan struct{}),
	}
	store.events = eventsFor(1, 10)
	builder := newBoardBuilder(store)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
		done <- err
	}()
	<-started
	// Wait for the first build to take the key and block inside the store.
	for {
		if !builder.tryLock(boardJobKey(PeriodDaily, NormalizeBoardDate(boardTestDate()), nil)) {
			break
		}
		builder.unlock(boardJobKey(PeriodDaily, NormalizeBoardDate(boardTestDate()), nil))
		time.Sleep(time.Millisecond)
	}

	_, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	assert.ErrorIs(t, err, ErrBuildInProgress)

	close(store.findWait)
	require.NoError(t, <-done)
}

func TestLeaderboardBuilder_Last7DaysWindow(t *testing.T) {
	store := &fakeBoardStore{users: []int64{1}, streaks: map[int64]int{}}
	// Activity five days before the board date still counts for last_7_days.
	old := float64(boardTestDate().AddDate(0, 0, -5).Unix()) + 3600
	for i := 0; i <= 10; i++ {
		store.events = append(store.events, hb(1, old+float64(i*60)))
	}

	builder := newBoardBuilder(store)
	weekly, err := builder.Build(context.Background(), PeriodLast7Days, boardTestDate(), false)
	require.NoError(t, err)
	require.Len(t, weekly.Entries, 1)
	assert.Equal(t, int64(600), weekly.Entries[0].TotalSeconds)

	daily, err := builder.Build(context.Background(), PeriodDaily, boardTestDate(), false)
	require.NoError(t, err)
	assert.Empty(t, daily.Entries)
}

func TestLeaderboardBuilder_TimezoneBoardIsNotPersisted(t *testing.T) {
	store := &fakeBoardStore{
		users:   []int64{1},
		streaks: map[int64]int{},
		tzUsers: map[int][]int64{-5: {1}},
	}
	store.events = eventsFor(1, 10)

	builder := newBoardBuilder(store)
	board, err := builder.BuildTimezone(context.Background(), PeriodDaily, boardTestDate(), -5)
	require.NoError(t, err)
	require.NotNil(t, board)
	require.NotNil(t, board.TimezoneUTCOffset)
	assert.Equal(t, -5, *board.TimezoneUTCOffset)
	assert.True(t, board.Finished())

	// Virtual boards never hit the persistent store.
	assert.Empty(t, store.boards)
}

func TestNormalizeBoardDate(t *testing.T) {
	loc := time.FixedZone("plus5", 5*3600)
	ts := time.Date(2026, 8, 30, 2, 30, 0, 0, loc) // 2026-08-29 21:30 UTC
	normalized := NormalizeBoardDate(ts)
	assert.Equal(t, "2026-08-29", normalized.Format("2006-01-02"))
	assert.Equal(t, time.UTC, normalized.Location())
}
