// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImportStore struct {
	sources  map[int64]*ImportSource
	inserted []Heartbeat
	updates  int
}

func newFakeImportStore(srcs ...*ImportSource) *fakeImportStore {
	s := &fakeImportStore{sources: map[int64]*ImportSource{}}
	for _, src := range srcs {
		s.sources[src.ID] = src
	}
	return s
}

func (s *fakeImportStore) GetImportSource(_ context.Context, id int64) (*ImportSource, error) {
	src, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	cp := *src
	return &cp, nil
}

func (s *fakeImportStore) UpdateImportSource(_ context.Context, src *ImportSource) error {
	cp := *src
	s.sources[src.ID] = &cp
	s.updates++
	return nil
}

func (s *fakeImportStore) SyncableSourceIDs(context.Context) ([]int64, error) {
	var ids []int64
	for id, src := range s.sources {
		if src.SyncEnabled && src.Status != StatusPaused {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeImportStore) InsertOrCoalesce(_ context.Context, batch []Heartbeat) (int, error) {
	s.inserted = append(s.inserted, batch...)
	return len(batch), nil
}

type fakeWakatimeAPI struct {
	startDate   *time.Time
	rows        map[string][]ExternalHeartbeat
	dayErr      error
	daysFetched []string
}

func (a *fakeWakatimeAPI) EarliestStartDate(context.Context) (*time.Time, error) {
	return a.startDate, nil
}

func (a *fakeWakatimeAPI) HeartbeatsForDay(_ context.Context, day time.Time) ([]ExternalHeartbeat, error) {
	if a.dayErr != nil {
		return nil, a.dayErr
	}
	key := day.Format("2006-01-02")
	a.daysFetched = append(a.daysFetched, key)
	return a.rows[key], nil
}

type fakeScheduler struct {
	enqueued []Job
}

func (s *fakeScheduler) Enqueue(job Job) bool {
	s.enqueued = append(s.enqueued, job)
	return true
}

func newTestEngine(store *fakeImportStore, api wakatimeAPI, sched Scheduler) *ImportEngine {
	engine := NewImportEngine(store, sched, &ServiceConfig{}, slog.Default())
	engine.newClient = func(string, string) wakatimeAPI { return api }
	return engine
}

func testSource(status SourceStatus) *ImportSource {
	return &ImportSource{
		ID:          7,
		UserID:      42,
		EndpointURL: "https://wakapi.example.com/api",
		APIKey:      "k",
		SyncEnabled: true,
		Status:      status,
	}
}

func TestImportEngine_BackfillAdvancesWindowAndFinishes(t *testing.T) {
	start := truncateToDay(time.Now().UTC()).AddDate(0, 0, -7)
	api := &fakeWakatimeAPI{startDate: &start}
	sched := &fakeScheduler{}
	store := newFakeImportStore(testSource(StatusIdle))
	engine := newTestEngine(store, api, sched)

	// First run: initializes the range and pulls one window of days.
	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	src := store.sources[7]
	assert.Equal(t, StatusBackfilling, src.Status)
	require.NotNil(t, src.BackfillCursorDate)
	assert.Equal(t, start.AddDate(0, 0, 5).Format("2006-01-02"),
		src.BackfillCursorDate.Format("2006-01-02"))
	assert.Len(t, api.daysFetched, 5)
	require.Len(t, sched.enqueued, 1) // more history remains

	// Second run: remaining three days, then steady state.
	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	src = store.sources[7]
	assert.Equal(t, StatusSyncing, src.Status)
	assert.Nil(t, src.BackfillCursorDate)
	assert.NotNil(t, src.LastSyncedAt)
	assert.Len(t, api.daysFetched, 8) // 8 day units start..today inclusive
}

func TestImportEngine_NoHistorySkipsBackfill(t *testing.T) {
	api := &fakeWakatimeAPI{startDate: nil}
	store := newFakeImportStore(testSource(StatusIdle))
	engine := newTestEngine(store, api, nil)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	assert.Equal(t, StatusSyncing, store.sources[7].Status)
	assert.Empty(t, api.daysFetched)
}

func TestImportEngine_SteadySyncPullsYesterdayAndToday(t *testing.T) {
	today := truncateToDay(time.Now().UTC())
	api := &fakeWakatimeAPI{rows: map[string][]ExternalHeartbeat{}}
	src := testSource(StatusSyncing)
	src.ConsecutiveFailures = 3
	store := newFakeImportStore(src)
	engine := newTestEngine(store, api, nil)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	assert.Equal(t, []string{
		today.AddDate(0, 0, -1).Format("2006-01-02"),
		today.Format("2006-01-02"),
	}, api.daysFetched)

	updated := store.sources[7]
	assert.Equal(t, StatusSyncing, updated.Status)
	assert.Zero(t, updated.ConsecutiveFailures)
	assert.NotNil(t, updated.LastSyncedAt)
}

func TestImportEngine_AuthFailureDisablesAndPauses(t *testing.T) {
	api := &fakeWakatimeAPI{dayErr: &AuthenticationError{Status: 401}}
	store := newFakeImportStore(testSource(StatusSyncing))
	engine := newTestEngine(store, api, nil)

	// Auth failures are terminal for the run but not an error to retry.
	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	src := store.sources[7]
	assert.False(t, src.SyncEnabled)
	assert.Equal(t, StatusPaused, src.Status)
	assert.NotNil(t, src.LastErrorMessage)
}

func TestImportEngine_TransientFailureIsReRaised(t *testing.T) {
	api := &fakeWakatimeAPI{dayErr: &TransientError{Status: 503}}
	src := testSource(StatusBackfilling)
	now := truncateToDay(time.Now().UTC())
	src.BackfillCursorDate = &now
	src.InitialBackfillEndDate = &now
	store := newFakeImportStore(src)
	engine := newTestEngine(store, api, nil)

	err := engine.RunSourceSync(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, IsTransientError(err))

	updated := store.sources[7]
	assert.True(t, updated.SyncEnabled)
	assert.Equal(t, StatusBackfilling, updated.Status) // mid-backfill keeps its state
	assert.Equal(t, 1, updated.ConsecutiveFailures)
}

func TestImportEngine_TransientFailureInSteadyStateMarksFailed(t *testing.T) {
	api := &fakeWakatimeAPI{dayErr: &TransientError{Status: 500}}
	store := newFakeImportStore(testSource(StatusSyncing))
	engine := newTestEngine(store, api, nil)

	err := engine.RunSourceSync(context.Background(), 7)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, store.sources[7].Status)
}

func TestImportEngine_FailedSourceResumesSteadySync(t *testing.T) {
	// A source that already finished its backfill and then failed in steady
	// state must pick up where it left off, not re-import its history.
	today := truncateToDay(time.Now().UTC())
	start := today.AddDate(0, 0, -30)
	src := testSource(StatusFailed)
	src.InitialBackfillStartDate = &start
	src.InitialBackfillEndDate = &today
	synced := today.AddDate(0, 0, -1)
	src.LastSyncedAt = &synced
	src.ConsecutiveFailures = 2

	api := &fakeWakatimeAPI{rows: map[string][]ExternalHeartbeat{}}
	sched := &fakeScheduler{}
	store := newFakeImportStore(src)
	engine := newTestEngine(store, api, sched)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	assert.Equal(t, []string{
		today.AddDate(0, 0, -1).Format("2006-01-02"),
		today.Format("2006-01-02"),
	}, api.daysFetched)

	updated := store.sources[7]
	assert.Equal(t, StatusSyncing, updated.Status)
	assert.Zero(t, updated.ConsecutiveFailures)
	assert.Nil(t, updated.LastErrorMessage)
	assert.Empty(t, sched.enqueued)
	// The recorded backfill range survives untouched.
	assert.Equal(t, start, *updated.InitialBackfillStartDate)
}

func TestImportEngine_FailedSourceThatNeverSyncedRestartsBackfill(t *testing.T) {
	start := truncateToDay(time.Now().UTC()).AddDate(0, 0, -2)
	api := &fakeWakatimeAPI{startDate: &start, rows: map[string][]ExternalHeartbeat{}}
	store := newFakeImportStore(testSource(StatusFailed))
	engine := newTestEngine(store, api, nil)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	updated := store.sources[7]
	assert.Equal(t, StatusSyncing, updated.Status) // 3 days fit in one window
	assert.Equal(t, start.Format("2006-01-02"), api.daysFetched[0])
}

func TestImportEngine_TerminalFailureIsSwallowed(t *testing.T) {
	api := &fakeWakatimeAPI{dayErr: &RequestError{Status: 404}}
	store := newFakeImportStore(testSource(StatusSyncing))
	engine := newTestEngine(store, api, nil)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	src := store.sources[7]
	assert.Equal(t, StatusFailed, src.Status)
	assert.True(t, src.SyncEnabled) // not an auth problem, keep enabled
}

func TestImportEngine_DisabledSourceIsIgnored(t *testing.T) {
	src := testSource(StatusSyncing)
	src.SyncEnabled = false
	api := &fakeWakatimeAPI{}
	store := newFakeImportStore(src)
	engine := newTestEngine(store, api, nil)

	require.NoError(t, engine.RunSourceSync(context.Background(), 7))
	assert.Empty(t, api.daysFetched)
}

func TestNormalizeExternalRow(t *testing.T) {
	entity := "main.go"

	t.Run("epoch_seconds", func(t *testing.T) {
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{Entity: &entity, Time: 1700000000.0})
		require.True(t, ok)
		assert.Equal(t, 1700000000.0, hb.Time)
		assert.Equal(t, int64(42), hb.UserID)
		assert.Equal(t, SourceWakapiImport, hb.SourceType)
		assert.NotEmpty(t, hb.FieldsHash)
	})

	t.Run("epoch_millis_scaled_down", func(t *testing.T) {
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{Time: 1700000000000.0})
		require.True(t, ok)
		assert.Equal(t, 1700000000.0, hb.Time)
	})

	t.Run("iso_string", func(t *testing.T) {
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{Time: "2026-01-15T10:30:00Z"})
		require.True(t, ok)
		expected := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
		assert.Equal(t, float64(expected.Unix()), hb.Time)
	})

	t.Run("created_at_fallback", func(t *testing.T) {
		created := "2026-01-15T08:00:00Z"
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{CreatedAt: &created})
		require.True(t, ok)
		assert.Greater(t, hb.Time, 0.0)
	})

	t.Run("no_timestamp_is_rejected", func(t *testing.T) {
		_, ok := normalizeExternalRow(42, &ExternalHeartbeat{Entity: &entity})
		assert.False(t, ok)
	})

	t.Run("category_defaults_to_coding", func(t *testing.T) {
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{Time: 1700000000.0})
		require.True(t, ok)
		require.NotNil(t, hb.Category)
		assert.Equal(t, "coding", *hb.Category)
	})

	t.Run("existing_category_is_kept", func(t *testing.T) {
		cat := "debugging"
		hb, ok := normalizeExternalRow(42, &ExternalHeartbeat{Time: 1700000000.0, Category: &cat})
		require.True(t, ok)
		assert.Equal(t, "debugging", *hb.Category)
	})
}
