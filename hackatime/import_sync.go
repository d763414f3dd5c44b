// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// ImportStore is the persistence surface the import engine needs. *Service
// implements it.
type ImportStore interface {
	GetImportSource(ctx context.Context, id int64) (*ImportSource, error)
	UpdateImportSource(ctx context.Context, src *ImportSource) error
	SyncableSourceIDs(ctx context.Context) ([]int64, error)
	InsertOrCoalesce(ctx context.Context, batch []Heartbeat) (int, error)
}

// wakatimeAPI is what the engine needs from the remote service client.
type wakatimeAPI interface {
	EarliestStartDate(ctx context.Context) (*time.Time, error)
	HeartbeatsForDay(ctx context.Context, day time.Time) ([]ExternalHeartbeat, error)
}

// ImportEngine drives the per-source inbound state machine:
//
//	idle -> backfilling -> syncing
//
// with paused (credentials rejected) and failed (terminal request error)
// reachable from anywhere. Backfill advances a bounded day window per
// invocation and re-enqueues itself until it catches up.
type ImportEngine struct {
	store     ImportStore
	scheduler Scheduler
	config    *ServiceConfig
	logger    *slog.Logger

	// newClient is swapped in tests.
	newClient func(endpointURL, apiKey string) wakatimeAPI
}

// NewImportEngine wires an engine. scheduler may be nil when re-enqueueing is
// driven externally.
func NewImportEngine(store ImportStore, scheduler Scheduler, config *ServiceConfig, logger *slog.Logger) *ImportEngine {
	if config == nil {
		config = &ServiceConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportEngine{
		store:     store,
		scheduler: scheduler,
		config:    config,
		logger:    logger,
		newClient: func(endpointURL, apiKey string) wakatimeAPI {
			return NewWakatimeClient(endpointURL, apiKey, &http.Client{Timeout: 30 * time.Second})
		},
	}
}

// EnqueueAll offers a sync job for every syncable source. Sources already
// mid-run are dropped by the scheduler's key collision rule.
func (e *ImportEngine) EnqueueAll(ctx context.Context) error {
	ids, err := e.store.SyncableSourceIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		e.enqueueSource(id)
	}
	return nil
}

func (e *ImportEngine) enqueueSource(id int64) {
	if e.scheduler == nil {
		return
	}
	sourceID := id
	e.scheduler.Enqueue(Job{
		Type: "import_sync",
		Key:  sourceJobKey(sourceID),
		Run: func(ctx context.Context) error {
			return e.RunSourceSync(ctx, sourceID)
		},
	})
}

// RunSourceSync executes one sync invocation for a source. A transient
// failure is recorded and re-raised so the scheduler retries it; auth and
// terminal failures are recorded and swallowed.
func (e *ImportEngine) RunSourceSync(ctx context.Context, sourceID int64) error {
	src, err := e.store.GetImportSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src == nil || !src.SyncEnabled {
		return nil
	}

	client := e.newClient(src.EndpointURL, src.APIKey)
	runErr := e.runStateMachine(ctx, src, client)
	if runErr == nil {
		return nil
	}
	return e.recordFailure(ctx, src, runErr)
}

func (e *ImportEngine) runStateMachine(ctx context.Context, src *ImportSource, client wakatimeAPI) error {
	switch src.Status {
	case StatusIdle:
		if err := e.initializeBackfill(ctx, src, client); err != nil {
			return err
		}
		if src.Status != StatusBackfilling {
			return nil
		}
		return e.advanceBackfill(ctx, src, client)
	case StatusBackfilling, StatusFailed:
		return e.advanceBackfill(ctx, src, client)
	case StatusSyncing:
		return e.steadySync(ctx, src, client)
	case StatusPaused:
		return nil
	default:
		return nil
	}
}

// initializeBackfill determines the historical range and moves the source to
// backfilling. A service that reports no start date has no history to pull,
// so the source goes straight to steady syncing.
func (e *ImportEngine) initializeBackfill(ctx context.Context, src *ImportSource, client wakatimeAPI) error {
	start := src.InitialBackfillStartDate
	if start == nil {
		remote, err := client.EarliestStartDate(ctx)
		if err != nil {
			return err
		}
		start = remote
	}
	if start == nil {
		src.Status = StatusSyncing
		e.logger.Info("Import source has no history, skipping backfill", "source_id", src.ID)
		return e.store.UpdateImportSource(ctx, src)
	}

	today := truncateToDay(time.Now().UTC())
	startDay := truncateToDay(*start)
	src.InitialBackfillStartDate = &startDay
	src.InitialBackfillEndDate = &today
	src.BackfillCursorDate = &startDay
	src.Status = StatusBackfilling
	e.logger.Info("Import backfill initialized",
		"source_id", src.ID,
		"start", startDay.Format("2006-01-02"),
		"end", today.Format("2006-01-02"))
	return e.store.UpdateImportSource(ctx, src)
}

// advanceBackfill pulls up to the configured window of days from the cursor,
// then either finishes into syncing or re-enqueues for the next window.
func (e *ImportEngine) advanceBackfill(ctx context.Context, src *ImportSource, client wakatimeAPI) error {
	if src.BackfillCursorDate == nil || src.InitialBackfillEndDate == nil {
		if src.LastSyncedAt != nil {
			// The cursor is only cleared once backfill finishes, so this
			// source failed during steady sync. Resume there instead of
			// re-importing its whole history.
			return e.steadySync(ctx, src, client)
		}
		// Failed before the range was established; start over.
		src.Status = StatusIdle
		if err := e.store.UpdateImportSource(ctx, src); err != nil {
			return err
		}
		return e.runStateMachine(ctx, src, client)
	}

	src.Status = StatusBackfilling
	cursor := truncateToDay(*src.BackfillCursorDate)
	end := truncateToDay(*src.InitialBackfillEndDate)

	for i := 0; i < e.config.BackfillWindowDays && !cursor.After(end); i++ {
		if err := e.syncDay(ctx, src, client, cursor); err != nil {
			return err
		}
		cursor = cursor.AddDate(0, 0, 1)
		src.BackfillCursorDate = &cursor
		if err := e.store.UpdateImportSource(ctx, src); err != nil {
			return err
		}
	}

	if cursor.After(end) {
		src.Status = StatusSyncing
		src.BackfillCursorDate = nil
		now := time.Now()
		src.LastSyncedAt = &now
		src.ConsecutiveFailures = 0
		e.logger.Info("Import backfill complete", "source_id", src.ID)
		return e.store.UpdateImportSource(ctx, src)
	}

	// More history remains; yield the worker and continue on the next run.
	e.enqueueSource(src.ID)
	return nil
}

// steadySync re-pulls yesterday and today. Re-pulling yesterday closes the
// window where late-arriving remote rows would otherwise be missed; dedup by
// content hash keeps the re-pull idempotent.
func (e *ImportEngine) steadySync(ctx context.Context, src *ImportSource, client wakatimeAPI) error {
	today := truncateToDay(time.Now().UTC())
	for _, day := range []time.Time{today.AddDate(0, 0, -1), today} {
		if err := e.syncDay(ctx, src, client, day); err != nil {
			return err
		}
	}
	now := time.Now()
	src.Status = StatusSyncing
	src.LastSyncedAt = &now
	src.ConsecutiveFailures = 0
	src.LastErrorMessage = nil
	src.LastErrorAt = nil
	return e.store.UpdateImportSource(ctx, src)
}

// syncDay fetches one remote day, normalizes the rows and upserts them.
// Malformed rows are skipped and logged, never fatal.
func (e *ImportEngine) syncDay(ctx context.Context, src *ImportSource, client wakatimeAPI, day time.Time) error {
	rows, err := client.HeartbeatsForDay(ctx, day)
	if err != nil {
		return err
	}
	importRowsFetched.Add(float64(len(rows)))

	batch := make([]Heartbeat, 0, len(rows))
	skipped := 0
	for i := range rows {
		hb, ok := normalizeExternalRow(src.UserID, &rows[i])
		if !ok {
			skipped++
			continue
		}
		batch = append(batch, hb)
	}
	if skipped > 0 {
		e.logger.Warn("Skipped malformed imported rows",
			"source_id", src.ID, "day", day.Format("2006-01-02"), "skipped", skipped)
	}

	inserted, err := e.store.InsertOrCoalesce(ctx, batch)
	if err != nil {
		return err
	}
	e.logger.Debug("Imported remote day",
		"source_id", src.ID, "day", day.Format("2006-01-02"),
		"fetched", len(rows), "inserted", inserted)
	return nil
}

// recordFailure applies the failure taxonomy to the source record. The
// returned error is non-nil only for transient failures, which the scheduler
// retries.
func (e *ImportEngine) recordFailure(ctx context.Context, src *ImportSource, runErr error) error {
	now := time.Now()
	msg := runErr.Error()
	src.LastErrorMessage = &msg
	src.LastErrorAt = &now

	switch {
	case IsAuthenticationError(runErr):
		src.SyncEnabled = false
		src.Status = StatusPaused
		e.logger.Warn("Import source credentials rejected, sync disabled",
			"source_id", src.ID, "error", runErr)
		if err := e.store.UpdateImportSource(ctx, src); err != nil {
			return err
		}
		return nil
	case IsTransientError(runErr):
		src.ConsecutiveFailures++
		if src.Status != StatusBackfilling {
			src.Status = StatusFailed
		}
		if err := e.store.UpdateImportSource(ctx, src); err != nil {
			return err
		}
		return runErr
	default:
		src.Status = StatusFailed
		e.logger.Error("Import source sync failed", "source_id", src.ID, "error", runErr)
		if err := e.store.UpdateImportSource(ctx, src); err != nil {
			return err
		}
		return nil
	}
}

// normalizeExternalRow converts one remote row into a local heartbeat fact.
// Returns ok=false when no usable timestamp can be recovered.
func normalizeExternalRow(userID int64, row *ExternalHeartbeat) (Heartbeat, bool) {
	ts, ok := normalizeTimestamp(row.Time)
	if !ok && row.CreatedAt != nil {
		if parsed, err := parseLooseDate(*row.CreatedAt); err == nil {
			ts, ok = float64(parsed.Unix()), true
		}
	}
	if !ok {
		return Heartbeat{}, false
	}

	category := row.Category
	if category == nil || *category == "" {
		def := "coding"
		category = &def
	}

	hb := Heartbeat{
		UserID:           userID,
		Time:             ts,
		Entity:           row.Entity,
		Type:             row.Type,
		Category:         category,
		Project:          row.Project,
		Branch:           row.Branch,
		Language:         row.Language,
		Editor:           row.Editor,
		OperatingSystem:  row.OperatingSystem,
		Machine:          row.Machine,
		UserAgent:        row.UserAgent,
		LineAdditions:    row.LineAdditions,
		LineDeletions:    row.LineDeletions,
		Lineno:           row.Lineno,
		Lines:            row.Lines,
		Cursorpos:        row.Cursorpos,
		ProjectRootCount: row.ProjectRootCount,
		Dependencies:     row.Dependencies,
		IsWrite:          row.IsWrite,
		SourceType:       SourceWakapiImport,
	}
	hb.FieldsHash = GenerateFieldsHash(&hb)
	return hb, true
}

// normalizeTimestamp accepts the timestamp shapes remote services send:
// epoch seconds, epoch milliseconds (recognized by magnitude), or a
// timestamp string.
func normalizeTimestamp(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return 0, false
		}
		if t > 1_000_000_000_000 {
			return t / 1000, true
		}
		return t, true
	case string:
		parsed, err := parseLooseDate(t)
		if err != nil {
			return 0, false
		}
		return float64(parsed.Unix()), true
	default:
		return 0, false
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
