// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// QuerySpec is an explicit query specification for heartbeat range reads:
// filters plus a half-open time range, evaluated once by the store. Results
// are always ordered by (user_id, time) ascending, which is the ordering the
// aggregation components require.
type QuerySpec struct {
	UserIDs     []int64
	Start       float64 // inclusive, fractional epoch seconds
	End         float64 // exclusive
	SourceTypes []SourceType
	Category    string // optional exact match
	Project     string // optional exact match
}

const heartbeatColumns = `id, user_id, time, entity, type, category, project, branch, language,
	editor, operating_system, machine, user_agent, line_additions, line_deletions,
	lineno, lines, cursorpos, project_root_count, dependencies, is_write,
	source_type, fields_hash, created_at, deleted_at`

func scanHeartbeat(row pgx.CollectableRow) (Heartbeat, error) {
	var hb Heartbeat
	err := row.Scan(
		&hb.ID, &hb.UserID, &hb.Time, &hb.Entity, &hb.Type, &hb.Category,
		&hb.Project, &hb.Branch, &hb.Language, &hb.Editor, &hb.OperatingSystem,
		&hb.Machine, &hb.UserAgent, &hb.LineAdditions, &hb.LineDeletions,
		&hb.Lineno, &hb.Lines, &hb.Cursorpos, &hb.ProjectRootCount,
		&hb.Dependencies, &hb.IsWrite, &hb.SourceType, &hb.FieldsHash,
		&hb.CreatedAt, &hb.DeletedAt,
	)
	return hb, err
}

// CoalesceBatch collapses duplicate content hashes within one batch, keeping
// the candidate with the larger time for each hash. Heartbeats without a
// fields hash get one computed. Order of first appearance is preserved.
func CoalesceBatch(batch []Heartbeat) []Heartbeat {
	index := make(map[string]int, len(batch))
	out := make([]Heartbeat, 0, len(batch))
	for _, hb := range batch {
		if hb.FieldsHash == "" {
			hb.FieldsHash = GenerateFieldsHash(&hb)
		}
		if i, seen := index[hb.FieldsHash]; seen {
			if hb.Time > out[i].Time {
				out[i] = hb
			}
			continue
		}
		index[hb.FieldsHash] = len(out)
		out = append(out, hb)
	}
	return out
}

// InsertOrCoalesce upserts a batch of heartbeats by content hash. A row whose
// hash already exists among live rows is coalesced: the stored row keeps the
// larger time and nothing else changes. Replaying an identical batch is a
// no-op. Returns the number of newly inserted rows.
func (s *Service) InsertOrCoalesce(ctx context.Context, batch []Heartbeat) (int, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}
	batch = CoalesceBatch(batch)
	if len(batch) == 0 {
		return 0, nil
	}

	const q = `
		INSERT INTO heartbeats
			(user_id, time, entity, type, category, project, branch, language,
			 editor, operating_system, machine, user_agent, line_additions,
			 line_deletions, lineno, lines, cursorpos, project_root_count,
			 dependencies, is_write, source_type, fields_hash)
		VALUES
			(@user_id, @time, @entity, @type, @category, @project, @branch, @language,
			 @editor, @operating_system, @machine, @user_agent, @line_additions,
			 @line_deletions, @lineno, @lines, @cursorpos, @project_root_count,
			 @dependencies, @is_write, @source_type, @fields_hash)
		ON CONFLICT (fields_hash) WHERE deleted_at IS NULL
		DO UPDATE SET time = EXCLUDED.time
		WHERE EXCLUDED.time > heartbeats.time
		RETURNING (xmax = 0) AS inserted`

	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range batch {
			hb := &batch[i]
			deps := hb.Dependencies
			if deps == nil {
				deps = []string{}
			}
			args := pgx.NamedArgs{
				"user_id":            hb.UserID,
				"time":               hb.Time,
				"entity":             hb.Entity,
				"type":               hb.Type,
				"category":           hb.Category,
				"project":            hb.Project,
				"branch":             hb.Branch,
				"language":           hb.Language,
				"editor":             hb.Editor,
				"operating_system":   hb.OperatingSystem,
				"machine":            hb.Machine,
				"user_agent":         hb.UserAgent,
				"line_additions":     hb.LineAdditions,
				"line_deletions":     hb.LineDeletions,
				"lineno":             hb.Lineno,
				"lines":              hb.Lines,
				"cursorpos":          hb.Cursorpos,
				"project_root_count": hb.ProjectRootCount,
				"dependencies":       deps,
				"is_write":           hb.IsWrite,
				"source_type":        int(hb.SourceType),
				"fields_hash":        hb.FieldsHash,
			}
			var wasInsert bool
			err := tx.QueryRow(ctx, q, args).Scan(&wasInsert)
			if err == pgx.ErrNoRows {
				// Conflict with an equal-or-newer stored row: silent coalesce.
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to upsert heartbeat: %w", err)
			}
			if wasInsert {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	heartbeatsCoalesced.Add(float64(len(batch) - inserted))
	heartbeatsInserted.Add(float64(inserted))
	return inserted, nil
}

// InsertHeartbeat upserts a single heartbeat and reports whether a new row
// was created (as opposed to coalescing into an existing one). On creation
// the assigned id is written back to hb.
func (s *Service) InsertHeartbeat(ctx context.Context, hb *Heartbeat) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	if hb.FieldsHash == "" {
		hb.FieldsHash = GenerateFieldsHash(hb)
	}
	deps := hb.Dependencies
	if deps == nil {
		deps = []string{}
	}

	const q = `
		INSERT INTO heartbeats
			(user_id, time, entity, type, category, project, branch, language,
			 editor, operating_system, machine, user_agent, line_additions,
			 line_deletions, lineno, lines, cursorpos, project_root_count,
			 dependencies, is_write, source_type, fields_hash)
		VALUES
			(@user_id, @time, @entity, @type, @category, @project, @branch, @language,
			 @editor, @operating_system, @machine, @user_agent, @line_additions,
			 @line_deletions, @lineno, @lines, @cursorpos, @project_root_count,
			 @dependencies, @is_write, @source_type, @fields_hash)
		ON CONFLICT (fields_hash) WHERE deleted_at IS NULL
		DO UPDATE SET time = EXCLUDED.time
		WHERE EXCLUDED.time > heartbeats.time
		RETURNING id, (xmax = 0) AS inserted`

	var id int64
	var wasInsert bool
	err := s.pool.QueryRow(ctx, q, pgx.NamedArgs{
		"user_id":            hb.UserID,
		"time":               hb.Time,
		"entity":             hb.Entity,
		"type":               hb.Type,
		"category":           hb.Category,
		"project":            hb.Project,
		"branch":             hb.Branch,
		"language":           hb.Language,
		"editor":             hb.Editor,
		"operating_system":   hb.OperatingSystem,
		"machine":            hb.Machine,
		"user_agent":         hb.UserAgent,
		"line_additions":     hb.LineAdditions,
		"line_deletions":     hb.LineDeletions,
		"lineno":             hb.Lineno,
		"lines":              hb.Lines,
		"cursorpos":          hb.Cursorpos,
		"project_root_count": hb.ProjectRootCount,
		"dependencies":       deps,
		"is_write":           hb.IsWrite,
		"source_type":        int(hb.SourceType),
		"fields_hash":        hb.FieldsHash,
	}).Scan(&id, &wasInsert)
	if err == pgx.ErrNoRows {
		heartbeatsCoalesced.Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	if wasInsert {
		hb.ID = id
		heartbeatsInserted.Inc()
		return true, nil
	}
	heartbeatsCoalesced.Inc()
	return false, nil
}

// RangeQuery evaluates a QuerySpec and returns matching live heartbeats
// ordered by (user_id, time) ascending.
func (s *Service) RangeQuery(ctx context.Context, spec QuerySpec) ([]Heartbeat, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	where := []string{"deleted_at IS NULL"}
	args := pgx.NamedArgs{}

	if len(spec.UserIDs) > 0 {
		where = append(where, "user_id = ANY(@user_ids)")
		args["user_ids"] = spec.UserIDs
	}
	if spec.End > 0 {
		where = append(where, "time >= @start AND time < @end")
		args["start"] = spec.Start
		args["end"] = spec.End
	}
	if len(spec.SourceTypes) > 0 {
		types := make([]int, len(spec.SourceTypes))
		for i, st := range spec.SourceTypes {
			types[i] = int(st)
		}
		where = append(where, "source_type = ANY(@source_types)")
		args["source_types"] = types
	}
	if spec.Category != "" {
		where = append(where, "category = @category")
		args["category"] = spec.Category
	}
	if spec.Project != "" {
		where = append(where, "project = @project")
		args["project"] = spec.Project
	}

	q := fmt.Sprintf(`SELECT %s FROM heartbeats WHERE %s ORDER BY user_id, time`,
		heartbeatColumns, strings.Join(where, " AND "))

	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeat range: %w", err)
	}
	return pgx.CollectRows(rows, scanHeartbeat)
}

// SoftDelete tombstones all live heartbeats matching the spec and returns the
// number of rows affected. Rows are never physically removed.
func (s *Service) SoftDelete(ctx context.Context, spec QuerySpec) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	where := []string{"deleted_at IS NULL"}
	args := pgx.NamedArgs{}
	if len(spec.UserIDs) > 0 {
		where = append(where, "user_id = ANY(@user_ids)")
		args["user_ids"] = spec.UserIDs
	}
	if spec.End > 0 {
		where = append(where, "time >= @start AND time < @end")
		args["start"] = spec.Start
		args["end"] = spec.End
	}
	if spec.Project != "" {
		where = append(where, "project = @project")
		args["project"] = spec.Project
	}

	q := fmt.Sprintf(`UPDATE heartbeats SET deleted_at = now() WHERE %s`,
		strings.Join(where, " AND "))
	tag, err := s.pool.Exec(ctx, q, args)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete heartbeats: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DirectHeartbeatsAfter returns up to limit directly-entered live heartbeats
// with id > afterID in ascending id order. Imported and mirror-origin rows
// are excluded so mirrors never fan data back out.
func (s *Service) DirectHeartbeatsAfter(ctx context.Context, userID, afterID int64, limit int) ([]Heartbeat, error) {
	q := fmt.Sprintf(`
		SELECT %s FROM heartbeats
		WHERE user_id = @user_id AND source_type = @source_type
		  AND id > @after_id AND deleted_at IS NULL
		ORDER BY id ASC
		LIMIT @limit`, heartbeatColumns)
	rows, err := s.pool.Query(ctx, q, pgx.NamedArgs{
		"user_id":     userID,
		"source_type": int(SourceDirectEntry),
		"after_id":    afterID,
		"limit":       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query direct heartbeats: %w", err)
	}
	return pgx.CollectRows(rows, scanHeartbeat)
}

// MaxHeartbeatID returns the user's highest heartbeat id, or 0.
func (s *Service) MaxHeartbeatID(ctx context.Context, userID int64) (int64, error) {
	var maxID int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM heartbeats WHERE user_id = @user_id`,
		pgx.NamedArgs{"user_id": userID},
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to get max heartbeat id: %w", err)
	}
	return maxID, nil
}

// ---- Import sources ----

const sourceColumns = `id, user_id, endpoint_url, api_key, sync_enabled, status,
	initial_backfill_start_date, initial_backfill_end_date, backfill_cursor_date,
	last_synced_at, last_error_message, last_error_at, consecutive_failures`

func scanSource(row pgx.CollectableRow) (ImportSource, error) {
	var src ImportSource
	err := row.Scan(
		&src.ID, &src.UserID, &src.EndpointURL, &src.APIKey, &src.SyncEnabled,
		&src.Status, &src.InitialBackfillStartDate, &src.InitialBackfillEndDate,
		&src.BackfillCursorDate, &src.LastSyncedAt, &src.LastErrorMessage,
		&src.LastErrorAt, &src.ConsecutiveFailures,
	)
	return src, err
}

// CreateImportSource registers a user's inbound sync source. One per user.
func (s *Service) CreateImportSource(ctx context.Context, src *ImportSource) error {
	if err := validateEndpointURL(src.EndpointURL, s.config.DevMode); err != nil {
		return err
	}
	src.EndpointURL = normalizeEndpointURL(src.EndpointURL)
	return s.pool.QueryRow(ctx, `
		INSERT INTO import_sources (user_id, endpoint_url, api_key, initial_backfill_start_date, initial_backfill_end_date)
		VALUES (@user_id, @endpoint_url, @api_key, @start_date, @end_date)
		RETURNING id`,
		pgx.NamedArgs{
			"user_id":      src.UserID,
			"endpoint_url": src.EndpointURL,
			"api_key":      src.APIKey,
			"start_date":   src.InitialBackfillStartDate,
			"end_date":     src.InitialBackfillEndDate,
		}).Scan(&src.ID)
}

// GetImportSource loads one source, or nil when it does not exist.
func (s *Service) GetImportSource(ctx context.Context, id int64) (*ImportSource, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM import_sources WHERE id = @id`, sourceColumns),
		pgx.NamedArgs{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to query import source: %w", err)
	}
	src, err := pgx.CollectExactlyOneRow(rows, scanSource)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &src, nil
}

// UpdateImportSource writes back every mutable field of the source record.
func (s *Service) UpdateImportSource(ctx context.Context, src *ImportSource) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_sources SET
			sync_enabled = @sync_enabled,
			status = @status,
			initial_backfill_start_date = @start_date,
			initial_backfill_end_date = @end_date,
			backfill_cursor_date = @cursor_date,
			last_synced_at = @last_synced_at,
			last_error_message = @last_error_message,
			last_error_at = @last_error_at,
			consecutive_failures = @consecutive_failures
		WHERE id = @id`,
		pgx.NamedArgs{
			"id":                   src.ID,
			"sync_enabled":         src.SyncEnabled,
			"status":               int(src.Status),
			"start_date":           src.InitialBackfillStartDate,
			"end_date":             src.InitialBackfillEndDate,
			"cursor_date":          src.BackfillCursorDate,
			"last_synced_at":       src.LastSyncedAt,
			"last_error_message":   src.LastErrorMessage,
			"last_error_at":        src.LastErrorAt,
			"consecutive_failures": src.ConsecutiveFailures,
		})
	if err != nil {
		return fmt.Errorf("failed to update import source: %w", err)
	}
	return nil
}

// SyncableSourceIDs lists sources eligible for a scheduler tick: enabled and
// not paused.
func (s *Service) SyncableSourceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM import_sources
		WHERE sync_enabled AND status <> @paused`,
		pgx.NamedArgs{"paused": int(StatusPaused)})
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable sources: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
}

// ResetImportSource puts a source back to idle with cursor and error state
// cleared, so the next sync re-runs backfill initialization.
func (s *Service) ResetImportSource(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_sources SET
			status = @idle,
			backfill_cursor_date = NULL,
			last_synced_at = NULL,
			last_error_message = NULL,
			last_error_at = NULL,
			consecutive_failures = 0
		WHERE id = @id`,
		pgx.NamedArgs{"idle": int(StatusIdle), "id": id})
	if err != nil {
		return fmt.Errorf("failed to reset import source: %w", err)
	}
	return nil
}

// ---- Mirrors ----

const mirrorColumns = `id, user_id, endpoint_url, api_key, enabled,
	last_synced_heartbeat_id, last_synced_at, last_error_message, last_error_at,
	consecutive_failures`

func scanMirror(row pgx.CollectableRow) (Mirror, error) {
	var m Mirror
	err := row.Scan(
		&m.ID, &m.UserID, &m.EndpointURL, &m.APIKey, &m.Enabled,
		&m.LastSyncedHeartbeatID, &m.LastSyncedAt, &m.LastErrorMessage,
		&m.LastErrorAt, &m.ConsecutiveFailures,
	)
	return m, err
}

// CreateMirror registers an outbound mirror for a user. The cursor starts at
// the user's current max heartbeat id so only new direct entries get pushed.
func (s *Service) CreateMirror(ctx context.Context, m *Mirror) error {
	if err := validateMirrorEndpointURL(m.EndpointURL, s.config.DevMode); err != nil {
		return err
	}
	m.EndpointURL = normalizeEndpointURL(m.EndpointURL)
	maxID, err := s.MaxHeartbeatID(ctx, m.UserID)
	if err != nil {
		return err
	}
	m.LastSyncedHeartbeatID = maxID
	return s.pool.QueryRow(ctx, `
		INSERT INTO mirrors (user_id, endpoint_url, api_key, last_synced_heartbeat_id)
		VALUES (@user_id, @endpoint_url, @api_key, @cursor)
		RETURNING id`,
		pgx.NamedArgs{
			"user_id":      m.UserID,
			"endpoint_url": m.EndpointURL,
			"api_key":      m.APIKey,
			"cursor":       m.LastSyncedHeartbeatID,
		}).Scan(&m.ID)
}

// GetMirror loads one mirror, or nil when it does not exist.
func (s *Service) GetMirror(ctx context.Context, id int64) (*Mirror, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM mirrors WHERE id = @id`, mirrorColumns),
		pgx.NamedArgs{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to query mirror: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMirror)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMirror writes back every mutable field of the mirror record.
func (s *Service) UpdateMirror(ctx context.Context, m *Mirror) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE mirrors SET
			enabled = @enabled,
			last_synced_heartbeat_id = @cursor,
			last_synced_at = @last_synced_at,
			last_error_message = @last_error_message,
			last_error_at = @last_error_at,
			consecutive_failures = @consecutive_failures
		WHERE id = @id`,
		pgx.NamedArgs{
			"id":                   m.ID,
			"enabled":              m.Enabled,
			"cursor":               m.LastSyncedHeartbeatID,
			"last_synced_at":       m.LastSyncedAt,
			"last_error_message":   m.LastErrorMessage,
			"last_error_at":        m.LastErrorAt,
			"consecutive_failures": m.ConsecutiveFailures,
		})
	if err != nil {
		return fmt.Errorf("failed to update mirror: %w", err)
	}
	return nil
}

// ActiveMirrorIDsForUser lists the user's enabled mirrors.
func (s *Service) ActiveMirrorIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM mirrors WHERE user_id = @user_id AND enabled`,
		pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to list active mirrors: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
}

// ---- Users and repo mappings ----

// EligibleUserIDs resolves the leaderboard population: accounts linked to an
// external identity and not banned.
func (s *Service) EligibleUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM users
		WHERE github_uid IS NOT NULL AND trust_level <> @red
		ORDER BY id`,
		pgx.NamedArgs{"red": TrustLevelRed})
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible users: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (int64, error) {
		var id int64
		err := row.Scan(&id)
		return id, err
	})
}

// UsersInTimezoneOffset scopes the eligible population to users whose
// registered timezone currently has the given UTC offset, in hours.
func (s *Service) UsersInTimezoneOffset(ctx context.Context, offset int) ([]int64, error) {
	ids, err := s.EligibleUserIDs(ctx)
	if err != nil {
		return nil, err
	}
	users, err := s.UsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []int64
	for _, id := range ids {
		u := users[id]
		if u == nil {
			continue
		}
		_, secs := now.In(u.Location()).Zone()
		if secs/3600 == offset {
			out = append(out, id)
		}
	}
	return out, nil
}

// UsersByID loads a set of users keyed by id.
func (s *Service) UsersByID(ctx context.Context, ids []int64) (map[int64]*User, error) {
	if len(ids) == 0 {
		return map[int64]*User{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, github_uid, trust_level, timezone, created_at
		FROM users WHERE id = ANY(@ids)`,
		pgx.NamedArgs{"ids": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]*User, len(ids))
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.GithubUID, &u.TrustLevel, &u.Timezone, &u.CreatedAt); err != nil {
			return nil, err
		}
		out[u.ID] = &u
	}
	return out, rows.Err()
}

// RepoURLsForUser returns the user's project name to repository URL mapping.
func (s *Service) RepoURLsForUser(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_name, repo_url FROM project_repo_mappings
		WHERE user_id = @user_id`,
		pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("failed to load repo mappings: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, url string
		if err := rows.Scan(&name, &url); err != nil {
			return nil, err
		}
		out[name] = url
	}
	return out, rows.Err()
}
