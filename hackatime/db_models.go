// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"time"
)

// Database entity models for the heartbeat engine tables.
// These models are used for database operations and have db struct tags.

// SourceType tags where a heartbeat came from. Mirrors never re-export
// imported or mirror-origin rows, so the tag is load-bearing.
type SourceType int

const (
	SourceDirectEntry  SourceType = 0 // submitted by an editor plugin to this server
	SourceTestEntry    SourceType = 1 // created by test/import tooling
	SourceWakapiImport SourceType = 2 // pulled from an external wakatime-compatible API
	SourceMirrorOrigin SourceType = 3 // arrived because another server mirrors into us
)

// PeriodType identifies a leaderboard period.
type PeriodType int

const (
	PeriodDaily     PeriodType = 0
	PeriodLast7Days PeriodType = 2
)

func (p PeriodType) String() string {
	switch p {
	case PeriodDaily:
		return "daily"
	case PeriodLast7Days:
		return "last_7_days"
	default:
		return "unknown"
	}
}

// SourceStatus is the import source state machine state.
type SourceStatus int

const (
	StatusIdle        SourceStatus = 0
	StatusBackfilling SourceStatus = 1
	StatusSyncing     SourceStatus = 2
	StatusPaused      SourceStatus = 3
	StatusFailed      SourceStatus = 4
)

func (s SourceStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusBackfilling:
		return "backfilling"
	case StatusSyncing:
		return "syncing"
	case StatusPaused:
		return "paused"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Heartbeat is one presence ping. Rows are immutable facts: they are only
// ever soft-deleted, never updated, so aggregates computed before a deletion
// stay reproducible.
type Heartbeat struct {
	ID               int64      `db:"id" json:"id,omitempty"`
	UserID           int64      `db:"user_id" json:"user_id"`
	Time             float64    `db:"time" json:"time"` // fractional seconds since epoch
	Entity           *string    `db:"entity" json:"entity,omitempty"`
	Type             *string    `db:"type" json:"type,omitempty"`
	Category         *string    `db:"category" json:"category,omitempty"`
	Project          *string    `db:"project" json:"project,omitempty"`
	Branch           *string    `db:"branch" json:"branch,omitempty"`
	Language         *string    `db:"language" json:"language,omitempty"`
	Editor           *string    `db:"editor" json:"editor,omitempty"`
	OperatingSystem  *string    `db:"operating_system" json:"operating_system,omitempty"`
	Machine          *string    `db:"machine" json:"machine,omitempty"`
	UserAgent        *string    `db:"user_agent" json:"user_agent,omitempty"`
	LineAdditions    *int64     `db:"line_additions" json:"line_additions,omitempty"`
	LineDeletions    *int64     `db:"line_deletions" json:"line_deletions,omitempty"`
	Lineno           *int64     `db:"lineno" json:"lineno,omitempty"`
	Lines            *int64     `db:"lines" json:"lines,omitempty"`
	Cursorpos        *int64     `db:"cursorpos" json:"cursorpos,omitempty"`
	ProjectRootCount *int64     `db:"project_root_count" json:"project_root_count,omitempty"`
	Dependencies     []string   `db:"dependencies" json:"dependencies,omitempty"`
	IsWrite          *bool      `db:"is_write" json:"is_write,omitempty"`
	SourceType       SourceType `db:"source_type" json:"-"`
	FieldsHash       string     `db:"fields_hash" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"-"`
	DeletedAt        *time.Time `db:"deleted_at" json:"-"`
}

// Leaderboard is identified by (period_type, start_date, timezone offset).
// A nil TimezoneUTCOffset means the global UTC board. It is complete once
// FinishedGeneratingAt is set.
type Leaderboard struct {
	ID                   int64              `db:"id" json:"id,omitempty"`
	StartDate            time.Time          `db:"start_date" json:"start_date"`
	PeriodType           PeriodType         `db:"period_type" json:"period_type"`
	TimezoneUTCOffset    *int               `db:"timezone_utc_offset" json:"timezone_utc_offset,omitempty"`
	FinishedGeneratingAt *time.Time         `db:"finished_generating_at" json:"finished_generating_at,omitempty"`
	DeletedAt            *time.Time         `db:"deleted_at" json:"-"`
	CreatedAt            time.Time          `db:"created_at" json:"created_at"`
	Entries              []LeaderboardEntry `db:"-" json:"entries,omitempty"`
}

// Finished reports whether the board completed generating.
func (l *Leaderboard) Finished() bool {
	return l != nil && l.FinishedGeneratingAt != nil
}

// LeaderboardEntry is one user's row on a board, unique per
// (leaderboard_id, user_id). Entries are wholly replaced on rebuild.
type LeaderboardEntry struct {
	ID            int64 `db:"id" json:"-"`
	LeaderboardID int64 `db:"leaderboard_id" json:"-"`
	UserID        int64 `db:"user_id" json:"user_id"`
	TotalSeconds  int64 `db:"total_seconds" json:"total_seconds"`
	StreakCount   int   `db:"streak_count" json:"streak_count"`
}

// ImportSource is the per-user inbound sync state machine record. At most one
// exists per user; only the sync jobs mutate it.
type ImportSource struct {
	ID                       int64        `db:"id"`
	UserID                   int64        `db:"user_id"`
	EndpointURL              string       `db:"endpoint_url"`
	APIKey                   string       `db:"api_key"`
	SyncEnabled              bool         `db:"sync_enabled"`
	Status                   SourceStatus `db:"status"`
	InitialBackfillStartDate *time.Time   `db:"initial_backfill_start_date"`
	InitialBackfillEndDate   *time.Time   `db:"initial_backfill_end_date"`
	BackfillCursorDate       *time.Time   `db:"backfill_cursor_date"` // non-nil only while backfilling
	LastSyncedAt             *time.Time   `db:"last_synced_at"`
	LastErrorMessage         *string      `db:"last_error_message"`
	LastErrorAt              *time.Time   `db:"last_error_at"`
	ConsecutiveFailures      int          `db:"consecutive_failures"`
}

// Mirror is the per-(user, endpoint) outbound push record. The cursor is a
// high-watermark over heartbeat ids and never decreases on success.
type Mirror struct {
	ID                    int64      `db:"id"`
	UserID                int64      `db:"user_id"`
	EndpointURL           string     `db:"endpoint_url"`
	APIKey                string     `db:"api_key"`
	Enabled               bool       `db:"enabled"`
	LastSyncedHeartbeatID int64      `db:"last_synced_heartbeat_id"`
	LastSyncedAt          *time.Time `db:"last_synced_at"`
	LastErrorMessage      *string    `db:"last_error_message"`
	LastErrorAt           *time.Time `db:"last_error_at"`
	ConsecutiveFailures   int        `db:"consecutive_failures"`
}

// User trust levels. Red users are excluded from leaderboards.
const (
	TrustLevelBlue  = 0
	TrustLevelRed   = 1
	TrustLevelGreen = 2
)

// User carries the handful of account fields the engine needs: the external
// identity link for leaderboard eligibility, trust level, and timezone for
// local-day computations.
type User struct {
	ID         int64     `db:"id"`
	GithubUID  *int64    `db:"github_uid"`
	TrustLevel int       `db:"trust_level"`
	Timezone   string    `db:"timezone"`
	CreatedAt  time.Time `db:"created_at"`
}

// Location resolves the user's IANA timezone, falling back to UTC.
func (u *User) Location() *time.Location {
	if u == nil || u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ProjectRepoMapping links a user's project name to a known repository URL,
// used to annotate session spans.
type ProjectRepoMapping struct {
	ID          int64  `db:"id"`
	UserID      int64  `db:"user_id"`
	ProjectName string `db:"project_name"`
	RepoURL     string `db:"repo_url"`
}
