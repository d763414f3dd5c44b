// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the engine tables within an existing transaction
func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS users (
			id          BIGSERIAL PRIMARY KEY,
			github_uid  BIGINT,
			trust_level INT         NOT NULL DEFAULT 0,
			timezone    TEXT        NOT NULL DEFAULT 'UTC',
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// Heartbeats are append-only facts. deleted_at is a tombstone; the
		// partial unique index makes the content hash the idempotency key
		// among live rows only.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS heartbeats (
			id                 BIGSERIAL PRIMARY KEY,
			user_id            BIGINT           NOT NULL REFERENCES users(id),
			time               DOUBLE PRECISION NOT NULL,
			entity             TEXT,
			type               TEXT,
			category           TEXT,
			project            TEXT,
			branch             TEXT,
			language           TEXT,
			editor             TEXT,
			operating_system   TEXT,
			machine            TEXT,
			user_agent         TEXT,
			line_additions     BIGINT,
			line_deletions     BIGINT,
			lineno             BIGINT,
			lines              BIGINT,
			cursorpos          BIGINT,
			project_root_count BIGINT,
			dependencies       TEXT[]      NOT NULL DEFAULT '{}',
			is_write           BOOLEAN,
			source_type        INT         NOT NULL DEFAULT 0,
			fields_hash        TEXT        NOT NULL,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at         TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS hb_fields_hash_live_idx
			ON heartbeats(fields_hash) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS hb_user_time_live_idx
			ON heartbeats(user_id, time) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS hb_source_id_idx
			ON heartbeats(user_id, source_type, id)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS leaderboards (
			id                     BIGSERIAL PRIMARY KEY,
			start_date             DATE        NOT NULL,
			period_type            INT         NOT NULL DEFAULT 0,
			timezone_utc_offset    INT,
			finished_generating_at TIMESTAMPTZ,
			deleted_at             TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS lb_identity_idx
			ON leaderboards(start_date, period_type, timezone_utc_offset) WHERE deleted_at IS NULL`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS leaderboard_entries (
			id             BIGSERIAL PRIMARY KEY,
			leaderboard_id BIGINT NOT NULL REFERENCES leaderboards(id) ON DELETE CASCADE,
			user_id        BIGINT NOT NULL REFERENCES users(id),
			total_seconds  BIGINT NOT NULL DEFAULT 0,
			streak_count   INT    NOT NULL DEFAULT 0,
			UNIQUE (leaderboard_id, user_id)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS import_sources (
			id                          BIGSERIAL PRIMARY KEY,
			user_id                     BIGINT NOT NULL REFERENCES users(id) UNIQUE,
			endpoint_url                TEXT   NOT NULL,
			api_key                     TEXT   NOT NULL,
			sync_enabled                BOOLEAN NOT NULL DEFAULT TRUE,
			status                      INT     NOT NULL DEFAULT 0,
			initial_backfill_start_date DATE,
			initial_backfill_end_date   DATE,
			backfill_cursor_date        DATE,
			last_synced_at              TIMESTAMPTZ,
			last_error_message          TEXT,
			last_error_at               TIMESTAMPTZ,
			consecutive_failures        INT NOT NULL DEFAULT 0
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS mirrors (
			id                       BIGSERIAL PRIMARY KEY,
			user_id                  BIGINT NOT NULL REFERENCES users(id),
			endpoint_url             TEXT   NOT NULL,
			api_key                  TEXT   NOT NULL,
			enabled                  BOOLEAN NOT NULL DEFAULT TRUE,
			last_synced_heartbeat_id BIGINT  NOT NULL DEFAULT 0,
			last_synced_at           TIMESTAMPTZ,
			last_error_message       TEXT,
			last_error_at            TIMESTAMPTZ,
			consecutive_failures     INT NOT NULL DEFAULT 0,
			UNIQUE (user_id, endpoint_url)
		)`,

		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS project_repo_mappings (
			id           BIGSERIAL PRIMARY KEY,
			user_id      BIGINT NOT NULL REFERENCES users(id),
			project_name TEXT   NOT NULL,
			repo_url     TEXT   NOT NULL,
			UNIQUE (user_id, project_name)
		)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running engine migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("engine migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Engine schema initialized successfully", "migrations", len(migrations))

	return nil
}
