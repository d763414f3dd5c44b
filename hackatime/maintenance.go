// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Maintenance jobs: dimension backfill over historical rows and retirement of
// stale leaderboards.

// BackfillDimensions walks the heartbeats table in bounded id ranges and
// normalizes dimension fields in place: blank strings become NULL and a
// missing category gets the default. The pause between batches keeps the
// scan from starving the ingest path.
func (s *Service) BackfillDimensions(ctx context.Context) (int64, error) {
	if err := s.checkClosed(); err != nil {
		return 0, err
	}

	var maxID int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM heartbeats`).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to get heartbeat id bound: %w", err)
	}

	const q = `
		UPDATE heartbeats SET
			entity           = NULLIF(entity, ''),
			project          = NULLIF(project, ''),
			branch           = NULLIF(branch, ''),
			language         = NULLIF(language, ''),
			editor           = NULLIF(editor, ''),
			operating_system = NULLIF(operating_system, ''),
			machine          = NULLIF(machine, ''),
			category         = COALESCE(NULLIF(category, ''), 'coding')
		WHERE id > @lo AND id <= @hi
		  AND (entity = '' OR project = '' OR branch = '' OR language = ''
		       OR editor = '' OR operating_system = '' OR machine = ''
		       OR category = '' OR category IS NULL)`

	var updated int64
	batch := int64(s.config.DimensionBackfillBatch)
	for lo := int64(0); lo < maxID; lo += batch {
		tag, err := s.pool.Exec(ctx, q, pgx.NamedArgs{"lo": lo, "hi": lo + batch})
		if err != nil {
			return updated, fmt.Errorf("dimension backfill batch failed: %w", err)
		}
		updated += tag.RowsAffected()
		if err := sleepWithContext(ctx, s.config.DimensionBackfillPause); err != nil {
			return updated, err
		}
	}

	s.logger.Info("Dimension backfill complete", "rows_updated", updated)
	return updated, nil
}

// CleanupOldLeaderboards removes boards that stopped being referenced: every
// board created more than maxAge ago. Current boards are rebuilt on demand,
// so losing an old one is harmless.
func (s *Service) CleanupOldLeaderboards(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = 48 * time.Hour
	}
	removed, err := s.DeleteBoardsOlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("Removed stale leaderboards", "count", removed)
	}
	return removed, nil
}
