// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FindBoard returns the newest live board for the identity triple, with
// entries loaded, or nil when none exists. A nil offset selects the global
// UTC board.
func (s *Service) FindBoard(ctx context.Context, period PeriodType, startDate time.Time, offset *int) (*Leaderboard, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, start_date, period_type, timezone_utc_offset, finished_generating_at, deleted_at, created_at
		FROM leaderboards
		WHERE period_type = @period
		  AND start_date = @start_date
		  AND timezone_utc_offset IS NOT DISTINCT FROM @offset
		  AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		pgx.NamedArgs{"period": int(period), "start_date": startDate, "offset": offset})
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	board, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (Leaderboard, error) {
		var b Leaderboard
		err := row.Scan(&b.ID, &b.StartDate, &b.PeriodType, &b.TimezoneUTCOffset,
			&b.FinishedGeneratingAt, &b.DeletedAt, &b.CreatedAt)
		return b, err
	})
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	board.Entries, err = s.boardEntries(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	return &board, nil
}

func (s *Service) boardEntries(ctx context.Context, boardID int64) ([]LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, leaderboard_id, user_id, total_seconds, streak_count
		FROM leaderboard_entries
		WHERE leaderboard_id = @board_id
		ORDER BY total_seconds DESC, user_id`,
		pgx.NamedArgs{"board_id": boardID})
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LeaderboardEntry, error) {
		var e LeaderboardEntry
		err := row.Scan(&e.ID, &e.LeaderboardID, &e.UserID, &e.TotalSeconds, &e.StreakCount)
		return e, err
	})
}

// CreateBoardWithEntries inserts the board row and all of its entries in one
// transaction, so no reader ever sees a partially populated board.
func (s *Service) CreateBoardWithEntries(ctx context.Context, board *Leaderboard, entries []LeaderboardEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO leaderboards (start_date, period_type, timezone_utc_offset)
			VALUES (@start_date, @period, @offset)
			RETURNING id, created_at`,
			pgx.NamedArgs{
				"start_date": board.StartDate,
				"period":     int(board.PeriodType),
				"offset":     board.TimezoneUTCOffset,
			}).Scan(&board.ID, &board.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert leaderboard: %w", err)
		}
		for i := range entries {
			entries[i].LeaderboardID = board.ID
			err := tx.QueryRow(ctx, `
				INSERT INTO leaderboard_entries (leaderboard_id, user_id, total_seconds, streak_count)
				VALUES (@board_id, @user_id, @total_seconds, @streak_count)
				RETURNING id`,
				pgx.NamedArgs{
					"board_id":      board.ID,
					"user_id":       entries[i].UserID,
					"total_seconds": entries[i].TotalSeconds,
					"streak_count":  entries[i].StreakCount,
				}).Scan(&entries[i].ID)
			if err != nil {
				return fmt.Errorf("failed to insert leaderboard entry: %w", err)
			}
		}
		board.Entries = entries
		return nil
	})
}

// FinishBoard stamps the completion marker. Only after this stamp does the
// board count as the canonical result for its identity.
func (s *Service) FinishBoard(ctx context.Context, boardID int64) (time.Time, error) {
	var finished time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE leaderboards SET finished_generating_at = now()
		WHERE id = @id
		RETURNING finished_generating_at`,
		pgx.NamedArgs{"id": boardID}).Scan(&finished)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to finish leaderboard: %w", err)
	}
	return finished, nil
}

// SupersedeOlderBoards soft-deletes every live board sharing the identity
// triple except the one to keep.
func (s *Service) SupersedeOlderBoards(ctx context.Context, period PeriodType, startDate time.Time, offset *int, keepID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE leaderboards SET deleted_at = now()
		WHERE period_type = @period
		  AND start_date = @start_date
		  AND timezone_utc_offset IS NOT DISTINCT FROM @offset
		  AND deleted_at IS NULL
		  AND id <> @keep_id`,
		pgx.NamedArgs{"period": int(period), "start_date": startDate, "offset": offset, "keep_id": keepID})
	if err != nil {
		return fmt.Errorf("failed to supersede leaderboards: %w", err)
	}
	return nil
}

// DeleteBoardsOlderThan hard-deletes boards created before the cutoff.
// Entries go with them via the cascade. Returns the number of boards removed.
func (s *Service) DeleteBoardsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM leaderboards WHERE created_at < @cutoff`,
		pgx.NamedArgs{"cutoff": cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old leaderboards: %w", err)
	}
	return tag.RowsAffected(), nil
}
