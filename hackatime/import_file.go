// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// fileImportBatchSize bounds memory while streaming arbitrarily large dumps.
const fileImportBatchSize = 50_000

// ImportCounts summarizes a file import. Partial success is normal: malformed
// rows are counted and skipped, not fatal.
type ImportCounts struct {
	Total    int `json:"total"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`  // duplicates coalesced away
	Errors   int `json:"errors"`   // malformed rows
}

// ImportFile streams a JSON array of heartbeat rows (a wakatime-style data
// dump) into the store for one user. Rows are normalized like remote imports
// and deduped by content hash, so re-importing the same dump is a no-op.
func (s *Service) ImportFile(ctx context.Context, userID int64, r io.Reader, logger *slog.Logger) (ImportCounts, error) {
	if logger == nil {
		logger = s.logger
	}
	var counts ImportCounts

	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return counts, fmt.Errorf("failed to read import file: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return counts, fmt.Errorf("import file must be a JSON array")
	}

	batch := make([]Heartbeat, 0, fileImportBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := s.InsertOrCoalesce(ctx, batch)
		if err != nil {
			return err
		}
		counts.Imported += inserted
		counts.Skipped += len(batch) - inserted
		batch = batch[:0]
		return nil
	}

	for dec.More() {
		var row ExternalHeartbeat
		if err := dec.Decode(&row); err != nil {
			return counts, fmt.Errorf("failed to decode import row: %w", err)
		}
		counts.Total++

		hb, ok := normalizeExternalRow(userID, &row)
		if !ok {
			counts.Errors++
			continue
		}
		hb.SourceType = SourceTestEntry
		hb.FieldsHash = GenerateFieldsHash(&hb)
		batch = append(batch, hb)

		if len(batch) >= fileImportBatchSize {
			if err := flush(); err != nil {
				return counts, err
			}
		}
	}
	if err := flush(); err != nil {
		return counts, err
	}

	logger.Info("File import complete",
		"user_id", userID,
		"total", counts.Total,
		"imported", counts.Imported,
		"skipped", counts.Skipped,
		"errors", counts.Errors)
	return counts, nil
}
