// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
)

// Content-addressed dedup: every heartbeat gets a deterministic hash over a
// fixed attribute subset. Among non-deleted rows the hash is unique, so
// replaying the same batch (plugin retries, re-imports, day re-syncs) is
// idempotent.

// hashedFields is the fixed attribute subset covered by the content hash.
// Changing this set invalidates every stored hash; do not reorder casually.
var hashedFields = []string{
	"user_id",
	"branch",
	"category",
	"dependencies",
	"editor",
	"entity",
	"language",
	"machine",
	"operating_system",
	"project",
	"type",
	"user_agent",
	"line_additions",
	"line_deletions",
	"lineno",
	"lines",
	"cursorpos",
	"project_root_count",
	"time",
	"is_write",
}

// hashFieldMap projects a heartbeat onto the hashed attribute subset.
// Every key is always present (absent values serialize as null) so the
// canonical form does not depend on which optional fields were set.
func hashFieldMap(hb *Heartbeat) map[string]any {
	deps := hb.Dependencies
	if deps == nil {
		deps = []string{}
	}
	return map[string]any{
		"user_id":            hb.UserID,
		"branch":             strOrNil(hb.Branch),
		"category":           strOrNil(hb.Category),
		"dependencies":       deps,
		"editor":             strOrNil(hb.Editor),
		"entity":             strOrNil(hb.Entity),
		"language":           strOrNil(hb.Language),
		"machine":            strOrNil(hb.Machine),
		"operating_system":   strOrNil(hb.OperatingSystem),
		"project":            strOrNil(hb.Project),
		"type":               strOrNil(hb.Type),
		"user_agent":         strOrNil(hb.UserAgent),
		"line_additions":     intOrNil(hb.LineAdditions),
		"line_deletions":     intOrNil(hb.LineDeletions),
		"lineno":             intOrNil(hb.Lineno),
		"lines":              intOrNil(hb.Lines),
		"cursorpos":          intOrNil(hb.Cursorpos),
		"project_root_count": intOrNil(hb.ProjectRootCount),
		"time":               hb.Time,
		"is_write":           boolOrNil(hb.IsWrite),
	}
}

// GenerateFieldsHash computes the content hash for a heartbeat.
// encoding/json sorts map keys, which gives us a canonical serialization.
func GenerateFieldsHash(hb *Heartbeat) string {
	raw, err := json.Marshal(hashFieldMap(hb))
	if err != nil {
		// The map contains only scalars and a string slice; Marshal cannot
		// fail for these inputs.
		panic(err)
	}
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func intOrNil(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func boolOrNil(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
