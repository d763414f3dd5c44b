// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

// REST/JSON models for HTTP API requests and responses
// These models are used for serialization/deserialization of HTTP requests and responses

// HeartbeatUpload represents a single heartbeat in an ingest request.
// Time is loosely typed: plugins send epoch seconds, milliseconds, or an
// ISO timestamp string.
type HeartbeatUpload struct {
	Entity           *string  `json:"entity"`
	Type             *string  `json:"type"`
	Category         *string  `json:"category"`
	Project          *string  `json:"project"`
	Branch           *string  `json:"branch"`
	Language         *string  `json:"language"`
	Editor           *string  `json:"editor"`
	OperatingSystem  *string  `json:"operating_system"`
	Machine          *string  `json:"machine"`
	UserAgent        *string  `json:"user_agent"`
	LineAdditions    *int64   `json:"line_additions"`
	LineDeletions    *int64   `json:"line_deletions"`
	Lineno           *int64   `json:"lineno"`
	Lines            *int64   `json:"lines"`
	Cursorpos        *int64   `json:"cursorpos"`
	ProjectRootCount *int64   `json:"project_root_count"`
	Dependencies     []string `json:"dependencies"`
	IsWrite          *bool    `json:"is_write"`
	Time             any      `json:"time"`
}

// HeartbeatUploadStatus is the per-row result of an ingest request
type HeartbeatUploadStatus struct {
	Status  string `json:"status"`            // "created", "coalesced", "invalid"
	ID      *int64 `json:"id,omitempty"`      // assigned id when created
	Message string `json:"message,omitempty"` // details for invalid rows
}

// HeartbeatUploadResponse wraps the per-row statuses of an ingest request
type HeartbeatUploadResponse struct {
	Responses []HeartbeatUploadStatus `json:"responses"`
}

// SessionsResponse represents a user's reconstructed sessions for one day
type SessionsResponse struct {
	Date  string        `json:"date"`
	Spans []SessionSpan `json:"spans"`
}

// SourceStatusResponse reports an import source's sync state
type SourceStatusResponse struct {
	ID                  int64   `json:"id"`
	Status              string  `json:"status"`
	SyncEnabled         bool    `json:"sync_enabled"`
	BackfillCursorDate  *string `json:"backfill_cursor_date,omitempty"`
	LastSyncedAt        *string `json:"last_synced_at,omitempty"`
	LastErrorMessage    *string `json:"last_error_message,omitempty"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// MirrorStatusResponse reports an outbound mirror's push state
type MirrorStatusResponse struct {
	ID                    int64   `json:"id"`
	Enabled               bool    `json:"enabled"`
	LastSyncedHeartbeatID int64   `json:"last_synced_heartbeat_id"`
	LastSyncedAt          *string `json:"last_synced_at,omitempty"`
	LastErrorMessage      *string `json:"last_error_message,omitempty"`
	ConsecutiveFailures   int     `json:"consecutive_failures"`
}

// CreateSourceRequest registers an import source for the authenticated user
type CreateSourceRequest struct {
	EndpointURL string  `json:"endpoint_url"`
	APIKey      string  `json:"api_key"`
	StartDate   *string `json:"start_date,omitempty"` // optional backfill start, "2006-01-02"
}

// CreateMirrorRequest registers an outbound mirror for the authenticated user
type CreateMirrorRequest struct {
	EndpointURL string `json:"endpoint_url"`
	APIKey      string `json:"api_key"`
}

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	Error   string `json:"error"`             // Error code
	Message string `json:"message,omitempty"` // Human-readable message
}
