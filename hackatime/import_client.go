// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WakatimeClient talks to a wakatime-compatible API on behalf of one user.
// Different server implementations disagree on response envelopes, so every
// reader here accepts the common variants.
type WakatimeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewWakatimeClient creates a client for the given endpoint and key.
// httpClient may be nil.
func NewWakatimeClient(endpointURL, apiKey string, httpClient *http.Client) *WakatimeClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &WakatimeClient{
		baseURL:    strings.TrimRight(endpointURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func basicAuthHeader(apiKey string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(apiKey+":"))
}

// get issues one authenticated GET and returns the body. Transport failures
// come back as TransientError; HTTP failures are classified by status.
func (c *WakatimeClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", basicAuthHeader(c.apiKey))
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(resp.StatusCode)
	}
	return body, nil
}

// EarliestStartDate asks the remote service for the date of the user's first
// recorded activity. Servers nest it differently; all known placements are
// tried. Returns nil when the service does not report one.
func (c *WakatimeClient) EarliestStartDate(ctx context.Context) (*time.Time, error) {
	body, err := c.get(ctx, "/users/current/all_time_since_today", nil)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data *struct {
			StartDate *string `json:"start_date"`
			Range     *struct {
				StartDate *string `json:"start_date"`
			} `json:"range"`
		} `json:"data"`
		Range *struct {
			StartDate *string `json:"start_date"`
		} `json:"range"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Status: http.StatusOK, Reason: "invalid all_time_since_today response"}
	}

	var raw *string
	switch {
	case envelope.Data != nil && envelope.Data.Range != nil && envelope.Data.Range.StartDate != nil:
		raw = envelope.Data.Range.StartDate
	case envelope.Data != nil && envelope.Data.StartDate != nil:
		raw = envelope.Data.StartDate
	case envelope.Range != nil && envelope.Range.StartDate != nil:
		raw = envelope.Range.StartDate
	}
	if raw == nil || *raw == "" {
		return nil, nil
	}

	parsed, err := parseLooseDate(*raw)
	if err != nil {
		return nil, &RequestError{Status: http.StatusOK, Reason: fmt.Sprintf("unparseable start_date %q", *raw)}
	}
	return &parsed, nil
}

// ExternalHeartbeat is one row as the remote service reports it. Time is
// left loosely typed: servers send epoch seconds, epoch milliseconds, or an
// ISO timestamp string, and normalization happens at import.
type ExternalHeartbeat struct {
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
	CreatedAt        *string  `json:"created_at"`
}

// HeartbeatsForDay fetches the remote heartbeats for one calendar day.
// Accepts a bare array, a "data" envelope, or a "heartbeats" envelope.
func (c *WakatimeClient) HeartbeatsForDay(ctx context.Context, day time.Time) ([]ExternalHeartbeat, error) {
	query := url.Values{"date": {day.Format("2006-01-02")}}
	body, err := c.get(ctx, "/users/current/heartbeats", query)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var rows []ExternalHeartbeat
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, &RequestError{Status: http.StatusOK, Reason: "invalid heartbeats response"}
		}
		return rows, nil
	}

	var envelope struct {
		Data       []ExternalHeartbeat `json:"data"`
		Heartbeats []ExternalHeartbeat `json:"heartbeats"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &RequestError{Status: http.StatusOK, Reason: "invalid heartbeats response"}
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Heartbeats, nil
}

// parseLooseDate accepts a calendar date or a full timestamp.
func parseLooseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
