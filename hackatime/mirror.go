// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// MirrorStore is the persistence surface the mirror publisher needs.
// *Service implements it.
type MirrorStore interface {
	GetMirror(ctx context.Context, id int64) (*Mirror, error)
	UpdateMirror(ctx context.Context, m *Mirror) error
	ActiveMirrorIDsForUser(ctx context.Context, userID int64) ([]int64, error)
	DirectHeartbeatsAfter(ctx context.Context, userID, afterID int64, limit int) ([]Heartbeat, error)
}

// heartbeatPusher posts one batch of rows to a remote bulk endpoint.
type heartbeatPusher interface {
	PushBulk(ctx context.Context, rows []map[string]any) error
}

// MirrorPublisher pushes a user's directly entered heartbeats to remote
// wakatime-compatible servers. Progress is a per-mirror id cursor that only
// advances after the remote acknowledged the batch, so a crash between
// batches re-sends rather than skips. The remote dedups re-sent rows by
// content.
type MirrorPublisher struct {
	store     MirrorStore
	scheduler Scheduler
	cache     *LeaderboardCache // optional, for fanout debounce
	config    *ServiceConfig
	logger    *slog.Logger

	// newPusher is swapped in tests.
	newPusher func(endpointURL, apiKey string) heartbeatPusher
}

// NewMirrorPublisher wires a publisher. scheduler and cache may be nil.
func NewMirrorPublisher(store MirrorStore, scheduler Scheduler, cache *LeaderboardCache, config *ServiceConfig, logger *slog.Logger) *MirrorPublisher {
	if config == nil {
		config = &ServiceConfig{}
	}
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &MirrorPublisher{
		store:     store,
		scheduler: scheduler,
		cache:     cache,
		config:    config,
		logger:    logger,
		newPusher: func(endpointURL, apiKey string) heartbeatPusher {
			return newBulkClient(endpointURL, apiKey, &http.Client{Timeout: 30 * time.Second})
		},
	}
}

// FanoutForUser offers push jobs for the user's active mirrors. A short
// debounce window collapses the bursts editors produce, since every accepted
// heartbeat triggers a fanout.
func (p *MirrorPublisher) FanoutForUser(ctx context.Context, userID int64) error {
	if p.cache != nil {
		won, err := p.cache.Debounce(ctx, mirrorFanoutKey(userID), 10*time.Second)
		if err != nil {
			p.logger.Warn("Mirror fanout debounce failed, proceeding", "user_id", userID, "error", err)
		} else if !won {
			return nil
		}
	}
	ids, err := p.store.ActiveMirrorIDsForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		p.enqueueMirror(id)
	}
	return nil
}

func (p *MirrorPublisher) enqueueMirror(id int64) {
	if p.scheduler == nil {
		return
	}
	mirrorID := id
	p.scheduler.Enqueue(Job{
		Type: "mirror_sync",
		Key:  mirrorJobKey(mirrorID),
		Run: func(ctx context.Context) error {
			return p.RunMirrorSync(ctx, mirrorID)
		},
	})
}

// RunMirrorSync pushes pending batches for one mirror, bounded per invocation
// so a single mirror with a deep backlog cannot monopolize a worker.
func (p *MirrorPublisher) RunMirrorSync(ctx context.Context, mirrorID int64) error {
	m, err := p.store.GetMirror(ctx, mirrorID)
	if err != nil {
		return err
	}
	if m == nil || !m.Enabled {
		return nil
	}

	pusher := p.newPusher(m.EndpointURL, m.APIKey)
	for batch := 0; batch < p.config.MirrorMaxBatchesPerRun; batch++ {
		rows, err := p.store.DirectHeartbeatsAfter(ctx, m.UserID, m.LastSyncedHeartbeatID, p.config.MirrorBatchSize)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return p.markSynced(ctx, m)
		}

		payload := make([]map[string]any, len(rows))
		for i := range rows {
			payload[i] = mirrorPayload(&rows[i])
		}
		if pushErr := pusher.PushBulk(ctx, payload); pushErr != nil {
			return p.recordFailure(ctx, m, pushErr)
		}

		m.LastSyncedHeartbeatID = rows[len(rows)-1].ID
		m.ConsecutiveFailures = 0
		if err := p.store.UpdateMirror(ctx, m); err != nil {
			return err
		}
		mirrorBatchesPushed.Inc()

		if len(rows) < p.config.MirrorBatchSize {
			return p.markSynced(ctx, m)
		}
	}

	// Batch budget exhausted with rows remaining; pick up where we left off.
	p.enqueueMirror(m.ID)
	return nil
}

func (p *MirrorPublisher) markSynced(ctx context.Context, m *Mirror) error {
	now := time.Now()
	m.LastSyncedAt = &now
	m.ConsecutiveFailures = 0
	m.LastErrorMessage = nil
	m.LastErrorAt = nil
	return p.store.UpdateMirror(ctx, m)
}

func (p *MirrorPublisher) recordFailure(ctx context.Context, m *Mirror, pushErr error) error {
	now := time.Now()
	msg := pushErr.Error()
	m.LastErrorMessage = &msg
	m.LastErrorAt = &now

	switch {
	case IsAuthenticationError(pushErr):
		m.Enabled = false
		p.logger.Warn("Mirror credentials rejected, mirror disabled",
			"mirror_id", m.ID, "error", pushErr)
		if err := p.store.UpdateMirror(ctx, m); err != nil {
			return err
		}
		return nil
	case IsTransientError(pushErr):
		m.ConsecutiveFailures++
		if err := p.store.UpdateMirror(ctx, m); err != nil {
			return err
		}
		return pushErr
	default:
		p.logger.Error("Mirror push failed", "mirror_id", m.ID, "error", pushErr)
		if err := p.store.UpdateMirror(ctx, m); err != nil {
			return err
		}
		return nil
	}
}

// mirrorPayload is the outbound row shape: the hashed attribute subset minus
// the local user id, which means nothing to the receiving server.
func mirrorPayload(hb *Heartbeat) map[string]any {
	payload := hashFieldMap(hb)
	delete(payload, "user_id")
	return payload
}

func mirrorFanoutKey(userID int64) string {
	return fmt.Sprintf("mirror-fanout:%d", userID)
}

// bulkClient posts heartbeat batches to a wakatime-compatible bulk endpoint.
type bulkClient struct {
	endpointURL string
	apiKey      string
	httpClient  *http.Client
}

func newBulkClient(endpointURL, apiKey string, httpClient *http.Client) *bulkClient {
	return &bulkClient{
		endpointURL: strings.TrimRight(endpointURL, "/"),
		apiKey:      apiKey,
		httpClient:  httpClient,
	}
}

func (c *bulkClient) PushBulk(ctx context.Context, rows []map[string]any) error {
	body, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpointURL+"/users/current/heartbeats.bulk", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", basicAuthHeader(c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientError{Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return classifyStatus(resp.StatusCode)
}
