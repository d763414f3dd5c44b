// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirrorStore struct {
	mirrors    map[int64]*Mirror
	heartbeats []Heartbeat // direct-entry rows, ascending id
}

func (s *fakeMirrorStore) GetMirror(_ context.Context, id int64) (*Mirror, error) {
	m, ok := s.mirrors[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMirrorStore) UpdateMirror(_ context.Context, m *Mirror) error {
	cp := *m
	s.mirrors[m.ID] = &cp
	return nil
}

func (s *fakeMirrorStore) ActiveMirrorIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	var ids []int64
	for id, m := range s.mirrors {
		if m.UserID == userID && m.Enabled {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeMirrorStore) DirectHeartbeatsAfter(_ context.Context, userID, afterID int64, limit int) ([]Heartbeat, error) {
	var out []Heartbeat
	for _, hb := range s.heartbeats {
		if hb.UserID == userID && hb.ID > afterID && hb.SourceType == SourceDirectEntry {
			out = append(out, hb)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakePusher struct {
	batches [][]map[string]any
	err     error
}

func (p *fakePusher) PushBulk(_ context.Context, rows []map[string]any) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, rows)
	return nil
}

func directRow(id int64, t float64) Heartbeat {
	h := hb(42, t)
	h.ID = id
	h.SourceType = SourceDirectEntry
	return h
}

func newTestPublisher(store *fakeMirrorStore, pusher heartbeatPusher, sched Scheduler, config *ServiceConfig) *MirrorPublisher {
	pub := NewMirrorPublisher(store, sched, nil, config, slog.Default())
	pub.newPusher = func(string, string) heartbeatPusher { return pusher }
	return pub
}

func testMirror() *Mirror {
	return &Mirror{
		ID:          3,
		UserID:      42,
		EndpointURL: "https://mirror.example.com/api",
		APIKey:      "k",
		Enabled:     true,
	}
}

func TestMirrorPublisher_PushesAndAdvancesCursor(t *testing.T) {
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: []Heartbeat{directRow(1, 100), directRow(2, 200), directRow(3, 300)},
	}
	pusher := &fakePusher{}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	require.Len(t, pusher.batches, 1)
	assert.Len(t, pusher.batches[0], 3)

	m := store.mirrors[3]
	assert.Equal(t, int64(3), m.LastSyncedHeartbeatID)
	assert.NotNil(t, m.LastSyncedAt)
	assert.Zero(t, m.ConsecutiveFailures)
}

func TestMirrorPublisher_PayloadOmitsUserID(t *testing.T) {
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: []Heartbeat{directRow(1, 100)},
	}
	pusher := &fakePusher{}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	require.Len(t, pusher.batches, 1)
	payload := pusher.batches[0][0]
	assert.NotContains(t, payload, "user_id")
	assert.Contains(t, payload, "time")
}

func TestMirrorPublisher_SkipsImportedRows(t *testing.T) {
	imported := directRow(2, 200)
	imported.SourceType = SourceWakapiImport
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: []Heartbeat{directRow(1, 100), imported},
	}
	pusher := &fakePusher{}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	require.Len(t, pusher.batches, 1)
	assert.Len(t, pusher.batches[0], 1)
}

func TestMirrorPublisher_AuthFailureDisablesMirror(t *testing.T) {
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: []Heartbeat{directRow(1, 100)},
	}
	pusher := &fakePusher{err: &AuthenticationError{Status: 401}}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	m := store.mirrors[3]
	assert.False(t, m.Enabled)
	assert.Equal(t, int64(0), m.LastSyncedHeartbeatID) // cursor untouched
	assert.NotNil(t, m.LastErrorMessage)
}

func TestMirrorPublisher_TransientFailureIsReRaised(t *testing.T) {
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: []Heartbeat{directRow(1, 100)},
	}
	pusher := &fakePusher{err: &TransientError{Status: 503}}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	err := pub.RunMirrorSync(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, IsTransientError(err))

	m := store.mirrors[3]
	assert.True(t, m.Enabled)
	assert.Equal(t, 1, m.ConsecutiveFailures)
	assert.Equal(t, int64(0), m.LastSyncedHeartbeatID)
}

func TestMirrorPublisher_BatchBudgetReEnqueues(t *testing.T) {
	var rows []Heartbeat
	for i := int64(1); i <= 60; i++ {
		rows = append(rows, directRow(i, float64(i*100)))
	}
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: testMirror()},
		heartbeats: rows,
	}
	pusher := &fakePusher{}
	sched := &fakeScheduler{}
	pub := newTestPublisher(store, pusher, sched, &ServiceConfig{
		MirrorBatchSize:        25,
		MirrorMaxBatchesPerRun: 2,
	})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	assert.Len(t, pusher.batches, 2)
	assert.Equal(t, int64(50), store.mirrors[3].LastSyncedHeartbeatID)
	require.Len(t, sched.enqueued, 1) // 10 rows left for the next run
	assert.Equal(t, "mirror_sync", sched.enqueued[0].Type)
}

func TestMirrorPublisher_DisabledMirrorIsIgnored(t *testing.T) {
	m := testMirror()
	m.Enabled = false
	store := &fakeMirrorStore{
		mirrors:    map[int64]*Mirror{3: m},
		heartbeats: []Heartbeat{directRow(1, 100)},
	}
	pusher := &fakePusher{}
	pub := newTestPublisher(store, pusher, nil, &ServiceConfig{})

	require.NoError(t, pub.RunMirrorSync(context.Background(), 3))
	assert.Empty(t, pusher.batches)
}

func TestMirrorPublisher_FanoutEnqueuesActiveMirrors(t *testing.T) {
	second := testMirror()
	second.ID = 4
	disabled := testMirror()
	disabled.ID = 5
	disabled.Enabled = false

	store := &fakeMirrorStore{
		mirrors: map[int64]*Mirror{3: testMirror(), 4: second, 5: disabled},
	}
	sched := &fakeScheduler{}
	pub := newTestPublisher(store, &fakePusher{}, sched, &ServiceConfig{})

	require.NoError(t, pub.FanoutForUser(context.Background(), 42))
	assert.Len(t, sched.enqueued, 2)
}
