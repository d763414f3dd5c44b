// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeartbeatUploads_Array(t *testing.T) {
	body := `[{"entity":"a.go","time":1700000000},{"entity":"b.go","time":1700000060}]`
	req := httptest.NewRequest("POST", "/api/v1/users/current/heartbeats", strings.NewReader(body))

	uploads, err := decodeHeartbeatUploads(req)
	require.NoError(t, err)
	require.Len(t, uploads, 2)
	assert.Equal(t, "a.go", *uploads[0].Entity)
	assert.Equal(t, "b.go", *uploads[1].Entity)
}

func TestDecodeHeartbeatUploads_SingleObject(t *testing.T) {
	body := `{"entity":"solo.go","time":1700000000,"is_write":true}`
	req := httptest.NewRequest("POST", "/api/v1/users/current/heartbeats", strings.NewReader(body))

	uploads, err := decodeHeartbeatUploads(req)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "solo.go", *uploads[0].Entity)
	require.NotNil(t, uploads[0].IsWrite)
	assert.True(t, *uploads[0].IsWrite)
}

func TestDecodeHeartbeatUploads_Garbage(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/users/current/heartbeats", strings.NewReader("not json"))
	_, err := decodeHeartbeatUploads(req)
	assert.Error(t, err)
}

func TestUploadAsExternal_TransfersAllFields(t *testing.T) {
	entity := "x.go"
	project := "proj"
	lines := int64(120)
	isWrite := true
	u := HeartbeatUpload{
		Entity:       &entity,
		Project:      &project,
		Lines:        &lines,
		IsWrite:      &isWrite,
		Dependencies: []string{"fmt"},
		Time:         1700000000.0,
	}
	ext := uploadAsExternal(&u)
	assert.Equal(t, &entity, ext.Entity)
	assert.Equal(t, &project, ext.Project)
	assert.Equal(t, &lines, ext.Lines)
	assert.Equal(t, &isWrite, ext.IsWrite)
	assert.Equal(t, []string{"fmt"}, ext.Dependencies)
	assert.Equal(t, 1700000000.0, ext.Time)
}
