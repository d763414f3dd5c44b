// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsJob(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	defer s.Close()

	done := make(chan struct{})
	ok := s.Enqueue(Job{
		Type: "test",
		Key:  "job-1",
		Run: func(context.Context) error {
			close(done)
			return nil
		},
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestScheduler_CollidingKeyIsDropped(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	defer s.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, s.Enqueue(Job{
		Type: "test",
		Key:  "shared",
		Run: func(context.Context) error {
			close(started)
			<-block
			return nil
		},
	}))
	<-started

	// Same key while running: dropped, not queued.
	assert.False(t, s.Enqueue(Job{Type: "test", Key: "shared", Run: func(context.Context) error { return nil }}))
	// Different key is fine.
	assert.True(t, s.Enqueue(Job{Type: "test", Key: "other", Run: func(context.Context) error { return nil }}))

	close(block)
}

func TestScheduler_KeyIsReleasedAfterCompletion(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	defer s.Close()

	var runs atomic.Int32
	run := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	require.True(t, s.Enqueue(Job{Type: "test", Key: "k", Run: run}))
	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, s.Enqueue(Job{Type: "test", Key: "k", Run: run}))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RetriesTransientFailuresOnly(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	// Collapse backoff so the retry happens within the test.
	s.maxAttempts = 3
	defer s.Close()

	var transientRuns atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	s.Enqueue(Job{
		Type: "test",
		Key:  "transient",
		Run: func(context.Context) error {
			if transientRuns.Add(1) < 2 {
				return &TransientError{Status: 503}
			}
			wg.Done()
			return nil
		},
	})

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(15 * time.Second):
		t.Fatal("transient job was not retried")
	}
	assert.Equal(t, int32(2), transientRuns.Load())
}

func TestScheduler_TerminalFailureIsNotRetried(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	defer s.Close()

	var runs atomic.Int32
	done := make(chan struct{})
	s.Enqueue(Job{
		Type: "test",
		Key:  "terminal",
		Run: func(context.Context) error {
			runs.Add(1)
			close(done)
			return errors.New("boom")
		},
	})
	<-done
	// Give a would-be retry a moment to (not) happen.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_EnqueueAfterCloseIsDropped(t *testing.T) {
	s := NewInProcScheduler(slog.Default(), 2)
	s.Close()
	assert.False(t, s.Enqueue(Job{Type: "test", Key: "late", Run: func(context.Context) error { return nil }}))
}

func TestRetryBackoff_GrowsQuadratically(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		d := retryBackoff(attempt)
		low := time.Duration(attempt*attempt)*time.Second + time.Second
		high := time.Duration(attempt*attempt)*time.Second + 4*time.Second
		assert.GreaterOrEqual(t, d, low, "attempt %d", attempt)
		assert.LessOrEqual(t, d, high, "attempt %d", attempt)
	}
}
