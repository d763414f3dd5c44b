// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of background work. Key is the concurrency key: at most one
// job per key runs at a time, and enqueuing while the key is busy drops the
// new job rather than queueing it. The periodic tick re-offers dropped work.
type Job struct {
	Type string // job family, for logs and metrics
	Key  string // concurrency key, unique per target record
	Run  func(ctx context.Context) error
}

// Scheduler accepts background jobs. Enqueue reports whether the job was
// accepted; false means an instance with the same key is already running.
type Scheduler interface {
	Enqueue(job Job) bool
}

// InProcScheduler runs jobs on a bounded worker pool inside the server
// process. Transient failures are retried in place with quadratic backoff;
// every other failure class surfaces once and stops.
type InProcScheduler struct {
	logger      *slog.Logger
	maxWorkers  int
	maxAttempts int

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool

	sem chan struct{}
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewInProcScheduler creates a scheduler with the given worker bound.
func NewInProcScheduler(logger *slog.Logger, maxWorkers int) *InProcScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcScheduler{
		logger:      logger,
		maxWorkers:  maxWorkers,
		maxAttempts: 8,
		running:     map[string]struct{}{},
		sem:         make(chan struct{}, maxWorkers),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue starts the job unless its key is already held. Returns false when
// the job was dropped (key collision or scheduler shut down).
func (s *InProcScheduler) Enqueue(job Job) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.running[job.Key]; busy {
		s.mu.Unlock()
		jobsDropped.WithLabelValues(job.Type).Inc()
		return false
	}
	s.running[job.Key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, job.Key)
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.ctx.Done():
			return
		}
		s.execute(job)
	}()
	return true
}

// execute runs the job with in-place retries for transient failures.
func (s *InProcScheduler) execute(job Job) {
	start := time.Now()
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = job.Run(s.ctx)
		if err == nil {
			jobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())
			return
		}
		if !IsTransientError(err) || attempt == s.maxAttempts {
			break
		}
		s.logger.Warn("Transient job failure, will retry",
			"job", job.Type, "key", job.Key, "attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(s.ctx, retryBackoff(attempt)); sleepErr != nil {
			return
		}
	}
	jobFailures.WithLabelValues(job.Type, failureClass(err)).Inc()
	s.logger.Error("Job failed", "job", job.Type, "key", job.Key, "error", err)
}

// Close stops accepting jobs, cancels running ones and waits for them.
func (s *InProcScheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func failureClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsAuthenticationError(err):
		return "auth"
	case IsTransientError(err):
		return "transient"
	default:
		return "other"
	}
}

// RunEvery invokes fn on a fixed interval until the context ends. The first
// invocation happens after one interval, not immediately, so startup work
// does not stampede.
func RunEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func sourceJobKey(id int64) string { return fmt.Sprintf("import-source:%d", id) }
func mirrorJobKey(id int64) string { return fmt.Sprintf("mirror:%d", id) }
func boardJobKey(period PeriodType, date time.Time, offset *int) string {
	if offset == nil {
		return fmt.Sprintf("leaderboard:%s:%s", period, date.Format("2006-01-02"))
	}
	return fmt.Sprintf("leaderboard:%s:%s:%d", period, date.Format("2006-01-02"), *offset)
}
