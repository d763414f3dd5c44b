// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation. Collectors register on the default registry;
// the server exposes them on /metrics.

var (
	heartbeatsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hackatime_heartbeats_inserted_total",
		Help: "Heartbeat rows newly inserted.",
	})

	heartbeatsCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hackatime_heartbeats_coalesced_total",
		Help: "Heartbeat rows coalesced into an existing row by content hash.",
	})

	jobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackatime_jobs_dropped_total",
		Help: "Background jobs dropped due to a concurrency key collision.",
	}, []string{"job"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hackatime_job_duration_seconds",
		Help:    "Wall time of completed background jobs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	jobFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackatime_job_failures_total",
		Help: "Background job failures by failure class.",
	}, []string{"job", "class"})

	mirrorBatchesPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hackatime_mirror_batches_pushed_total",
		Help: "Outbound mirror batches delivered successfully.",
	})

	importRowsFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hackatime_import_rows_fetched_total",
		Help: "Heartbeat rows fetched from external sources before dedup.",
	})

	leaderboardBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hackatime_leaderboard_builds_total",
		Help: "Leaderboard build outcomes.",
	}, []string{"period", "outcome"})
)
