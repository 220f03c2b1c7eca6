// Package metrics exposes Prometheus collectors for the event store and
// projection pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Append path metrics
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_appends_total",
			Help: "Total number of append attempts",
		},
		[]string{"status"},
	)

	AppendedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_appended_events_total",
			Help: "Total number of events appended",
		},
	)

	AppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerline_append_duration_seconds",
			Help:    "Duration of append operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_version_conflicts_total",
			Help: "Total number of optimistic-concurrency conflicts",
		},
	)

	// Snapshot metrics
	SnapshotsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_snapshots_written_total",
			Help: "Total number of snapshots written",
		},
	)

	SnapshotFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_snapshot_failures_total",
			Help: "Total number of failed or discarded snapshots",
		},
	)

	// Projection metrics
	ProjectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_projected_events_total",
			Help: "Total number of events applied to read models",
		},
		[]string{"projection"},
	)

	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_projection_batch_flushes_total",
			Help: "Total number of projection batch commits",
		},
		[]string{"projection", "reason"},
	)

	ProjectionLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerline_projection_lag_positions",
			Help: "Positions between the change-stream head and a partition checkpoint",
		},
		[]string{"projection", "partition"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_dead_letters_total",
			Help: "Total number of events routed to the dead-letter store",
		},
		[]string{"projection"},
	)

	// Replay metrics
	ReplayLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerline_replay_lag_positions",
			Help: "Remaining positions for a shadow projection to catch up",
		},
		[]string{"shadow"},
	)

	Cutovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerline_replay_cutovers_total",
			Help: "Total number of replay cutovers",
		},
		[]string{"status"},
	)

	// Consistency token metrics
	WaitForTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerline_waitfor_timeouts_total",
			Help: "Total number of WaitFor calls that hit their deadline",
		},
	)
)
