// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CandidatesDiscovered counts candidate streams handed to the
	// coordinator, by discovery source.
	CandidatesDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidepipe_candidates_discovered_total",
		Help: "Total number of candidate streams received from discovery, by source.",
	}, []string{"source"})

	// ProbeResults counts finished probes by outcome reason.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidepipe_probe_results_total",
		Help: "Total number of stream probes, by outcome reason.",
	}, []string{"reason"})

	// ProbeDuration observes wall time per probe including variant
	// resolution.
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guidepipe_probe_duration_seconds",
		Help:    "Duration of a single stream probe.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
	})

	// MatchResults counts matcher outcomes by method tier.
	MatchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidepipe_match_results_total",
		Help: "Total number of channel match attempts, by method.",
	}, []string{"method"})

	// ProgrammesDropped counts parser-side programme drops by cause.
	ProgrammesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidepipe_programmes_dropped_total",
		Help: "Total number of programme records dropped during parsing, by cause.",
	}, []string{"cause"})

	// RecordsPersisted counts rows written to the store by table.
	RecordsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guidepipe_records_persisted_total",
		Help: "Total number of records written to the store, by kind.",
	}, []string{"kind"})

	// SourceFailures counts EPG sources that failed to fetch or parse.
	SourceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guidepipe_epg_source_failures_total",
		Help: "Total number of EPG sources that failed during a refresh.",
	})

	// RefreshDuration observes end-to-end refresh run time.
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guidepipe_refresh_duration_seconds",
		Help:    "Duration of a full ingestion refresh run.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// LastRefreshSuccess is the unix timestamp of the last successful
	// refresh, for alerting on staleness.
	LastRefreshSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guidepipe_last_refresh_success_timestamp_seconds",
		Help: "Unix timestamp of the most recent successful refresh.",
	})

	// IndexChannels is the channel count of the most recent index build.
	IndexChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guidepipe_index_channels",
		Help: "Number of channels in the most recently built EPG index.",
	})
)
