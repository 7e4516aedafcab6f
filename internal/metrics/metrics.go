// Copyright (c) 2025, the questarr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsManager owns the engine's Prometheus collectors and the registry
// they live in.
type MetricsManager struct {
	registry *prometheus.Registry

	SearchesIssued   *prometheus.CounterVec
	AdmissionsDenied *prometheus.CounterVec
	LedgerSkips      *prometheus.CounterVec
	CycleFailures    *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec

	StrikesRecorded *prometheus.CounterVec
	QueueRemovals   *prometheus.CounterVec

	IndexerQueries  *prometheus.CounterVec
	IndexerFailures *prometheus.CounterVec

	InstancesConfigured prometheus.Gauge
	CyclesRunning       prometheus.Gauge
}

func NewMetricsManager() *MetricsManager {
	m := &MetricsManager{
		registry: prometheus.NewRegistry(),

		SearchesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_searches_issued_total",
			Help: "Searches issued per instance.",
		}, []string{"instance"}),
		AdmissionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_admissions_denied_total",
			Help: "Searches denied by the hourly budget per instance.",
		}, []string{"instance"}),
		LedgerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_ledger_skips_total",
			Help: "Candidates skipped because of a live ledger entry.",
		}, []string{"instance"}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_cycle_failures_total",
			Help: "Hunt cycles that aborted with an error.",
		}, []string{"instance"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "questarr_cycle_duration_seconds",
			Help:    "Duration of completed hunt cycles.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"instance"}),

		StrikesRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_strikes_recorded_total",
			Help: "Stall strikes recorded per instance.",
		}, []string{"instance"}),
		QueueRemovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_queue_removals_total",
			Help: "Queue entries removed by the watchdog per instance.",
		}, []string{"instance"}),

		IndexerQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_indexer_queries_total",
			Help: "Queries attempted per indexer.",
		}, []string{"indexer"}),
		IndexerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questarr_indexer_failures_total",
			Help: "Failed queries per indexer.",
		}, []string{"indexer"}),

		InstancesConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questarr_instances_configured",
			Help: "Number of configured instances.",
		}),
		CyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questarr_cycles_running",
			Help: "Hunt cycles currently holding their cycle lock.",
		}),
	}

	m.registry.MustRegister(
		m.SearchesIssued,
		m.AdmissionsDenied,
		m.LedgerSkips,
		m.CycleFailures,
		m.CycleDuration,
		m.StrikesRecorded,
		m.QueueRemovals,
		m.IndexerQueries,
		m.IndexerFailures,
		m.InstancesConfigured,
		m.CyclesRunning,
	)

	return m
}

// Registry exposes the registry for the metrics server.
func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}
