// Package metrics exposes the node's Prometheus counters and gauges,
// following the teacher's promauto registration style
// (internal/metrics/metrics.go in the source repo).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelaysTotal counts relaySignal calls by outcome.
	RelaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_relays_total",
			Help: "Relay attempts by outcome",
		},
		[]string{"outcome"}, // reached, partial, failed
	)

	// RelayLatency tracks per-relay latency.
	RelayLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapse_relay_latency_ms",
			Help:    "Relay latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// BufferedSignalsGauge tracks live buffer row counts by status.
	BufferedSignalsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "synapse_buffered_signals",
			Help: "Buffered signals by status",
		},
		[]string{"status"},
	)

	// BufferRetriesTotal counts retry attempts by result.
	BufferRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_buffer_retries_total",
			Help: "Buffer retry attempts by result",
		},
		[]string{"result"}, // delivered, failed, expired
	)

	// RuleMatchesTotal counts rule matches.
	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synapse_rule_matches_total",
			Help: "Relay rule matches by rule id",
		},
		[]string{"rule_id"},
	)

	// StatsRollupDuration tracks the stats aggregator's rollup tick duration.
	StatsRollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "synapse_stats_rollup_duration_seconds",
			Help:    "Time spent computing a stats rollup tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)
