// Package metrics exposes Prometheus instrumentation for the monitoring and
// healing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ContainersMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_containers_monitored",
		Help: "Number of opted-in containers currently tracked.",
	})
	LogLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_log_lines_total",
		Help: "Total log lines ingested across all containers.",
	})
	WindowsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_windows_classified_total",
		Help: "Log windows screened by the classifier, by outcome.",
	}, []string{"outcome"})
	WindowsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_windows_dropped_total",
		Help: "Log windows discarded because the anomaly gate was saturated.",
	})
	IncidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_incidents_total",
		Help: "Incidents reaching each terminal state.",
	}, []string{"state"})
	IncidentsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_incidents_open",
		Help: "Incidents currently in a non-terminal state.",
	})
	ClassifierDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_classifier_duration_seconds",
		Help:    "Latency of fast-path anomaly classification calls.",
		Buckets: prometheus.DefBuckets,
	})
	AnalyzerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_analyzer_duration_seconds",
		Help:    "Latency of deep root-cause analysis calls.",
		Buckets: []float64{1, 2.5, 5, 10, 20, 40, 60, 120},
	})
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_actions_total",
		Help: "Remediation actions executed, by tool and result.",
	}, []string{"tool", "result"})
	GatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_gateway_reconnects_total",
		Help: "Re-handshakes performed after a lost gateway session.",
	})
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_events_published_total",
		Help: "Events published on the internal bus, by topic.",
	}, []string{"topic"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_events_dropped_total",
		Help: "Events dropped from slow subscriber queues.",
	})
)
