// Package metrics holds the engine's prometheus collectors. A Registry is
// created per runtime and served by the diagnostics endpoint; nothing is
// registered globally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestBytes     *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec
	FlushTotal       *prometheus.CounterVec
	FlushRecords     *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	BandwidthKbps    prometheus.Gauge
	NetworkQuality   prometheus.Gauge
	RequestDurations *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagwire",
			Name:      "requests_total",
			Help:      "Outbound requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		RequestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagwire",
			Name:      "request_bytes_total",
			Help:      "Payload bytes sent by endpoint.",
		}, []string{"endpoint"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagwire",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips by operation key.",
		}, []string{"key"}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagwire",
			Name:      "flush_total",
			Help:      "Queue flushes by queue and outcome.",
		}, []string{"queue", "outcome"}),
		FlushRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flagwire",
			Name:      "flush_records_total",
			Help:      "Records handled at flush by queue and disposition.",
		}, []string{"queue", "disposition"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flagwire",
			Name:      "queue_depth",
			Help:      "Current queue length.",
		}, []string{"queue"}),
		BandwidthKbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagwire",
			Name:      "bandwidth_estimate_kbps",
			Help:      "Smoothed bandwidth estimate.",
		}),
		NetworkQuality: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flagwire",
			Name:      "network_quality",
			Help:      "Network quality tier (0=terrible .. 4=excellent).",
		}),
		RequestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flagwire",
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestBytes,
		m.BreakerTrips,
		m.FlushTotal,
		m.FlushRecords,
		m.QueueDepth,
		m.BandwidthKbps,
		m.NetworkQuality,
		m.RequestDurations,
	)
	return m
}
