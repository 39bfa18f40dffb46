// Package metrics holds the Prometheus collectors exported by signalbox.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of collectors signalbox updates, registered on a
// private Registry so tests can build as many as they need.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec   // outcome=completed|cached|in_progress|...
	RequestLatencyMS *prometheus.HistogramVec // outcome

	LeaseAcquireTotal *prometheus.CounterVec // result=granted|denied|error
	LeaseReleaseTotal *prometheus.CounterVec // result=released|not_held|error

	DownstreamAttemptsTotal *prometheus.CounterVec // result=success|timeout|status|transport
	DownstreamLatencyMS     prometheus.Histogram

	InFlight prometheus.Gauge

	ReclaimedTotal     prometheus.Counter
	PurgedTotal        prometheus.Counter
	LeasesExpiredTotal prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry, so
// several instances can coexist in one process.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalbox_requests_total",
				Help: "Coordinated requests by outcome",
			},
			[]string{"outcome"},
		),
		RequestLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalbox_request_latency_ms",
				Help:    "End-to-end request latency (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 18), // 1ms .. ~131s
			},
			[]string{"outcome"},
		),
		LeaseAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalbox_lease_acquire_total",
				Help: "Lease acquire attempts by result",
			},
			[]string{"result"},
		),
		LeaseReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalbox_lease_release_total",
				Help: "Lease release attempts by result",
			},
			[]string{"result"},
		),
		DownstreamAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalbox_downstream_attempts_total",
				Help: "Downstream call attempts by result",
			},
			[]string{"result"},
		),
		DownstreamLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbox_downstream_latency_ms",
			Help:    "Latency of single downstream attempts (ms)",
			Buckets: prometheus.ExponentialBuckets(5, 2, 14),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbox_inflight_requests",
			Help: "Requests currently executing downstream",
		}),
		ReclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbox_reclaimed_total",
			Help: "Processing entries failed by reclamation",
		}),
		PurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbox_purged_total",
			Help: "Terminal ledger entries deleted by age",
		}),
		LeasesExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbox_leases_expired_total",
			Help: "Expired leases swept by the reclaimer",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal,
		m.RequestLatencyMS,
		m.LeaseAcquireTotal,
		m.LeaseReleaseTotal,
		m.DownstreamAttemptsTotal,
		m.DownstreamLatencyMS,
		m.InFlight,
		m.ReclaimedTotal,
		m.PurgedTotal,
		m.LeasesExpiredTotal,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
