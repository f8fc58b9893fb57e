// Package metrics exposes poller activity to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector is what the poller reports to.
type MetricsCollector interface {
	RecordFetchSuccess(carrier string)
	RecordFetchFailure(carrier string)
	RecordFetchLatency(carrier string, d time.Duration)
	RecordRateLimited(carrier string)
	RecordRescan()
	RecordRegistryReload(ok bool)
	SetTracked(n int)
}

type Collector struct {
	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	rescans      prometheus.Counter
	reloads      prometheus.Counter
	reloadErrors prometheus.Counter
	trackedGauge prometheus.Gauge
}

// NewCollector creates the collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptrack_fetch_total",
			Help: "Carrier lookups by carrier and result.",
		}, []string{"carrier", "result"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ptrack_fetch_latency_seconds",
			Help:    "Carrier lookup latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"carrier"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptrack_rate_limited_total",
			Help: "Lookups that exceeded the per-minute carrier budget.",
		}, []string{"carrier"}),
		rescans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptrack_rescans_total",
			Help: "Full rescans of every tracked shipment.",
		}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptrack_registry_reloads_total",
			Help: "Re-parses of the registry file.",
		}),
		reloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptrack_registry_errors_total",
			Help: "Re-parses of the registry file that failed.",
		}),
		trackedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptrack_tracked_shipments",
			Help: "Shipments currently tracked.",
		}),
	}

	reg.MustRegister(
		c.fetches,
		c.fetchLatency,
		c.rateLimited,
		c.rescans,
		c.reloads,
		c.reloadErrors,
		c.trackedGauge,
	)
	return c
}

func (c *Collector) RecordFetchSuccess(carrier string) {
	c.fetches.WithLabelValues(carrier, "ok").Inc()
}

// RecordFetchFailure counts lookups that resolved to no data.
func (c *Collector) RecordFetchFailure(carrier string) {
	c.fetches.WithLabelValues(carrier, "absent").Inc()
}

func (c *Collector) RecordFetchLatency(carrier string, d time.Duration) {
	c.fetchLatency.WithLabelValues(carrier).Observe(d.Seconds())
}

func (c *Collector) RecordRateLimited(carrier string) {
	c.rateLimited.WithLabelValues(carrier).Inc()
}

func (c *Collector) RecordRescan() {
	c.rescans.Inc()
}

func (c *Collector) RecordRegistryReload(ok bool) {
	c.reloads.Inc()
	if !ok {
		c.reloadErrors.Inc()
	}
}

func (c *Collector) SetTracked(n int) {
	c.trackedGauge.Set(float64(n))
}

// Handler serves the registry for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) RecordFetchSuccess(string)                {}
func (Noop) RecordFetchFailure(string)                {}
func (Noop) RecordFetchLatency(string, time.Duration) {}
func (Noop) RecordRateLimited(string)                 {}
func (Noop) RecordRescan()                            {}
func (Noop) RecordRegistryReload(bool)                {}
func (Noop) SetTracked(int)                           {}
