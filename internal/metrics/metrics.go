// Package metrics exposes Prometheus collectors for the bridge: routed
// intents by outcome, device request latency by API path, and whether
// the health watcher currently sees the device.
package metrics

import (
	"net/http"
	"time"

	"github.com/nugget/m5bridge/internal/httpkit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for IntentsTotal.
const (
	OutcomeOK        = "ok"
	OutcomeTransport = "transport_error"
	OutcomeError     = "error"
)

// Metrics holds the bridge collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	IntentsTotal  *prometheus.CounterVec
	DeviceLatency *prometheus.HistogramVec
	DeviceErrors  *prometheus.CounterVec
	DeviceUp      prometheus.Gauge
	RouteLatency  prometheus.Histogram
}

// New creates the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newWith(reg)
}

func newWith(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		IntentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "m5bridge_intents_total",
			Help: "Instructions routed, by classified intent and outcome.",
		}, []string{"intent", "outcome"}),
		DeviceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m5bridge_device_request_duration_seconds",
			Help:    "Latency of HTTP requests to the device, by API path.",
			Buckets: []float64{.025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"path"}),
		DeviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "m5bridge_device_request_errors_total",
			Help: "Failed device requests, by API path and failure reason.",
		}, []string{"path", "reason"}),
		DeviceUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "m5bridge_device_up",
			Help: "1 when the last health probe reached the device, otherwise 0.",
		}),
		RouteLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "m5bridge_route_duration_seconds",
			Help:    "End-to-end time to classify, execute and format one instruction.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveRequest implements device.Observer. Errors are labelled with
// httpkit.Reason; replies the device sent but the client rejected land
// under "other".
func (m *Metrics) ObserveRequest(path string, d time.Duration, err error) {
	m.DeviceLatency.WithLabelValues(path).Observe(d.Seconds())
	if err != nil {
		m.DeviceErrors.WithLabelValues(path, httpkit.Reason(err)).Inc()
	}
}

// ObserveRoute records one routed instruction.
func (m *Metrics) ObserveRoute(intent, outcome string, d time.Duration) {
	m.IntentsTotal.WithLabelValues(intent, outcome).Inc()
	m.RouteLatency.Observe(d.Seconds())
}

// SetDeviceUp records the health watcher state.
func (m *Metrics) SetDeviceUp(up bool) {
	if up {
		m.DeviceUp.Set(1)
		return
	}
	m.DeviceUp.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
