package proxy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treykane/chrome-server/internal/fault"
)

// Metrics holds the tunnel proxy's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Connections *prometheus.CounterVec
	Active      prometheus.Gauge
	Bytes       *prometheus.CounterVec
	Failures    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the proxy collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrome_proxy_connections_total",
				Help: "Proxied connections by request kind and routing decision",
			},
			[]string{"kind", "route"},
		),
		Active: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chrome_proxy_tunnels_active",
				Help: "Number of established tunnels",
			},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrome_proxy_bytes_total",
				Help: "Bytes relayed by direction",
			},
			[]string{"direction"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chrome_proxy_failures_total",
				Help: "Connection failures by category",
			},
			[]string{"kind"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) connection(kind, route string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(kind, route).Inc()
}

func (m *Metrics) tunnelOpened() {
	if m != nil {
		m.Active.Inc()
	}
}

func (m *Metrics) tunnelClosed() {
	if m != nil {
		m.Active.Dec()
	}
}

func (m *Metrics) relayed(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.Bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	kind := fault.KindOf(err)
	if kind == 0 {
		kind = fault.TransportError
	}
	m.Failures.WithLabelValues(kind.String()).Inc()
}
