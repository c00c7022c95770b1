package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bootstrap ping sources, used as metric labels.
const (
	sourceHostSet    = "host_set"
	sourceRouteTable = "route_table"
	sourceFallback   = "fallback"
)

// Metrics holds the DHT collectors. A nil *Metrics records nothing.
type Metrics struct {
	bootstrapPings        *prometheus.CounterVec
	bootstrapPingFailures *prometheus.CounterVec
	bootstrapResults      *prometheus.CounterVec
	fetcherProbes         *prometheus.CounterVec
	mode                  prometheus.Gauge
	modeSwitches          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		bootstrapPings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "bootstrap_pings_total",
			Help:      "Bootstrap pings sent, by candidate source",
		}, []string{"source"}),
		bootstrapPingFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "bootstrap_ping_failures_total",
			Help:      "Bootstrap pings that failed, by candidate source",
		}, []string{"source"}),
		bootstrapResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "bootstrap_results_total",
			Help:      "Completed bootstrap operations, by result",
		}, []string{"result"}),
		fetcherProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "fetcher_probes_total",
			Help:      "Probes sent by the node fetcher, by kind",
		}, []string{"kind"}),
		mode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "mode",
			Help:      "Current DHT mode (0 inactive, 1 active, 2 passive, 3 passive leaf)",
		}),
		modeSwitches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kadnode",
			Subsystem: "dht",
			Name:      "mode_switches_total",
			Help:      "Number of DHT mode switches",
		}),
	}
}

func (m *Metrics) pingSent(source string) {
	if m != nil {
		m.bootstrapPings.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) pingFailed(source string) {
	if m != nil {
		m.bootstrapPingFailures.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) bootstrapDone(result string) {
	if m != nil {
		m.bootstrapResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) probeSent(kind string) {
	if m != nil {
		m.fetcherProbes.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) modeChanged(mode Mode) {
	if m != nil {
		m.mode.Set(float64(mode))
		m.modeSwitches.Inc()
	}
}
