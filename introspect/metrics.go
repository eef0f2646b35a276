// Package introspect mirrors the deputy's self-accounting counters and
// resource samples onto Prometheus collectors, so a scrape
// target can observe a deputy's health without decoding bus traffic.
package introspect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/procdeputy/deputy/probe"
)

// Metrics is a deputy's Prometheus registry and the gauges/counters it
// exposes. Each Metrics owns its own *prometheus.Registry, so constructing
// several in one process (one per deputy instance, as tests do) never
// panics on duplicate registration.
type Metrics struct {
	host     string
	registry *prometheus.Registry

	cpuLoad     prometheus.Gauge
	memFree     prometheus.Gauge
	memTotal    prometheus.Gauge
	selfRSS     prometheus.Gauge
	selfVSize   prometheus.Gauge
	liveChildren prometheus.Gauge

	ordersSeen  prometheus.Counter
	ordersForMe prometheus.Counter
	staleOrders prometheus.Counter
}

// NewMetrics creates a private Prometheus registry and registers metrics
// labelled with host into it, so multiple Metrics instances in one process
// (as in tests) never collide over the default registry.
func NewMetrics(host string) *Metrics {
	labels := prometheus.Labels{"host": host}

	m := &Metrics{
		host:     host,
		registry: prometheus.NewRegistry(),
		cpuLoad: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "cpu_load", Help: "Host CPU load fraction, 0..1.",
			ConstLabels: labels,
		}),
		memFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "mem_free_bytes", Help: "Free physical memory in bytes.",
			ConstLabels: labels,
		}),
		memTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "mem_total_bytes", Help: "Total physical memory in bytes.",
			ConstLabels: labels,
		}),
		selfRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "self_rss_bytes", Help: "Deputy process resident set size.",
			ConstLabels: labels,
		}),
		selfVSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "self_vsize_bytes", Help: "Deputy process virtual size.",
			ConstLabels: labels,
		}),
		liveChildren: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deputy", Name: "live_children", Help: "Number of currently running children.",
			ConstLabels: labels,
		}),
		ordersSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deputy", Name: "orders_seen_total", Help: "Orders messages seen, any host.",
			ConstLabels: labels,
		}),
		ordersForMe: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deputy", Name: "orders_for_me_total", Help: "Orders messages addressed to this host.",
			ConstLabels: labels,
		}),
		staleOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deputy", Name: "stale_orders_total", Help: "Orders messages dropped for staleness.",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.cpuLoad, m.memFree, m.memTotal, m.selfRSS, m.selfVSize, m.liveChildren,
		m.ordersSeen, m.ordersForMe, m.staleOrders,
	)

	return m
}

// Registry returns the Prometheus registry this Metrics registered itself
// into, for the debug HTTP surface's /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveHost updates the host-wide gauges from a fresh sample.
func (m *Metrics) ObserveHost(cpuLoad float64, sys probe.SystemSample) {
	m.cpuLoad.Set(cpuLoad)
	m.memFree.Set(float64(sys.PhysMemFree))
	m.memTotal.Set(float64(sys.PhysMemTotal))
}

// ObserveIntrospection folds one 120s mark into the counters and self
// resource gauges. Plain ints rather than a shared type, so introspect
// never needs to import the deputy package (which itself imports
// introspect to update these gauges).
func (m *Metrics) ObserveIntrospection(ordersSeen, ordersForMe, staleOrders, liveChildren int, self probe.ProcSample) {
	m.ordersSeen.Add(float64(ordersSeen))
	m.ordersForMe.Add(float64(ordersForMe))
	m.staleOrders.Add(float64(staleOrders))
	m.liveChildren.Set(float64(liveChildren))
	m.selfRSS.Set(float64(self.RSS))
	m.selfVSize.Set(float64(self.VSize))
}
