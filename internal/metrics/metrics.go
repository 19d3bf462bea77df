package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/virelyx258/rstatus-server/internal/device"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	devicesPresent   prometheus.Gauge
	connectionsLive  prometheus.Gauge
	connectionsTotal prometheus.Counter
	frames           *prometheus.CounterVec
	reports          *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	registryChanges  *prometheus.CounterVec
	publishes        *prometheus.CounterVec
}

// New creates and registers the collectors
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		devicesPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstatus_devices_present",
			Help: "Devices currently in the presence registry.",
		}),
		connectionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rstatus_connections_active",
			Help: "Open device TCP connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rstatus_connections_total",
			Help: "Device TCP connections accepted since start.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstatus_tcp_frames_total",
			Help: "TCP frames by outcome.",
		}, []string{"result"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstatus_http_reports_total",
			Help: "HTTP reports by outcome.",
		}, []string{"result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstatus_dispatches_total",
			Help: "Operator message dispatches by outcome.",
		}, []string{"result"}),
		registryChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstatus_registry_changes_total",
			Help: "Registry mutations by kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rstatus_mqtt_publishes_total",
			Help: "MQTT mirror publishes by outcome.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.devicesPresent,
		m.connectionsLive,
		m.connectionsTotal,
		m.frames,
		m.reports,
		m.dispatches,
		m.registryChanges,
		m.publishes,
	)
	return m
}

// ObserveChange is a device.Observer keeping the device gauge current
func (m *Metrics) ObserveChange(c device.Change) {
	if m == nil {
		return
	}
	m.devicesPresent.Set(float64(c.Remaining))
	m.registryChanges.WithLabelValues(c.Kind.String()).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsLive.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsLive.Dec()
}

func (m *Metrics) RecordFrame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) RecordReport(result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) RecordDispatch(result string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(orUnknown(result)).Inc()
}

func (m *Metrics) RecordPublish(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(orUnknown(result)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
