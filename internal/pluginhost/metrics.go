package pluginhost

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the plugin host's Prometheus metrics.
type Metrics struct {
	PluginsActive         prometheus.Gauge
	LoadsTotal            *prometheus.CounterVec
	ReloadsTotal          *prometheus.CounterVec
	RollbackFailuresTotal prometheus.Counter
	CompatRejectionsTotal prometheus.Counter
}

// NewMetrics creates and registers the plugin host metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		PluginsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "skydeck_plugins_active",
				Help: "Number of currently registered plugins",
			},
		),
		LoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skydeck_plugin_loads_total",
				Help: "Total number of plugin load attempts",
			},
			[]string{"result"},
		),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "skydeck_plugin_reloads_total",
				Help: "Total number of plugin reload attempts",
			},
			[]string{"result"},
		),
		RollbackFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skydeck_plugin_rollback_failures_total",
				Help: "Total number of reload rollbacks that could not restore the previous plugin",
			},
		),
		CompatRejectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "skydeck_compat_rejections_total",
				Help: "Total number of plugins rejected by the compatibility gate",
			},
		),
	}

	registry.MustRegister(
		m.PluginsActive,
		m.LoadsTotal,
		m.ReloadsTotal,
		m.RollbackFailuresTotal,
		m.CompatRejectionsTotal,
	)

	return m
}

// Load and reload result label values.
const (
	ResultLoaded     = "loaded"
	ResultFailed     = "failed"
	ResultRejected   = "rejected"
	ResultNoOp       = "noop"
	ResultRolledBack = "rolled_back"
)
