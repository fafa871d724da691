// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plugkit/plugkit/internal/plugin"
)

// EngineMetrics exports plugin-engine counters and gauges. It is the
// Prometheus-backed implementation of the engine's metrics recorder.
type EngineMetrics struct {
	loadsTotal      *prometheus.CounterVec
	unloadsTotal    *prometheus.CounterVec
	eventsTotal     *prometheus.CounterVec
	hookCallsTotal  *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec

	pluginsTotal  prometheus.Gauge
	pluginsLoaded prometheus.Gauge
	pluginsActive prometheus.Gauge
	pluginsFailed prometheus.Gauge
	batchLoadTime prometheus.Gauge
	lastScanTime  prometheus.Gauge
}

var _ plugin.MetricsRecorder = (*EngineMetrics)(nil)

// NewEngineMetrics creates and registers the engine metric set.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		loadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugkit_plugin_loads_total",
				Help: "Total number of plugin load attempts by plugin and outcome",
			},
			[]string{"plugin", "outcome"},
		),
		unloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugkit_plugin_unloads_total",
				Help: "Total number of plugin unloads by plugin",
			},
			[]string{"plugin"},
		),
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugkit_events_emitted_total",
				Help: "Total number of events emitted by event type",
			},
			[]string{"event_type"},
		),
		hookCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugkit_hook_calls_total",
				Help: "Total number of hook pipeline invocations by hook",
			},
			[]string{"hook"},
		),
		handlerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugkit_handler_failures_total",
				Help: "Total number of failed event or hook handlers by plugin",
			},
			[]string{"plugin"},
		),
		pluginsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_plugins_discovered",
			Help: "Number of plugins found by the most recent scan",
		}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_plugins_loaded",
			Help: "Number of currently loaded plugins",
		}),
		pluginsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_plugins_active",
			Help: "Number of currently active plugins",
		}),
		pluginsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_plugin_load_failures",
			Help: "Cumulative count of failed plugin load attempts",
		}),
		batchLoadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_batch_load_seconds",
			Help: "Wall-clock duration of the most recent batch load",
		}),
		lastScanTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plugkit_last_scan_timestamp_seconds",
			Help: "Unix timestamp of the most recent plugin scan",
		}),
	}

	reg.MustRegister(
		m.loadsTotal, m.unloadsTotal, m.eventsTotal,
		m.hookCallsTotal, m.handlerFailures,
		m.pluginsTotal, m.pluginsLoaded, m.pluginsActive,
		m.pluginsFailed, m.batchLoadTime, m.lastScanTime,
	)
	return m
}

// RecordLoad implements plugin.MetricsRecorder.
func (m *EngineMetrics) RecordLoad(name string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.loadsTotal.WithLabelValues(name, outcome).Inc()
}

// RecordUnload implements plugin.MetricsRecorder.
func (m *EngineMetrics) RecordUnload(name string) {
	m.unloadsTotal.WithLabelValues(name).Inc()
}

// RecordEvent implements plugin.MetricsRecorder.
func (m *EngineMetrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordHookCall implements plugin.MetricsRecorder.
func (m *EngineMetrics) RecordHookCall(hook string) {
	m.hookCallsTotal.WithLabelValues(hook).Inc()
}

// RecordHandlerFailure implements plugin.MetricsRecorder.
func (m *EngineMetrics) RecordHandlerFailure(name string) {
	m.handlerFailures.WithLabelValues(name).Inc()
}

// ObserveStats implements plugin.MetricsRecorder.
func (m *EngineMetrics) ObserveStats(stats plugin.Stats) {
	m.pluginsTotal.Set(float64(stats.TotalPlugins))
	m.pluginsLoaded.Set(float64(stats.LoadedPlugins))
	m.pluginsActive.Set(float64(stats.ActivePlugins))
	m.pluginsFailed.Set(float64(stats.FailedPlugins))
	m.batchLoadTime.Set(stats.LoadTime.Seconds())
	if !stats.LastScan.IsZero() {
		m.lastScanTime.Set(float64(stats.LastScan.Unix()))
	}
}
