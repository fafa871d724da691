// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

// MetricsRecorder receives engine events for export. The observability
// package provides the Prometheus-backed implementation; a nil
// recorder disables export entirely.
type MetricsRecorder interface {
	// RecordLoad counts a load attempt for a plugin.
	RecordLoad(plugin string, success bool)

	// RecordUnload counts an unload of a plugin.
	RecordUnload(plugin string)

	// RecordEvent counts an event emission.
	RecordEvent(eventType string)

	// RecordHookCall counts a hook pipeline invocation.
	RecordHookCall(hook string)

	// RecordHandlerFailure counts a failed event/hook handler.
	RecordHandlerFailure(plugin string)

	// ObserveStats publishes the manager's aggregate gauges.
	ObserveStats(stats Stats)
}
