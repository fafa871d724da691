// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// eventRegistration pairs a handler with the plugin that owns it, so
// unregistration can remove every handler belonging to one plugin.
type eventRegistration struct {
	owner   string
	handler plugsdk.EventHandler
}

// EventBus routes publish/subscribe notifications between plugins.
//
// Emission runs against a snapshot of the registered handlers taken
// under a short read lock, so a slow handler never blocks registry
// mutation or unrelated load/unload operations. Handlers owned by the
// emitting plugin are skipped to prevent feedback loops.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]eventRegistration
	metrics  MetricsRecorder
	recorder func(owner string, failed bool)

	emitted       atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewEventBus creates an event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]eventRegistration),
	}
}

// setMetrics wires an optional metrics recorder. Called by the manager
// before any plugin registers.
func (b *EventBus) setMetrics(m MetricsRecorder) {
	b.metrics = m
}

// setCallRecorder wires a per-plugin dispatch counter callback.
func (b *EventBus) setCallRecorder(fn func(owner string, failed bool)) {
	b.recorder = fn
}

// RegisterPlugin copies the plugin's declared event-handler table into
// the bus, tagging every handler with the owning plugin name. Plugins
// that do not subscribe to events register nothing.
func (b *EventBus) RegisterPlugin(name string, instance plugsdk.Plugin) {
	sub, ok := instance.(plugsdk.EventSubscriber)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, handlers := range sub.EventHandlers() {
		for _, h := range handlers {
			b.handlers[eventType] = append(b.handlers[eventType], eventRegistration{
				owner:   name,
				handler: h,
			})
		}
	}
}

// RegisterHandler registers a single handler owned by a plugin.
func (b *EventBus) RegisterHandler(eventType string, h plugsdk.EventHandler, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], eventRegistration{
		owner:   owner,
		handler: h,
	})
}

// UnregisterPlugin removes every handler owned by the plugin from
// every event-type bucket. Emissions already snapshotted may still
// reach the plugin's handlers; callers requiring strict fencing must
// unregister before starting teardown, as the manager does.
func (b *EventBus) UnregisterPlugin(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, regs := range b.handlers {
		kept := regs[:0]
		for _, reg := range regs {
			if reg.owner != name {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, eventType)
			continue
		}
		b.handlers[eventType] = kept
	}
}

// Emit delivers data to every handler registered for eventType except
// handlers owned by sourcePlugin. Each handler failure is isolated:
// logged, counted, and never allowed to stop delivery to the rest.
// Pass an empty sourcePlugin for host-originated events.
func (b *EventBus) Emit(eventType string, data map[string]any, sourcePlugin string) {
	b.mu.RLock()
	snapshot := append([]eventRegistration(nil), b.handlers[eventType]...)
	b.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	eventID := ulid.Make()
	b.emitted.Add(1)
	if b.metrics != nil {
		b.metrics.RecordEvent(eventType)
	}

	start := time.Now()
	for _, reg := range snapshot {
		if sourcePlugin != "" && reg.owner == sourcePlugin {
			continue
		}
		if err := b.deliver(reg, data); err != nil {
			b.handlerPanics.Add(1)
			if b.metrics != nil {
				b.metrics.RecordHandlerFailure(reg.owner)
			}
			if b.recorder != nil {
				b.recorder(reg.owner, true)
			}
			slog.Error("event handler failed",
				"event_id", eventID.String(),
				"event_type", eventType,
				"plugin", reg.owner,
				"source", sourcePlugin,
				"error", err)
			continue
		}
		if b.recorder != nil {
			b.recorder(reg.owner, false)
		}
	}

	slog.Debug("event delivered",
		"event_id", eventID.String(),
		"event_type", eventType,
		"handlers", len(snapshot),
		"duration", time.Since(start))
}

// deliver invokes one handler with panic containment.
func (b *EventBus) deliver(reg eventRegistration, data map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	reg.handler(data)
	return nil
}

// HandlerCount returns the number of handlers registered for the event
// type.
func (b *EventBus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// EventBusStats are cumulative dispatch counters.
type EventBusStats struct {
	Emitted       uint64 `json:"emitted"`
	HandlerPanics uint64 `json:"handlerPanics"`
}

// Stats returns cumulative dispatch counters.
func (b *EventBus) Stats() EventBusStats {
	return EventBusStats{
		Emitted:       b.emitted.Load(),
		HandlerPanics: b.handlerPanics.Load(),
	}
}

// Cleanup drops every registration.
func (b *EventBus) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]eventRegistration)
}
