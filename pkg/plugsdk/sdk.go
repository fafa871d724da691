// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package plugsdk defines the contract between the PlugKit engine and
// plugin implementations.
//
// A plugin is any type implementing the Plugin interface. The engine
// instantiates plugins through factories registered with its discovery
// service, initializes them with a host-supplied Context, and tears
// them down with Cleanup. Optional behavior (configuration, status
// reporting, event handlers, hooks) is expressed through the narrow
// optional interfaces below; the engine type-asserts for them at
// registration time.
//
// The package is deliberately dependency-free so that out-of-tree
// plugins do not inherit the engine's module graph.
package plugsdk

import "context"

// Context carries host-provided configuration and services into a
// plugin's Initialize call. Keys are host-defined; the "config" key, if
// present, holds the plugin's effective configuration map.
type Context map[string]any

// Config returns the plugin configuration map from the context, or nil
// if none was supplied.
func (c Context) Config() map[string]any {
	if c == nil {
		return nil
	}
	cfg, _ := c["config"].(map[string]any)
	return cfg
}

// Merged returns a copy of c with overrides applied on top.
// Override keys win. Either side may be nil.
func (c Context) Merged(overrides Context) Context {
	merged := make(Context, len(c)+len(overrides))
	for k, v := range c {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Status reports a plugin's self-assessed condition.
type Status string

// Statuses a plugin may report.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDegraded Status = "degraded"
)

// Metadata describes a plugin's identity, classification, and
// declarations. The engine converts it into its internal manifest
// representation during discovery.
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
	Homepage    string

	// Type is one of: core, extension, theme, widget, service,
	// middleware, ai, custom.
	Type string

	// Priority is one of: critical, high, normal, low, optional.
	// Lower priorities load earlier. Empty means normal.
	Priority string

	Dependencies         []string
	OptionalDependencies []string
	Conflicts            []string

	Capabilities []string
	Permissions  []string

	MinSystemVersion string
	MaxSystemVersion string

	// ConfigSchema is a JSON-Schema document validating the plugin's
	// configuration. Empty means no validation.
	ConfigSchema map[string]any

	DefaultConfig map[string]any
}

// Plugin is the capability interface every plugin must implement.
type Plugin interface {
	// Initialize prepares the plugin with the host context. A non-nil
	// error marks the plugin failed; it will not be registered with the
	// event bus or hook pipeline.
	Initialize(ctx context.Context, pctx Context) error

	// Cleanup releases the plugin's resources. Errors are recorded by
	// the engine but never abort an unload.
	Cleanup(ctx context.Context) error

	// Metadata returns the plugin's descriptor. It must be callable on
	// a freshly constructed, uninitialized instance.
	Metadata() Metadata
}

// EventHandler consumes an event payload delivered by the engine's
// event bus.
type EventHandler func(data map[string]any)

// HookFunc transforms a payload in the engine's hook pipeline.
// Returning nil keeps the previous value unchanged.
type HookFunc func(data map[string]any) map[string]any

// Configurable is implemented by plugins exposing runtime
// configuration.
type Configurable interface {
	Config() map[string]any
	SetConfig(cfg map[string]any) error
}

// StatusReporter is implemented by plugins that self-report status.
type StatusReporter interface {
	Status() Status
}

// EventSubscriber is implemented by plugins that receive events. The
// engine copies the handler table at registration time; later mutation
// of the returned map has no effect.
type EventSubscriber interface {
	EventHandlers() map[string][]EventHandler
}

// HookProvider is implemented by plugins that contribute hook
// transformations. Handlers run in registration order.
type HookProvider interface {
	Hooks() map[string][]HookFunc
}
