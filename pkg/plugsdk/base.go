// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugsdk

import (
	"context"
	"sync"
)

// Base is a convenience implementation of Plugin that plugin authors
// can embed. It stores configuration from the host context, tracks an
// initialized flag, and provides registration helpers for event
// handlers and hooks.
//
// Embedders typically override OnInitialize/OnCleanup rather than
// Initialize/Cleanup themselves.
type Base struct {
	Meta Metadata

	mu          sync.RWMutex
	config      map[string]any
	handlers    map[string][]EventHandler
	hooks       map[string][]HookFunc
	initialized bool

	// OnInitialize, when set, runs after configuration is captured.
	// Returning an error fails the load.
	OnInitialize func(ctx context.Context, pctx Context) error

	// OnCleanup, when set, runs during Cleanup.
	OnCleanup func(ctx context.Context) error
}

// NewBase creates a Base with the given metadata and its default
// configuration applied.
func NewBase(meta Metadata) *Base {
	cfg := make(map[string]any, len(meta.DefaultConfig))
	for k, v := range meta.DefaultConfig {
		cfg[k] = v
	}
	return &Base{
		Meta:     meta,
		config:   cfg,
		handlers: make(map[string][]EventHandler),
		hooks:    make(map[string][]HookFunc),
	}
}

// Metadata implements Plugin.
func (b *Base) Metadata() Metadata { return b.Meta }

// Initialize implements Plugin. It captures the "config" key from the
// host context over the metadata defaults, then runs OnInitialize.
func (b *Base) Initialize(ctx context.Context, pctx Context) error {
	b.mu.Lock()
	if cfg := pctx.Config(); cfg != nil {
		if b.config == nil {
			b.config = make(map[string]any, len(cfg))
		}
		for k, v := range cfg {
			b.config[k] = v
		}
	}
	b.initialized = true
	b.mu.Unlock()

	if b.OnInitialize != nil {
		return b.OnInitialize(ctx, pctx)
	}
	return nil
}

// Cleanup implements Plugin.
func (b *Base) Cleanup(ctx context.Context) error {
	b.mu.Lock()
	b.initialized = false
	b.mu.Unlock()

	if b.OnCleanup != nil {
		return b.OnCleanup(ctx)
	}
	return nil
}

// Initialized reports whether Initialize has completed.
func (b *Base) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// Status implements StatusReporter.
func (b *Base) Status() Status {
	if b.Initialized() {
		return StatusActive
	}
	return StatusInactive
}

// Config implements Configurable. The returned map is a copy.
func (b *Base) Config() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cfg := make(map[string]any, len(b.config))
	for k, v := range b.config {
		cfg[k] = v
	}
	return cfg
}

// SetConfig implements Configurable. The map is copied.
func (b *Base) SetConfig(cfg map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = make(map[string]any, len(cfg))
	for k, v := range cfg {
		b.config[k] = v
	}
	return nil
}

// HandleEvent registers an event handler for eventType.
// Call before the plugin is loaded; registration tables are copied by
// the engine at load time.
func (b *Base) HandleEvent(eventType string, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string][]EventHandler)
	}
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// AddHook registers a hook transformation for hookName.
func (b *Base) AddHook(hookName string, fn HookFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hooks == nil {
		b.hooks = make(map[string][]HookFunc)
	}
	b.hooks[hookName] = append(b.hooks[hookName], fn)
}

// EventHandlers implements EventSubscriber.
func (b *Base) EventHandlers() map[string][]EventHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]EventHandler, len(b.handlers))
	for k, v := range b.handlers {
		out[k] = append([]EventHandler(nil), v...)
	}
	return out
}

// Hooks implements HookProvider.
func (b *Base) Hooks() map[string][]HookFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]HookFunc, len(b.hooks))
	for k, v := range b.hooks {
		out[k] = append([]HookFunc(nil), v...)
	}
	return out
}
