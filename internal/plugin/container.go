// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// State is a container's lifecycle state.
type State string

// Container lifecycle states. The only transitions are
// unloaded -> loading -> active|error and active|error -> unloaded.
const (
	StateUnloaded State = "unloaded"
	StateLoading  State = "loading"
	StateActive   State = "active"
	StateError    State = "error"
)

// Factory constructs a fresh plugin instance. Discovery binds one to
// each container it produces.
type Factory func() plugsdk.Plugin

// maxErrorMessages bounds the per-container error history.
const maxErrorMessages = 32

// Container owns exactly one instantiated plugin: its lifecycle state,
// configuration validation, and performance counters. Containers are
// created unstarted by the discovery service and driven by the manager.
type Container struct {
	manifest  *Manifest
	factory   Factory
	validator *configValidator

	mu            sync.Mutex
	instance      plugsdk.Plugin
	state         State
	loadDuration  time.Duration
	errorMessages []string
	callCount     uint64
	errorCount    uint64
}

// NewContainer creates an unstarted container for the manifest.
// Panics on a nil manifest or factory; both are programming errors,
// not runtime conditions.
func NewContainer(manifest *Manifest, factory Factory) *Container {
	if manifest == nil {
		panic("plugin: NewContainer called with nil manifest")
	}
	if factory == nil {
		panic("plugin: NewContainer called with nil factory")
	}
	return &Container{
		manifest:  manifest,
		factory:   factory,
		validator: newConfigValidator(),
		state:     StateUnloaded,
	}
}

// Manifest returns the container's manifest.
func (c *Container) Manifest() *Manifest { return c.manifest }

// Load instantiates the plugin and, when a plugin context is supplied,
// initializes it. Initializer failures transition the container to the
// error state and are reported as a false return; nothing escapes this
// boundary.
func (c *Container) Load(ctx context.Context, pctx plugsdk.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.state = StateLoading

	instance, err := c.construct()
	if err != nil {
		c.fail(fmt.Sprintf("construct: %v", err))
		return false
	}

	cfg := c.effectiveConfig(pctx)
	if err := c.validator.Validate(c.manifest, cfg); err != nil {
		c.fail(fmt.Sprintf("config: %v", err))
		return false
	}

	if pctx != nil {
		pctx = pctx.Merged(plugsdk.Context{"config": cfg})
		if err := initialize(ctx, instance, pctx); err != nil {
			c.fail(fmt.Sprintf("initialize: %v", err))
			return false
		}
	}

	c.instance = instance
	c.state = StateActive
	c.loadDuration = time.Since(start)

	slog.Debug("plugin container loaded",
		"plugin", c.manifest.Name,
		"duration", c.loadDuration)
	return true
}

// Unload invokes the plugin's cleanup routine if an instance exists,
// drops the instance reference, and returns to the unloaded state.
// Cleanup failures are recorded but never block the unload.
func (c *Container) Unload(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instance != nil {
		if err := cleanup(ctx, c.instance); err != nil {
			c.errorCount++
			c.record(fmt.Sprintf("cleanup: %v", err))
			slog.Warn("plugin cleanup failed, continuing unload",
				"plugin", c.manifest.Name,
				"error", err)
		}
	}

	c.instance = nil
	c.state = StateUnloaded
	return true
}

// IsLoaded reports whether an instance exists.
func (c *Container) IsLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance != nil
}

// IsActive reports whether the container is in the active state.
func (c *Container) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive
}

// State returns the current lifecycle state.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Instance returns the owned plugin instance, or nil when unloaded.
func (c *Container) Instance() plugsdk.Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// RecordCall counts a dispatch into the plugin, tallying failures.
func (c *Container) RecordCall(failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callCount++
	if failed {
		c.errorCount++
	}
}

// Info is the plain serializable record of a container's condition,
// returned to dashboards and never used to mutate engine state.
type Info struct {
	Manifest      map[string]any `json:"manifest"`
	State         State          `json:"state"`
	Loaded        bool           `json:"loaded"`
	Active        bool           `json:"active"`
	LoadDuration  time.Duration  `json:"loadDuration"`
	ErrorMessages []string       `json:"errorMessages,omitempty"`
	CallCount     uint64         `json:"callCount"`
	ErrorCount    uint64         `json:"errorCount"`
	Config        map[string]any `json:"config,omitempty"`
	Status        plugsdk.Status `json:"status,omitempty"`
}

// Info returns a snapshot of the container.
func (c *Container) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		Manifest:      c.manifest.ToMap(),
		State:         c.state,
		Loaded:        c.instance != nil,
		Active:        c.state == StateActive,
		LoadDuration:  c.loadDuration,
		ErrorMessages: append([]string(nil), c.errorMessages...),
		CallCount:     c.callCount,
		ErrorCount:    c.errorCount,
	}
	if cfg, ok := c.instance.(plugsdk.Configurable); ok {
		info.Config = cfg.Config()
	}
	if sr, ok := c.instance.(plugsdk.StatusReporter); ok {
		info.Status = sr.Status()
	}
	return info
}

// effectiveConfig overlays any caller-supplied config onto the
// manifest defaults.
func (c *Container) effectiveConfig(pctx plugsdk.Context) map[string]any {
	cfg := make(map[string]any, len(c.manifest.DefaultConfig))
	for k, v := range c.manifest.DefaultConfig {
		cfg[k] = v
	}
	for k, v := range pctx.Config() {
		cfg[k] = v
	}
	return cfg
}

func (c *Container) fail(msg string) {
	c.state = StateError
	c.errorCount++
	c.record(msg)
	slog.Error("plugin container load failed",
		"plugin", c.manifest.Name,
		"error", msg)
}

func (c *Container) record(msg string) {
	c.errorMessages = append(c.errorMessages, msg)
	if len(c.errorMessages) > maxErrorMessages {
		c.errorMessages = c.errorMessages[len(c.errorMessages)-maxErrorMessages:]
	}
}

// construct runs the factory with panic containment.
func (c *Container) construct() (instance plugsdk.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panic: %v", r)
		}
	}()
	instance = c.factory()
	if instance == nil {
		return nil, fmt.Errorf("factory returned nil instance")
	}
	return instance, nil
}

// initialize calls the plugin initializer with panic containment.
func initialize(ctx context.Context, p plugsdk.Plugin, pctx plugsdk.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initializer panic: %v", r)
		}
	}()
	return p.Initialize(ctx, pctx)
}

// cleanup calls the plugin cleanup routine with panic containment.
func cleanup(ctx context.Context, p plugsdk.Plugin) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()
	return p.Cleanup(ctx)
}
