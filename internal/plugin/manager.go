// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/plugkit/plugkit/internal/plugin/capability"
	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// Stats aggregates engine-wide counters. LoadTime is the wall-clock
// duration of the most recent LoadAllPlugins batch.
type Stats struct {
	TotalPlugins  int           `json:"totalPlugins"`
	LoadedPlugins int           `json:"loadedPlugins"`
	ActivePlugins int           `json:"activePlugins"`
	FailedPlugins int           `json:"failedPlugins"`
	LoadTime      time.Duration `json:"loadTime"`
	LastScan      time.Time     `json:"lastScan,omitempty"`
}

// RegistryStore persists discovery results and enabled flags across
// restarts. All methods must tolerate being called repeatedly with the
// same data.
type RegistryStore interface {
	SaveManifests(ctx context.Context, manifests []*Manifest) error
	EnabledOverrides(ctx context.Context) (map[string]bool, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	SetLoadResult(ctx context.Context, name string, ok bool) error
	RecordScan(ctx context.Context, found int, elapsed time.Duration) error
}

// Manager orchestrates the plugin engine: discovery, dependency
// resolution, container lifecycle, and event/hook registration.
//
// Every registry-mutating operation runs under one mutex held for the
// operation's full duration, including the discovery and resolver work
// it triggers. Methods whose names end in Locked assume the caller
// holds mu. Event emission and hook invocation are deliberately
// outside this lock; see EventBus and HookPipeline.
type Manager struct {
	mu sync.Mutex

	discovery *Discovery
	resolver  *Resolver
	bus       *EventBus
	pipeline  *HookPipeline
	enforcer  *capability.Enforcer

	store   RegistryStore
	metrics MetricsRecorder

	systemContext plugsdk.Context
	systemVersion string

	loaded     map[string]plugsdk.Plugin
	containers map[string]*Container

	dependenciesResolved bool
	stats                Stats

	// dispatch mirrors containers for call accounting from the bus and
	// pipeline, which run outside mu.
	dispatchMu sync.RWMutex
	dispatch   map[string]*Container

	log *slog.Logger
}

// ManagerOption configures a Manager at construction.
type ManagerOption func(*Manager)

// WithStore wires registry persistence.
func WithStore(s RegistryStore) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithMetrics wires a metrics recorder into the manager, bus, and
// pipeline.
func WithMetrics(rec MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = rec }
}

// WithSystemVersion sets the host version checked against manifest
// min/max system version constraints at load time.
func WithSystemVersion(v string) ManagerOption {
	return func(m *Manager) { m.systemVersion = v }
}

// WithSystemContext sets the base context merged into every plugin
// load.
func WithSystemContext(pctx plugsdk.Context) ManagerOption {
	return func(m *Manager) { m.systemContext = pctx }
}

// NewManager creates a manager over the given discovery service.
func NewManager(discovery *Discovery, opts ...ManagerOption) *Manager {
	m := &Manager{
		discovery:  discovery,
		resolver:   NewResolver(),
		bus:        NewEventBus(),
		pipeline:   NewHookPipeline(),
		enforcer:   capability.NewEnforcer(),
		loaded:     make(map[string]plugsdk.Plugin),
		containers: make(map[string]*Container),
		dispatch:   make(map[string]*Container),
		log:        slog.Default().With("component", "manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics != nil {
		m.bus.setMetrics(m.metrics)
		m.pipeline.setMetrics(m.metrics)
	}
	m.bus.setCallRecorder(m.recordDispatch)
	m.pipeline.setCallRecorder(m.recordDispatch)
	return m
}

// Discovery returns the manager's discovery service.
func (m *Manager) Discovery() *Discovery { return m.discovery }

// Bus returns the manager's event bus for host-side emission and
// subscription.
func (m *Manager) Bus() *EventBus { return m.bus }

// Hooks returns the manager's hook pipeline.
func (m *Manager) Hooks() *HookPipeline { return m.pipeline }

// Capabilities returns the capability enforcer holding grants for
// loaded plugins.
func (m *Manager) Capabilities() *capability.Enforcer { return m.enforcer }

// SetSystemContext replaces the base context injected into every
// subsequent plugin load. Already-loaded plugins are unaffected.
func (m *Manager) SetSystemContext(pctx plugsdk.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemContext = pctx
}

// ScanPlugins runs discovery, applies persisted enabled flags, and
// refreshes scan statistics. A new scan invalidates any previously
// computed load order.
func (m *Manager) ScanPlugins(ctx context.Context) (map[string]*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanLocked(ctx)
}

func (m *Manager) scanLocked(ctx context.Context) (map[string]*Manifest, error) {
	start := time.Now()
	manifests, err := m.discovery.Discover(ctx)
	if err != nil {
		return nil, err
	}

	if m.store != nil {
		overrides, err := m.store.EnabledOverrides(ctx)
		if err != nil {
			m.log.Warn("reading persisted enabled flags failed", "error", err)
		}
		for name, enabled := range overrides {
			if man, ok := manifests[name]; ok {
				man.Enabled = enabled
			}
		}

		all := make([]*Manifest, 0, len(manifests))
		for _, man := range manifests {
			all = append(all, man)
		}
		if err := m.store.SaveManifests(ctx, all); err != nil {
			m.log.Warn("persisting manifests failed", "error", err)
		}
		if err := m.store.RecordScan(ctx, len(manifests), time.Since(start)); err != nil {
			m.log.Warn("recording scan failed", "error", err)
		}
	}

	m.dependenciesResolved = false
	m.stats.TotalPlugins = len(manifests)
	m.stats.LastScan = time.Now().UTC()
	m.observeStats()

	return manifests, nil
}

// ResolveDependencies computes the load order for every discovered
// manifest, scanning first if no scan has happened. Returns false on a
// dependency cycle or dependency/conflict overlap; no load order is
// assigned in that case.
func (m *Manager) ResolveDependencies(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(ctx)
}

func (m *Manager) resolveLocked(ctx context.Context) bool {
	manifests := m.discovery.Manifests()
	if len(manifests) == 0 {
		if _, err := m.scanLocked(ctx); err != nil {
			m.log.Error("scan during dependency resolution failed", "error", err)
			return false
		}
		manifests = m.discovery.Manifests()
	}

	order, err := m.resolver.Resolve(manifests)
	if err != nil {
		m.log.Error("dependency resolution failed", "error", err)
		m.dependenciesResolved = false
		return false
	}

	for i, name := range order {
		if man := m.discovery.Manifest(name); man != nil {
			man.LoadOrder = i
		}
	}
	m.dependenciesResolved = true
	m.log.Info("dependencies resolved", "plugins", len(order))
	return true
}

// LoadPlugin loads one plugin by name. Loading an already-loaded
// plugin is a no-op success. Per-call context entries override the
// manager's system context. Failures are reported as false and never
// panic past this boundary.
func (m *Manager) LoadPlugin(ctx context.Context, name string, pctx plugsdk.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadPluginLocked(ctx, name, pctx)
}

func (m *Manager) loadPluginLocked(ctx context.Context, name string, pctx plugsdk.Context) bool {
	if _, already := m.loaded[name]; already {
		m.log.Debug("plugin already loaded", "plugin", name)
		return true
	}

	manifest := m.discovery.Manifest(name)
	if manifest == nil {
		m.log.Error("plugin not discovered", "plugin", name)
		m.failLoad(ctx, name)
		return false
	}
	if m.systemVersion != "" && !manifest.SupportsSystemVersion(m.systemVersion) {
		m.log.Error("plugin incompatible with host version",
			"plugin", name,
			"host", m.systemVersion,
			"min", manifest.MinSystemVersion,
			"max", manifest.MaxSystemVersion)
		m.failLoad(ctx, name)
		return false
	}
	for _, c := range manifest.Conflicts {
		if _, active := m.loaded[c]; active {
			m.log.Error("plugin conflicts with loaded plugin",
				"plugin", name, "conflict", c)
			m.failLoad(ctx, name)
			return false
		}
	}

	container, err := m.discovery.LoadPlugin(name)
	if err != nil {
		m.log.Error("building plugin container failed", "plugin", name, "error", err)
		m.failLoad(ctx, name)
		return false
	}

	merged := m.systemContext.Merged(pctx)
	if !container.Load(ctx, merged) {
		m.failLoad(ctx, name)
		return false
	}

	instance := container.Instance()
	m.loaded[name] = instance
	m.containers[name] = container

	m.bus.RegisterPlugin(name, instance)
	m.pipeline.RegisterPlugin(name, instance)
	if err := m.enforcer.Install(name, manifest.Capabilities); err != nil {
		m.log.Warn("installing capability grants failed", "plugin", name, "error", err)
	}

	m.dispatchMu.Lock()
	m.dispatch[name] = container
	m.dispatchMu.Unlock()

	m.stats.LoadedPlugins++
	if container.IsActive() {
		m.stats.ActivePlugins++
	}
	if m.metrics != nil {
		m.metrics.RecordLoad(name, true)
	}
	m.persistLoadResult(ctx, name, true)
	m.observeStats()

	m.log.Info("plugin loaded", "plugin", name, "version", manifest.Version)
	return true
}

// failLoad accounts a failed load attempt.
func (m *Manager) failLoad(ctx context.Context, name string) {
	m.stats.FailedPlugins++
	if m.metrics != nil {
		m.metrics.RecordLoad(name, false)
	}
	m.persistLoadResult(ctx, name, false)
	m.observeStats()
}

func (m *Manager) persistLoadResult(ctx context.Context, name string, ok bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SetLoadResult(ctx, name, ok); err != nil {
		m.log.Warn("persisting load result failed", "plugin", name, "error", err)
	}
}

// UnloadPlugin unloads one plugin. Unloading a plugin that is not
// loaded is a no-op success. The plugin is unregistered from the event
// bus and hook pipeline before its container unwinds, so no new
// dispatch reaches it mid-teardown.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadPluginLocked(ctx, name)
}

func (m *Manager) unloadPluginLocked(ctx context.Context, name string) bool {
	container, ok := m.containers[name]
	if !ok {
		m.log.Debug("plugin not loaded, nothing to unload", "plugin", name)
		return true
	}

	m.bus.UnregisterPlugin(name)
	m.pipeline.UnregisterPlugin(name)
	m.enforcer.Remove(name)

	m.dispatchMu.Lock()
	delete(m.dispatch, name)
	m.dispatchMu.Unlock()

	wasActive := container.IsActive()
	container.Unload(ctx)

	delete(m.loaded, name)
	delete(m.containers, name)

	m.stats.LoadedPlugins--
	if wasActive {
		m.stats.ActivePlugins--
	}
	if m.metrics != nil {
		m.metrics.RecordUnload(name)
	}
	m.observeStats()

	m.log.Info("plugin unloaded", "plugin", name)
	return true
}

// ReloadPlugin unloads a plugin, re-scans so on-disk changes are
// picked up, and loads it again.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, loaded := m.loaded[name]; loaded {
		if !m.unloadPluginLocked(ctx, name) {
			return false
		}
	}
	if _, err := m.scanLocked(ctx); err != nil {
		m.log.Error("rescan during reload failed", "plugin", name, "error", err)
		return false
	}
	return m.loadPluginLocked(ctx, name, nil)
}

// LoadAllPlugins loads every enabled plugin in dependency order,
// resolving first when needed. The result maps each attempted plugin
// name to its outcome. Dependencies are validated against the set of
// plugins already loaded when each candidate's turn comes; a candidate
// whose dependency failed earlier in the same batch is skipped.
// Successes already applied are never rolled back.
func (m *Manager) LoadAllPlugins(ctx context.Context) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dependenciesResolved {
		if !m.resolveLocked(ctx) {
			m.log.Error("aborting batch load, dependency resolution failed")
			return map[string]bool{}
		}
	}

	var candidates []*Manifest
	for _, man := range m.discovery.Manifests() {
		if man.Enabled {
			candidates = append(candidates, man)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].LoadOrder < candidates[j].LoadOrder
	})

	start := time.Now()
	results := make(map[string]bool, len(candidates))
	for _, man := range candidates {
		available := make(map[string]bool, len(m.loaded))
		for loadedName := range m.loaded {
			available[loadedName] = true
		}
		if err := m.discovery.ValidateDependencies(man.Name, available); err != nil {
			m.log.Warn("skipping plugin in batch load", "plugin", man.Name, "error", err)
			results[man.Name] = false
			continue
		}
		results[man.Name] = m.loadPluginLocked(ctx, man.Name, nil)
	}

	m.stats.LoadTime = time.Since(start)
	m.observeStats()
	m.log.Info("batch load complete",
		"attempted", len(results),
		"loaded", m.stats.LoadedPlugins,
		"duration", m.stats.LoadTime)
	return results
}

// EnablePlugin marks a plugin enabled, persists the flag, and loads
// it.
func (m *Manager) EnablePlugin(ctx context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest := m.discovery.Manifest(name)
	if manifest == nil {
		m.log.Error("cannot enable unknown plugin", "plugin", name)
		return false
	}
	manifest.Enabled = true
	m.persistEnabled(ctx, name, true)
	return m.loadPluginLocked(ctx, name, nil)
}

// DisablePlugin marks a plugin disabled, persists the flag, and
// unloads it.
func (m *Manager) DisablePlugin(ctx context.Context, name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest := m.discovery.Manifest(name)
	if manifest == nil {
		m.log.Error("cannot disable unknown plugin", "plugin", name)
		return false
	}
	manifest.Enabled = false
	m.persistEnabled(ctx, name, false)
	return m.unloadPluginLocked(ctx, name)
}

func (m *Manager) persistEnabled(ctx context.Context, name string, enabled bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SetEnabled(ctx, name, enabled); err != nil {
		m.log.Warn("persisting enabled flag failed", "plugin", name, "error", err)
	}
}

// Cleanup unloads every loaded plugin, clears the registries and the
// discovery cache, and drains the event bus and hook pipeline. The
// manager is reusable afterwards, starting from an empty state.
func (m *Manager) Cleanup(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name := range m.containers {
		m.unloadPluginLocked(ctx, name)
	}

	m.loaded = make(map[string]plugsdk.Plugin)
	m.containers = make(map[string]*Container)
	m.discovery.Reset()
	m.bus.Cleanup()
	m.pipeline.Cleanup()
	m.enforcer.Reset()

	m.dispatchMu.Lock()
	m.dispatch = make(map[string]*Container)
	m.dispatchMu.Unlock()

	m.dependenciesResolved = false
	m.stats = Stats{}
	m.observeStats()
	m.log.Info("engine cleaned up")
}

// Plugin returns the loaded instance for name, or nil.
func (m *Manager) Plugin(name string) plugsdk.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded[name]
}

// AllPlugins returns a snapshot of all loaded instances by name.
func (m *Manager) AllPlugins() map[string]plugsdk.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]plugsdk.Plugin, len(m.loaded))
	for k, v := range m.loaded {
		out[k] = v
	}
	return out
}

// PluginInfo returns the container snapshot for a loaded plugin.
func (m *Manager) PluginInfo(name string) (Info, bool) {
	m.mu.Lock()
	container, ok := m.containers[name]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return container.Info(), true
}

// AllPluginInfo returns container snapshots for every loaded plugin,
// sorted by name.
func (m *Manager) AllPluginInfo() []Info {
	m.mu.Lock()
	containers := make([]*Container, 0, len(m.containers))
	for _, c := range m.containers {
		containers = append(containers, c)
	}
	m.mu.Unlock()

	sort.Slice(containers, func(i, j int) bool {
		return containers[i].Manifest().Name < containers[j].Manifest().Name
	})
	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		infos = append(infos, c.Info())
	}
	return infos
}

// Stats returns a copy of the aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// recordDispatch feeds bus/pipeline call accounting into the owning
// container. Runs outside the manager lock.
func (m *Manager) recordDispatch(owner string, failed bool) {
	m.dispatchMu.RLock()
	container := m.dispatch[owner]
	m.dispatchMu.RUnlock()
	if container != nil {
		container.RecordCall(failed)
	}
}

func (m *Manager) observeStats() {
	if m.metrics != nil {
		m.metrics.ObserveStats(m.stats)
	}
}
