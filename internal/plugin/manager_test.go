// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugkit/plugkit/internal/plugin"
	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// metaFactory builds a factory whose plugin reports the given
// metadata.
func metaFactory(meta plugsdk.Metadata, configure func(*plugsdk.Base)) plugin.Factory {
	return func() plugsdk.Plugin {
		b := plugsdk.NewBase(meta)
		if configure != nil {
			configure(b)
		}
		return b
	}
}

func registerChain(t *testing.T, d *plugin.Discovery, failCore bool) {
	t.Helper()

	coreConfig := func(*plugsdk.Base) {}
	if failCore {
		coreConfig = func(b *plugsdk.Base) {
			b.OnInitialize = func(context.Context, plugsdk.Context) error {
				return errors.New("core refused to start")
			}
		}
	}

	require.NoError(t, d.RegisterFactory("core", metaFactory(plugsdk.Metadata{
		Name: "core", Version: "1.0.0", Type: "core", Priority: "critical",
	}, coreConfig)))
	require.NoError(t, d.RegisterFactory("ext", metaFactory(plugsdk.Metadata{
		Name: "ext", Version: "1.0.0", Type: "extension", Priority: "normal",
		Dependencies: []string{"core"},
	}, nil)))
	require.NoError(t, d.RegisterFactory("theme", metaFactory(plugsdk.Metadata{
		Name: "theme", Version: "1.0.0", Type: "theme", Priority: "low",
		Dependencies: []string{"ext"},
	}, nil)))
}

func newChainManager(t *testing.T, failCore bool, opts ...plugin.ManagerOption) *plugin.Manager {
	t.Helper()
	d := plugin.NewDiscovery()
	registerChain(t, d, failCore)
	m := plugin.NewManager(d, opts...)
	_, err := m.ScanPlugins(context.Background())
	require.NoError(t, err)
	return m
}

func TestManager_ScanPlugins(t *testing.T) {
	m := newChainManager(t, false)

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalPlugins)
	assert.False(t, stats.LastScan.IsZero())
}

func TestManager_ResolveDependenciesAssignsLoadOrder(t *testing.T) {
	d := plugin.NewDiscovery()
	registerChain(t, d, false)
	m := plugin.NewManager(d)

	// Resolve triggers its own scan when none has happened.
	require.True(t, m.ResolveDependencies(context.Background()))

	core := d.Manifest("core")
	ext := d.Manifest("ext")
	theme := d.Manifest("theme")
	require.NotNil(t, core)
	assert.Less(t, core.LoadOrder, ext.LoadOrder)
	assert.Less(t, ext.LoadOrder, theme.LoadOrder)
}

func TestManager_ResolveDependenciesCycle(t *testing.T) {
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("a", metaFactory(plugsdk.Metadata{
		Name: "a", Version: "1.0.0", Type: "extension", Dependencies: []string{"b"},
	}, nil)))
	require.NoError(t, d.RegisterFactory("b", metaFactory(plugsdk.Metadata{
		Name: "b", Version: "1.0.0", Type: "extension", Dependencies: []string{"a"},
	}, nil)))

	m := plugin.NewManager(d)
	_, err := m.ScanPlugins(context.Background())
	require.NoError(t, err)

	assert.False(t, m.ResolveDependencies(context.Background()))
	assert.Equal(t, -1, d.Manifest("a").LoadOrder, "no load order is assigned on cycle")
	assert.Equal(t, -1, d.Manifest("b").LoadOrder)

	results := m.LoadAllPlugins(context.Background())
	assert.Empty(t, results, "batch load aborts when resolution fails")
}

func TestManager_LoadPluginIdempotent(t *testing.T) {
	m := newChainManager(t, false)
	ctx := context.Background()

	require.True(t, m.LoadPlugin(ctx, "core", nil))
	first := m.Plugin("core")
	require.NotNil(t, first)
	assert.Equal(t, 1, m.Stats().LoadedPlugins)

	require.True(t, m.LoadPlugin(ctx, "core", nil))
	assert.Same(t, first, m.Plugin("core"), "second load must not create a new instance")
	assert.Equal(t, 1, m.Stats().LoadedPlugins, "stats unchanged by idempotent load")
}

func TestManager_LoadPluginUnknown(t *testing.T) {
	m := newChainManager(t, false)
	assert.False(t, m.LoadPlugin(context.Background(), "ghost", nil))
	assert.Equal(t, 1, m.Stats().FailedPlugins)
}

func TestManager_LoadAllPlugins(t *testing.T) {
	m := newChainManager(t, false)

	results := m.LoadAllPlugins(context.Background())

	assert.Equal(t, map[string]bool{"core": true, "ext": true, "theme": true}, results)
	stats := m.Stats()
	assert.Equal(t, 3, stats.LoadedPlugins)
	assert.Equal(t, 3, stats.ActivePlugins)
	assert.Zero(t, stats.FailedPlugins)
}

func TestManager_LoadAllPlugins_CoreFailureCascades(t *testing.T) {
	m := newChainManager(t, true)

	results := m.LoadAllPlugins(context.Background())

	assert.Equal(t, map[string]bool{"core": false, "ext": false, "theme": false}, results)
	stats := m.Stats()
	assert.Zero(t, stats.LoadedPlugins)
	assert.Equal(t, 1, stats.FailedPlugins,
		"only core's load was attempted; ext and theme were skipped before loading")
}

func TestManager_LoadAllPlugins_SkipsDisabled(t *testing.T) {
	m := newChainManager(t, false)
	d := m.Discovery()
	d.Manifest("theme").Enabled = false

	results := m.LoadAllPlugins(context.Background())
	assert.Equal(t, map[string]bool{"core": true, "ext": true}, results)
}

func TestManager_ConflictEnforcement(t *testing.T) {
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("y", metaFactory(plugsdk.Metadata{
		Name: "y", Version: "1.0.0", Type: "extension",
	}, nil)))
	require.NoError(t, d.RegisterFactory("x", metaFactory(plugsdk.Metadata{
		Name: "x", Version: "1.0.0", Type: "extension", Conflicts: []string{"y"},
	}, nil)))

	m := plugin.NewManager(d)
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "y", nil))

	results := m.LoadAllPlugins(ctx)
	assert.False(t, results["x"], "x conflicts with loaded y")
	assert.Nil(t, m.Plugin("x"))
	assert.NotNil(t, m.Plugin("y"))
}

func TestManager_ConflictEnforcementDirectLoad(t *testing.T) {
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("y", metaFactory(plugsdk.Metadata{
		Name: "y", Version: "1.0.0", Type: "extension",
	}, nil)))
	require.NoError(t, d.RegisterFactory("x", metaFactory(plugsdk.Metadata{
		Name: "x", Version: "1.0.0", Type: "extension", Conflicts: []string{"y"},
	}, nil)))

	m := plugin.NewManager(d)
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "y", nil))

	assert.False(t, m.LoadPlugin(ctx, "x", nil), "x conflicts with loaded y")
	assert.Nil(t, m.Plugin("x"))
	assert.Equal(t, 1, m.Stats().FailedPlugins)
	assert.NotNil(t, m.Plugin("y"))

	// Once y is gone the conflict clears.
	require.True(t, m.UnloadPlugin(ctx, "y"))
	assert.True(t, m.LoadPlugin(ctx, "x", nil))
}

func TestManager_UnloadPlugin(t *testing.T) {
	m := newChainManager(t, false)
	ctx := context.Background()

	require.True(t, m.LoadPlugin(ctx, "core", nil))
	require.True(t, m.UnloadPlugin(ctx, "core"))

	assert.Nil(t, m.Plugin("core"))
	assert.Zero(t, m.Stats().LoadedPlugins)

	assert.True(t, m.UnloadPlugin(ctx, "core"), "unloading an unloaded plugin is a no-op success")
}

func TestManager_UnloadStopsDispatch(t *testing.T) {
	d := plugin.NewDiscovery()
	calls := 0
	require.NoError(t, d.RegisterFactory("listener", metaFactory(plugsdk.Metadata{
		Name: "listener", Version: "1.0.0", Type: "extension",
	}, func(b *plugsdk.Base) {
		b.HandleEvent("tick", func(map[string]any) { calls++ })
		b.AddHook("render", func(data map[string]any) map[string]any {
			data["touched"] = true
			return data
		})
	})))

	m := plugin.NewManager(d)
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "listener", nil))
	m.Bus().Emit("tick", nil, "")
	assert.Equal(t, 1, calls)

	require.True(t, m.UnloadPlugin(ctx, "listener"))
	m.Bus().Emit("tick", nil, "")
	assert.Equal(t, 1, calls, "no dispatch reaches an unloaded plugin")

	out := m.Hooks().CallHook("render", map[string]any{})
	assert.NotContains(t, out, "touched")
}

func TestManager_ReloadPlugin(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "hot", "name: hot\nversion: 1.0.0\ntype: extension\nmain: main.lua\n")
	writeFile(t, root+"/hot/main.lua", `
manifest = { name = "hot", version = "1.0.0", type = "extension" }
`)

	d := plugin.NewDiscovery(root)
	m := plugin.NewManager(d)
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "hot", nil))
	require.True(t, m.ReloadPlugin(ctx, "hot"))
	assert.NotNil(t, m.Plugin("hot"))
	assert.Equal(t, 1, m.Stats().LoadedPlugins)
}

func TestManager_EnableDisable(t *testing.T) {
	m := newChainManager(t, false)
	ctx := context.Background()

	require.True(t, m.EnablePlugin(ctx, "core"))
	assert.NotNil(t, m.Plugin("core"))

	require.True(t, m.DisablePlugin(ctx, "core"))
	assert.Nil(t, m.Plugin("core"))
	assert.False(t, m.Discovery().Manifest("core").Enabled)

	assert.False(t, m.EnablePlugin(ctx, "ghost"))
	assert.False(t, m.DisablePlugin(ctx, "ghost"))
}

func TestManager_SystemVersionGate(t *testing.T) {
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("modern", metaFactory(plugsdk.Metadata{
		Name: "modern", Version: "1.0.0", Type: "extension", MinSystemVersion: "2.0",
	}, nil)))

	m := plugin.NewManager(d, plugin.WithSystemVersion("1.5"))
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	assert.False(t, m.LoadPlugin(ctx, "modern", nil))
	assert.Equal(t, 1, m.Stats().FailedPlugins)
}

func TestManager_SystemContextMerge(t *testing.T) {
	var seen plugsdk.Context
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("inspector", metaFactory(plugsdk.Metadata{
		Name: "inspector", Version: "1.0.0", Type: "extension",
	}, func(b *plugsdk.Base) {
		b.OnInitialize = func(_ context.Context, pctx plugsdk.Context) error {
			seen = pctx
			return nil
		}
	})))

	m := plugin.NewManager(d, plugin.WithSystemContext(plugsdk.Context{
		"shared": "system", "override": "system",
	}))
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "inspector", plugsdk.Context{"override": "call"}))
	assert.Equal(t, "system", seen["shared"])
	assert.Equal(t, "call", seen["override"], "call-supplied keys win")
}

func TestManager_CapabilityGrantsFollowLifecycle(t *testing.T) {
	d := plugin.NewDiscovery()
	require.NoError(t, d.RegisterFactory("messenger", metaFactory(plugsdk.Metadata{
		Name: "messenger", Version: "1.0.0", Type: "service",
		Capabilities: []string{"events.emit.*"},
	}, nil)))

	m := plugin.NewManager(d)
	ctx := context.Background()
	_, err := m.ScanPlugins(ctx)
	require.NoError(t, err)

	require.True(t, m.LoadPlugin(ctx, "messenger", nil))
	assert.True(t, m.Capabilities().Check("messenger", "events.emit.say"))
	assert.False(t, m.Capabilities().Check("messenger", "store.write"))

	require.True(t, m.UnloadPlugin(ctx, "messenger"))
	assert.False(t, m.Capabilities().Check("messenger", "events.emit.say"))
}

func TestManager_Cleanup(t *testing.T) {
	m := newChainManager(t, false)
	ctx := context.Background()

	m.LoadAllPlugins(ctx)
	require.Equal(t, 3, m.Stats().LoadedPlugins)

	m.Cleanup(ctx)

	stats := m.Stats()
	assert.Zero(t, stats.LoadedPlugins)
	assert.Zero(t, stats.TotalPlugins)
	assert.Empty(t, m.AllPlugins())
	assert.Empty(t, m.AllPluginInfo())
}

func TestManager_PluginInfoAccessors(t *testing.T) {
	m := newChainManager(t, false)
	ctx := context.Background()
	m.LoadAllPlugins(ctx)

	info, ok := m.PluginInfo("ext")
	require.True(t, ok)
	assert.True(t, info.Active)

	_, ok = m.PluginInfo("ghost")
	assert.False(t, ok)

	infos := m.AllPluginInfo()
	require.Len(t, infos, 3)
	assert.Equal(t, "core", infos[0].Manifest["name"], "snapshots sorted by name")
	assert.Equal(t, "ext", infos[1].Manifest["name"])
	assert.Equal(t, "theme", infos[2].Manifest["name"])
}
