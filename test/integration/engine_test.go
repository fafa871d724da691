// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugkit/plugkit/internal/plugin"
	"github.com/plugkit/plugkit/internal/store"
)

// corePlugin is a directory plugin with a manifest and entry script.
const coreManifest = `
name: core
version: 1.0.0
type: core
priority: critical
main: init.lua
capabilities:
  - events.emit.*
`

const coreScript = `
manifest = { name = "core", version = "1.0.0" }

handlers = {
  ["user.joined"] = function(event)
    welcomed = (welcomed or 0) + 1
  end,
}

hooks = {
  ["message.format"] = function(data)
    data.text = "[core] " .. (data.text or "")
    return data
  end,
}

function initialize(ctx)
  return true
end
`

// greeter is a standalone script plugin depending on core.
const greeterScript = `
manifest = {
  name = "greeter",
  version = "1.0.0",
  dependencies = { "core" },
}

hooks = {
  ["message.format"] = function(data)
    data.text = (data.text or "") .. " (greeted)"
    return data
  end,
}
`

const themeManifest = `
name: theme
version: 0.3.0
type: theme
priority: low
main: theme.lua
dependencies:
  - greeter
`

const themeScript = `
manifest = { name = "theme", version = "0.3.0", dependencies = { "greeter" } }
`

func writeFixture(dir, name, content string) {
	ExpectWithOffset(1, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755)).To(Succeed())
	ExpectWithOffset(1, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("Plugin Engine", func() {
	var (
		ctx        context.Context
		pluginsDir string
		manager    *plugin.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		pluginsDir = GinkgoT().TempDir()

		writeFixture(pluginsDir, "core/plugin.yaml", coreManifest)
		writeFixture(pluginsDir, "core/init.lua", coreScript)
		writeFixture(pluginsDir, "greeter.lua", greeterScript)
		writeFixture(pluginsDir, "theme/plugin.yaml", themeManifest)
		writeFixture(pluginsDir, "theme/theme.lua", themeScript)

		manager = plugin.NewManager(plugin.NewDiscovery(pluginsDir))
	})

	AfterEach(func() {
		manager.Cleanup(ctx)
	})

	Describe("Discovery and batch loading", func() {
		It("discovers every plugin on disk", func() {
			manifests, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manifests).To(HaveLen(3))
			Expect(manifests).To(HaveKey("core"))
			Expect(manifests).To(HaveKey("greeter"))
			Expect(manifests).To(HaveKey("theme"))
		})

		It("loads all plugins in dependency order", func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.ResolveDependencies(ctx)).To(BeTrue())

			results := manager.LoadAllPlugins(ctx)
			Expect(results).To(Equal(map[string]bool{
				"core": true, "greeter": true, "theme": true,
			}))

			stats := manager.Stats()
			Expect(stats.LoadedPlugins).To(Equal(3))
			Expect(stats.FailedPlugins).To(BeZero())

			core := manager.Discovery().Manifest("core")
			greeter := manager.Discovery().Manifest("greeter")
			theme := manager.Discovery().Manifest("theme")
			Expect(core.LoadOrder).To(BeNumerically("<", greeter.LoadOrder))
			Expect(greeter.LoadOrder).To(BeNumerically("<", theme.LoadOrder))
		})

		It("skips dependents when a dependency is missing", func() {
			Expect(os.RemoveAll(filepath.Join(pluginsDir, "core"))).To(Succeed())

			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())

			results := manager.LoadAllPlugins(ctx)
			Expect(results["greeter"]).To(BeFalse())
			Expect(results["theme"]).To(BeFalse())
		})
	})

	Describe("Event and hook dispatch", func() {
		BeforeEach(func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.LoadAllPlugins(ctx)).To(HaveLen(3))
		})

		It("delivers host events to script handlers", func() {
			manager.Bus().Emit("user.joined", map[string]any{"user": "ada"}, "")

			stats := manager.Bus().Stats()
			Expect(stats.Emitted).To(BeNumerically(">=", 1))
			Expect(stats.HandlerPanics).To(BeZero())
		})

		It("threads hook data through every registered plugin", func() {
			out := manager.Hooks().CallHook("message.format", map[string]any{"text": "hi"})
			Expect(out["text"]).To(Equal("[core] hi (greeted)"))
		})

		It("stops dispatching to unloaded plugins", func() {
			Expect(manager.UnloadPlugin(ctx, "greeter")).To(BeTrue())

			out := manager.Hooks().CallHook("message.format", map[string]any{"text": "hi"})
			Expect(out["text"]).To(Equal("[core] hi"))
		})

		It("enforces declared capabilities", func() {
			Expect(manager.Capabilities().Check("core", "events.emit.say")).To(BeTrue())
			Expect(manager.Capabilities().Check("theme", "events.emit.say")).To(BeFalse())
		})
	})

	Describe("Hot reload", func() {
		It("picks up script changes on reload", func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.LoadAllPlugins(ctx)).To(HaveLen(3))

			edited := `
manifest = { name = "greeter", version = "1.0.1", dependencies = { "core" } }
hooks = {
  ["message.format"] = function(data)
    data.text = (data.text or "") .. " (v2)"
    return data
  end,
}
`
			writeFixture(pluginsDir, "greeter.lua", edited)

			Expect(manager.ReloadPlugin(ctx, "greeter")).To(BeTrue())

			out := manager.Hooks().CallHook("message.format", map[string]any{"text": "hi"})
			Expect(out["text"]).To(Equal("[core] hi (v2)"))
			Expect(manager.Discovery().Manifest("greeter").Version).To(Equal("1.0.1"))
		})
	})

	Describe("Registry persistence", func() {
		var (
			dbPath  string
			backing *store.Store
		)

		BeforeEach(func() {
			dbPath = filepath.Join(GinkgoT().TempDir(), "registry.db")
			var err error
			backing, err = store.Open(dbPath)
			Expect(err).NotTo(HaveOccurred())

			manager = plugin.NewManager(
				plugin.NewDiscovery(pluginsDir),
				plugin.WithStore(backing),
			)
		})

		AfterEach(func() {
			manager.Cleanup(ctx)
			Expect(backing.Close()).To(Succeed())
		})

		It("persists disabled flags across engine restarts", func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.LoadAllPlugins(ctx)).To(HaveLen(3))
			Expect(manager.DisablePlugin(ctx, "theme")).To(BeTrue())
			manager.Cleanup(ctx)

			restarted := plugin.NewManager(
				plugin.NewDiscovery(pluginsDir),
				plugin.WithStore(backing),
			)
			defer restarted.Cleanup(ctx)

			manifests, err := restarted.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manifests["theme"].Enabled).To(BeFalse())

			results := restarted.LoadAllPlugins(ctx)
			Expect(results).NotTo(HaveKey("theme"))
		})

		It("persists load outcomes", func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.LoadAllPlugins(ctx)).To(HaveLen(3))

			results, err := backing.LoadResults(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(results).To(Equal(map[string]bool{
				"core": true, "greeter": true, "theme": true,
			}))
		})

		It("records scan history", func() {
			_, err := manager.ScanPlugins(ctx)
			Expect(err).NotTo(HaveOccurred())

			scans, err := backing.RecentScans(ctx, 5)
			Expect(err).NotTo(HaveOccurred())
			Expect(scans).NotTo(BeEmpty())
			Expect(scans[0].Found).To(Equal(3))
		})
	})
})
