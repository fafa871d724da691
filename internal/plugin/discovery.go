// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	luaplugin "github.com/plugkit/plugkit/internal/plugin/lua"
	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// manifestFileName is the descriptor a plugin directory must contain.
const manifestFileName = "plugin.yaml"

// Discovery locates plugins and produces validated manifests for them.
//
// Three sources feed it: directories under the search paths containing
// a plugin.yaml, standalone .lua scripts that declare their own
// metadata, and factories registered in-process. Scanning looks one
// level deep only: a plugin is a direct child of a search path, and
// anything nested further down belongs to the plugin that contains it.
// A Discover call replaces the manifest cache wholesale, so plugins
// removed from disk disappear from the next scan.
type Discovery struct {
	mu          sync.RWMutex
	searchPaths []string
	factories   map[string]Factory
	manifests   map[string]*Manifest
	log         *slog.Logger
}

// NewDiscovery creates a discovery service over the given search paths.
func NewDiscovery(searchPaths ...string) *Discovery {
	return &Discovery{
		searchPaths: append([]string(nil), searchPaths...),
		factories:   make(map[string]Factory),
		manifests:   make(map[string]*Manifest),
		log:         slog.Default().With("component", "discovery"),
	}
}

// AddSearchPath appends a directory to scan. Duplicates are ignored.
func (d *Discovery) AddSearchPath(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.searchPaths {
		if p == path {
			return
		}
	}
	d.searchPaths = append(d.searchPaths, path)
}

// SearchPaths returns a copy of the configured search paths.
func (d *Discovery) SearchPaths() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.searchPaths...)
}

// RegisterFactory registers an in-process plugin constructor. The
// factory is probed for metadata on the next Discover call; its
// manifest name must match the registration name.
func (d *Discovery) RegisterFactory(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory for %q is nil", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.factories[name]; dup {
		return fmt.Errorf("factory %q already registered", name)
	}
	d.factories[name] = factory
	return nil
}

// Discover scans every source and rebuilds the manifest cache. Broken
// candidates are logged and skipped rather than failing the scan; the
// returned map is a copy the caller may mutate.
func (d *Discovery) Discover(ctx context.Context) (map[string]*Manifest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	found := make(map[string]*Manifest)

	for _, root := range d.searchPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				d.log.Debug("search path missing, skipping", "path", root)
				continue
			}
			return nil, fmt.Errorf("reading search path %s: %w", root, err)
		}

		for _, entry := range entries {
			name := entry.Name()
			if strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") {
				continue
			}
			full := filepath.Join(root, name)

			var m *Manifest
			switch {
			case entry.IsDir():
				m, err = d.scanDirectory(full)
			case strings.HasSuffix(name, ".lua"):
				m, err = d.scanScript(full)
			default:
				continue
			}
			if err != nil {
				d.log.Warn("skipping plugin candidate", "path", full, "error", err)
				continue
			}
			if m == nil {
				continue
			}
			d.admit(found, m, full)
		}
	}

	for name, factory := range d.factories {
		m, err := probeFactory(name, factory)
		if err != nil {
			d.log.Warn("skipping registered factory", "plugin", name, "error", err)
			continue
		}
		d.admit(found, m, "factory:"+name)
	}

	d.manifests = found
	d.log.Info("discovery complete", "plugins", len(found), "paths", len(d.searchPaths))

	return copyManifests(found), nil
}

// admit records a manifest, keeping the first occurrence on name
// collisions.
func (d *Discovery) admit(found map[string]*Manifest, m *Manifest, source string) {
	if prev, dup := found[m.Name]; dup {
		d.log.Warn("duplicate plugin name, keeping first",
			"plugin", m.Name, "kept", prev.FilePath, "ignored", source)
		return
	}
	found[m.Name] = m
}

// scanDirectory reads a plugin directory's plugin.yaml and, for script
// plugins, verifies the entry script exists. The content hash covers
// the manifest plus the entry script so config-only and code-only
// changes both register as changes.
func (d *Discovery) scanDirectory(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, manifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // not a plugin directory
		}
		return nil, err
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", manifestPath, err)
	}

	h := sha256.New()
	h.Write(data)
	if m.Main != "" {
		entry := filepath.Join(dir, filepath.Clean(m.Main))
		script, err := os.ReadFile(entry)
		if err != nil {
			return nil, fmt.Errorf("entry script %s: %w", m.Main, err)
		}
		h.Write(script)
	}

	m.FilePath = dir
	m.ContentHash = hex.EncodeToString(h.Sum(nil))
	return m, nil
}

// scanScript probes a standalone Lua script for declared metadata.
func (d *Discovery) scanScript(path string) (*Manifest, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(path), ".lua")
	md, err := luaplugin.ExtractMetadata(base, source)
	if err != nil {
		return nil, err
	}

	m, err := manifestFromMetadata(md)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(source)
	m.FilePath = path
	m.Main = filepath.Base(path)
	m.ContentHash = hex.EncodeToString(sum[:])
	return m, nil
}

// probeFactory constructs a throwaway instance to read its metadata.
func probeFactory(name string, factory Factory) (m *Manifest, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("factory panicked: %v", r)
		}
	}()

	instance := factory()
	if instance == nil {
		return nil, fmt.Errorf("factory returned nil")
	}
	m, err = manifestFromMetadata(instance.Metadata())
	if err != nil {
		return nil, err
	}
	if m.Name != name {
		return nil, fmt.Errorf("factory registered as %q but metadata names %q", name, m.Name)
	}
	return m, nil
}

// Manifests returns a copy of the cached manifest set from the last
// Discover call.
func (d *Discovery) Manifests() map[string]*Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyManifests(d.manifests)
}

// Manifest returns the cached manifest for name, or nil.
func (d *Discovery) Manifest(name string) *Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manifests[name]
}

// LoadPlugin builds a container for a discovered plugin. Lua script
// sources are re-read from disk on every call, so a reload picks up
// edits without a rescan.
func (d *Discovery) LoadPlugin(name string) (*Container, error) {
	d.mu.RLock()
	m := d.manifests[name]
	factory := d.factories[name]
	d.mu.RUnlock()

	if m == nil {
		return nil, fmt.Errorf("plugin %q not discovered", name)
	}

	if factory != nil {
		return NewContainer(m, factory), nil
	}

	if m.Main == "" {
		return nil, fmt.Errorf("plugin %q has no entry script and no registered factory", name)
	}

	scriptPath := m.FilePath
	if info, err := os.Stat(m.FilePath); err == nil && info.IsDir() {
		scriptPath = filepath.Join(m.FilePath, filepath.Clean(m.Main))
	}
	source, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("reading entry script for %q: %w", name, err)
	}

	instance, err := luaplugin.LoadScript(name, source)
	if err != nil {
		return nil, err
	}
	return NewContainer(m, func() plugsdk.Plugin { return instance }), nil
}

// ValidateDependencies checks a plugin's hard dependencies and
// conflicts against a set of available plugin names. Fail-closed: an
// unknown plugin name is an error.
func (d *Discovery) ValidateDependencies(name string, available map[string]bool) error {
	d.mu.RLock()
	m := d.manifests[name]
	d.mu.RUnlock()

	if m == nil {
		return fmt.Errorf("plugin %q not discovered", name)
	}

	var missing, conflicting []string
	for _, dep := range m.Dependencies {
		if !available[dep] {
			missing = append(missing, dep)
		}
	}
	for _, c := range m.Conflicts {
		if available[c] {
			conflicting = append(conflicting, c)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("plugin %q missing dependencies: %s", name, strings.Join(missing, ", "))
	}
	if len(conflicting) > 0 {
		sort.Strings(conflicting)
		return fmt.Errorf("plugin %q conflicts with loaded plugins: %s", name, strings.Join(conflicting, ", "))
	}
	return nil
}

// Reset drops the manifest cache. Registered factories survive; they
// are construction-time wiring and the next Discover re-probes them.
func (d *Discovery) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manifests = make(map[string]*Manifest)
}

func copyManifests(src map[string]*Manifest) map[string]*Manifest {
	out := make(map[string]*Manifest, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
