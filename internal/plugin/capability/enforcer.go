// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package capability enforces the capability declarations plugins make
// in their manifests. The manager installs a plugin's grants when it
// loads and removes them when it unloads; host services query Check
// before exposing privileged operations to a plugin.
//
// Patterns are glob expressions with '.' as the segment separator:
// "store.read.*" matches "store.read.manifest" but not
// "store.read.manifest.hash"; "store.**" matches all descendants.
package capability

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// grant holds a declared pattern with its compiled matcher.
type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer answers capability queries for loaded plugins. It is safe
// for concurrent use; the deny-by-default rule means unknown plugins
// and empty capability strings always fail Check.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an enforcer with no grants installed.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// Install compiles and stores the capability patterns for a plugin,
// replacing any previous grants. All patterns are compiled before any
// state changes, so a bad pattern leaves the enforcer untouched.
func (e *Enforcer) Install(plugin string, capabilities []string) error {
	if plugin == "" {
		return oops.Code("CAP_EMPTY_PLUGIN").New("plugin name cannot be empty")
	}

	compiled := make([]grant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return oops.Code("CAP_EMPTY_PATTERN").With("index", i).New("empty capability pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code("CAP_BAD_PATTERN").With("pattern", pattern).Wrap(err)
		}
		compiled[i] = grant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants[plugin] = compiled
	return nil
}

// Remove deletes all grants for a plugin. Unknown plugins are a no-op.
func (e *Enforcer) Remove(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
}

// Check reports whether the plugin holds the requested capability.
// Deny by default: unknown plugin, empty capability, or no matching
// pattern all return false.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, g := range e.grants[plugin] {
		if g.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Grants returns a copy of the patterns installed for a plugin, or nil
// when the plugin has none.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Registered reports whether the plugin has grants installed, which
// distinguishes "not registered" from "lacks the capability".
func (e *Enforcer) Registered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[plugin]
	return ok
}

// Reset removes all grants for all plugins.
func (e *Enforcer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.grants = make(map[string][]grant)
}
