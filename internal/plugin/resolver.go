// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin

import (
	"fmt"
	"sort"
	"strings"
)

// Resolver computes a dependency-respecting load order over a set of
// manifests using Kahn's algorithm on the reversed dependency graph:
// dependency-free plugins surface first, and every dependency precedes
// its dependents in the result.
//
// Only hard dependencies contribute edges; optional dependencies never
// constrain ordering. Dependencies on names absent from the manifest
// set are ignored here and surface later as load-time validation
// failures.
type Resolver struct{}

// NewResolver creates a resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Resolve returns plugin names ordered so every dependency precedes its
// dependents. The order is deterministic for a given manifest set:
// ties among simultaneously ready plugins break by name.
//
// It fails when a manifest declares the same name as both a dependency
// and a conflict, or when the graph contains a cycle. On failure no
// order is produced and callers must not proceed to load.
func (r *Resolver) Resolve(manifests map[string]*Manifest) ([]string, error) {
	for name, m := range manifests {
		if both := m.ConflictsWithDependencies(); len(both) > 0 {
			return nil, fmt.Errorf("plugin %s declares %s as both dependency and conflict",
				name, strings.Join(both, ", "))
		}
	}

	// in-degree counts known hard dependencies; dependents is the
	// reversed edge set used to release nodes as their dependencies
	// are emitted.
	inDegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string, len(manifests))
	for name := range manifests {
		inDegree[name] = 0
	}
	for name, m := range manifests {
		for _, dep := range m.Dependencies {
			if _, known := manifests[dep]; !known {
				continue
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(manifests))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) != len(manifests) {
		var cyclic []string
		for name, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("circular dependency involving: %s", strings.Join(cyclic, ", "))
	}

	return order, nil
}

// insertSorted inserts name into the sorted slice, keeping it sorted.
func insertSorted(names []string, name string) []string {
	i := sort.SearchStrings(names, name)
	names = append(names, "")
	copy(names[i+1:], names[i:])
	names[i] = name
	return names
}
