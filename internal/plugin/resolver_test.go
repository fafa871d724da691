// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugkit/plugkit/internal/plugin"
)

func testManifest(name string, deps ...string) *plugin.Manifest {
	return &plugin.Manifest{
		Name:         name,
		Version:      "1.0.0",
		Type:         plugin.TypeExtension,
		Priority:     plugin.PriorityNormal,
		Dependencies: deps,
		Enabled:      true,
		LoadOrder:    -1,
	}
}

func indexOf(t *testing.T, order []string, name string) int {
	t.Helper()
	for i, n := range order {
		if n == name {
			return i
		}
	}
	t.Fatalf("%q not found in order %v", name, order)
	return -1
}

func TestResolver_DependencyBeforeDependent(t *testing.T) {
	r := plugin.NewResolver()

	order, err := r.Resolve(map[string]*plugin.Manifest{
		"a": testManifest("a", "b"),
		"b": testManifest("b", "c"),
		"c": testManifest("c"),
	})
	require.NoError(t, err)
	require.Len(t, order, 3)

	assert.Less(t, indexOf(t, order, "c"), indexOf(t, order, "b"))
	assert.Less(t, indexOf(t, order, "b"), indexOf(t, order, "a"))
}

func TestResolver_Diamond(t *testing.T) {
	r := plugin.NewResolver()

	order, err := r.Resolve(map[string]*plugin.Manifest{
		"top":   testManifest("top", "left", "right"),
		"left":  testManifest("left", "base"),
		"right": testManifest("right", "base"),
		"base":  testManifest("base"),
	})
	require.NoError(t, err)

	assert.Less(t, indexOf(t, order, "base"), indexOf(t, order, "left"))
	assert.Less(t, indexOf(t, order, "base"), indexOf(t, order, "right"))
	assert.Less(t, indexOf(t, order, "left"), indexOf(t, order, "top"))
	assert.Less(t, indexOf(t, order, "right"), indexOf(t, order, "top"))
}

func TestResolver_CycleDetected(t *testing.T) {
	r := plugin.NewResolver()

	_, err := r.Resolve(map[string]*plugin.Manifest{
		"a": testManifest("a", "b"),
		"b": testManifest("b", "a"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular dependency")
	assert.Contains(t, err.Error(), "a")
	assert.Contains(t, err.Error(), "b")
}

func TestResolver_SelfLoopViaIndirection(t *testing.T) {
	r := plugin.NewResolver()

	_, err := r.Resolve(map[string]*plugin.Manifest{
		"a": testManifest("a", "b"),
		"b": testManifest("b", "c"),
		"c": testManifest("c", "a"),
		"d": testManifest("d"),
	})
	require.Error(t, err)
}

func TestResolver_DependencyConflictOverlapRejected(t *testing.T) {
	r := plugin.NewResolver()

	m := testManifest("a", "b")
	m.Conflicts = []string{"b"}
	_, err := r.Resolve(map[string]*plugin.Manifest{
		"a": m,
		"b": testManifest("b"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both dependency and conflict")
}

func TestResolver_UnknownDependenciesIgnored(t *testing.T) {
	r := plugin.NewResolver()

	order, err := r.Resolve(map[string]*plugin.Manifest{
		"a": testManifest("a", "not-installed"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, order)
}

func TestResolver_Deterministic(t *testing.T) {
	r := plugin.NewResolver()
	manifests := map[string]*plugin.Manifest{
		"zeta":  testManifest("zeta"),
		"alpha": testManifest("alpha"),
		"mid":   testManifest("mid", "alpha"),
		"beta":  testManifest("beta"),
	}

	first, err := r.Resolve(manifests)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(manifests)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	// Simultaneously ready plugins come out in name order.
	assert.Equal(t, "alpha", first[0])
	assert.Equal(t, "beta", first[1])
}

func TestResolver_EmptyInput(t *testing.T) {
	r := plugin.NewResolver()
	order, err := r.Resolve(map[string]*plugin.Manifest{})
	require.NoError(t, err)
	assert.Empty(t, order)
}
