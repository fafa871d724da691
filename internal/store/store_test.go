// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugkit/plugkit/internal/plugin"
	"github.com/plugkit/plugkit/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func storeManifest(name, version string, enabled bool) *plugin.Manifest {
	return &plugin.Manifest{
		Name:        name,
		Version:     version,
		Type:        plugin.TypeExtension,
		Priority:    plugin.PriorityNormal,
		Enabled:     enabled,
		ContentHash: "hash-" + version,
	}
}

func TestStore_OpenCreatesDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "registry.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_SaveAndReadBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	manifests := []*plugin.Manifest{
		storeManifest("core", "1.0.0", true),
		storeManifest("theme", "0.2.0", false),
	}
	require.NoError(t, s.SaveManifests(ctx, manifests))

	overrides, err := s.EnabledOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"core": true, "theme": false}, overrides)
}

func TestStore_EnabledSurvivesRescan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveManifests(ctx, []*plugin.Manifest{storeManifest("core", "1.0.0", true)}))
	require.NoError(t, s.SetEnabled(ctx, "core", false))

	// A rescan re-saves the manifest with its default enabled flag; the
	// operator's decision must win.
	require.NoError(t, s.SaveManifests(ctx, []*plugin.Manifest{storeManifest("core", "1.1.0", true)}))

	overrides, err := s.EnabledOverrides(ctx)
	require.NoError(t, err)
	assert.False(t, overrides["core"])
}

func TestStore_SetEnabledUnknownPlugin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetEnabled(ctx, "future", false))

	overrides, err := s.EnabledOverrides(ctx)
	require.NoError(t, err)
	assert.False(t, overrides["future"])

	// The stub row adopts the real manifest on the next save but keeps
	// its flag.
	require.NoError(t, s.SaveManifests(ctx, []*plugin.Manifest{storeManifest("future", "1.0.0", true)}))
	overrides, err = s.EnabledOverrides(ctx)
	require.NoError(t, err)
	assert.False(t, overrides["future"])
}

func TestStore_LoadResults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveManifests(ctx, []*plugin.Manifest{
		storeManifest("core", "1.0.0", true),
		storeManifest("broken", "1.0.0", true),
		storeManifest("never-tried", "1.0.0", true),
	}))
	require.NoError(t, s.SetLoadResult(ctx, "core", true))
	require.NoError(t, s.SetLoadResult(ctx, "broken", false))

	results, err := s.LoadResults(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"core": true, "broken": false}, results)

	// Outcomes overwrite on reattempt.
	require.NoError(t, s.SetLoadResult(ctx, "broken", true))
	results, err = s.LoadResults(ctx)
	require.NoError(t, err)
	assert.True(t, results["broken"])
}

func TestStore_ScanHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordScan(ctx, 3, 42*time.Millisecond))
	require.NoError(t, s.RecordScan(ctx, 5, 17*time.Millisecond))

	scans, err := s.RecentScans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)

	// Newest first.
	assert.Equal(t, 5, scans[0].Found)
	assert.Equal(t, 17*time.Millisecond, scans[0].Duration)
	assert.Equal(t, 3, scans[1].Found)
	assert.WithinDuration(t, time.Now(), scans[0].ScannedAt, time.Minute)
}

func TestStore_RecentScansLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordScan(ctx, i, time.Millisecond))
	}

	scans, err := s.RecentScans(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, scans, 2)
	assert.Equal(t, 4, scans[0].Found)
}

func TestStore_EmptyDatabase(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	overrides, err := s.EnabledOverrides(ctx)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	scans, err := s.RecentScans(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, scans)
}
