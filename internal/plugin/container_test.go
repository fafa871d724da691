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

func baseFactory(name string, configure func(*plugsdk.Base)) plugin.Factory {
	return func() plugsdk.Plugin {
		b := plugsdk.NewBase(plugsdk.Metadata{
			Name:    name,
			Version: "1.0.0",
			Type:    "extension",
		})
		if configure != nil {
			configure(b)
		}
		return b
	}
}

func TestContainer_LoadSuccess(t *testing.T) {
	m := testManifest("echo")
	c := plugin.NewContainer(m, baseFactory("echo", nil))

	assert.Equal(t, plugin.StateUnloaded, c.State())
	assert.False(t, c.IsLoaded())

	ok := c.Load(context.Background(), plugsdk.Context{})
	require.True(t, ok)
	assert.Equal(t, plugin.StateActive, c.State())
	assert.True(t, c.IsLoaded())
	assert.True(t, c.IsActive())
	assert.NotNil(t, c.Instance())

	info := c.Info()
	assert.True(t, info.Active)
	assert.True(t, info.Loaded)
	assert.Equal(t, plugsdk.StatusActive, info.Status)
}

func TestContainer_InitializeFailure(t *testing.T) {
	c := plugin.NewContainer(testManifest("broken"), baseFactory("broken", func(b *plugsdk.Base) {
		b.OnInitialize = func(context.Context, plugsdk.Context) error {
			return errors.New("refusing to start")
		}
	}))

	ok := c.Load(context.Background(), plugsdk.Context{})
	assert.False(t, ok)
	assert.Equal(t, plugin.StateError, c.State())
	assert.False(t, c.IsLoaded())

	info := c.Info()
	require.NotEmpty(t, info.ErrorMessages)
	assert.Contains(t, info.ErrorMessages[0], "refusing to start")
	assert.Equal(t, uint64(1), info.ErrorCount)
}

func TestContainer_InitializePanicContained(t *testing.T) {
	c := plugin.NewContainer(testManifest("panicky"), baseFactory("panicky", func(b *plugsdk.Base) {
		b.OnInitialize = func(context.Context, plugsdk.Context) error {
			panic("boom")
		}
	}))

	ok := c.Load(context.Background(), plugsdk.Context{})
	assert.False(t, ok)
	assert.Equal(t, plugin.StateError, c.State())
}

func TestContainer_FactoryPanicContained(t *testing.T) {
	c := plugin.NewContainer(testManifest("bad-factory"), func() plugsdk.Plugin {
		panic("cannot construct")
	})

	ok := c.Load(context.Background(), plugsdk.Context{})
	assert.False(t, ok)
	assert.Equal(t, plugin.StateError, c.State())
}

func TestContainer_FactoryNilInstance(t *testing.T) {
	c := plugin.NewContainer(testManifest("nil-factory"), func() plugsdk.Plugin { return nil })

	assert.False(t, c.Load(context.Background(), plugsdk.Context{}))
	assert.Equal(t, plugin.StateError, c.State())
}

func TestContainer_NilContextSkipsInitialize(t *testing.T) {
	initialized := false
	c := plugin.NewContainer(testManifest("lazy"), baseFactory("lazy", func(b *plugsdk.Base) {
		b.OnInitialize = func(context.Context, plugsdk.Context) error {
			initialized = true
			return nil
		}
	}))

	require.True(t, c.Load(context.Background(), nil))
	assert.False(t, initialized, "no plugin context means no initialize call")
	assert.True(t, c.IsActive())
}

func TestContainer_UnloadAlwaysSucceeds(t *testing.T) {
	c := plugin.NewContainer(testManifest("stubborn"), baseFactory("stubborn", func(b *plugsdk.Base) {
		b.OnCleanup = func(context.Context) error {
			return errors.New("cleanup exploded")
		}
	}))
	require.True(t, c.Load(context.Background(), plugsdk.Context{}))

	ok := c.Unload(context.Background())
	assert.True(t, ok, "cleanup failures never block unload")
	assert.Equal(t, plugin.StateUnloaded, c.State())
	assert.False(t, c.IsLoaded())
	assert.Nil(t, c.Instance())

	info := c.Info()
	require.NotEmpty(t, info.ErrorMessages)
	assert.Contains(t, info.ErrorMessages[0], "cleanup exploded")
}

func TestContainer_UnloadWithoutLoad(t *testing.T) {
	c := plugin.NewContainer(testManifest("fresh"), baseFactory("fresh", nil))
	assert.True(t, c.Unload(context.Background()))
	assert.Equal(t, plugin.StateUnloaded, c.State())
}

func TestContainer_ConfigValidation(t *testing.T) {
	m := testManifest("configured")
	m.ConfigSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"volume": map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []any{"volume"},
	}
	m.DefaultConfig = map[string]any{"volume": 5}

	c := plugin.NewContainer(m, baseFactory("configured", nil))
	require.True(t, c.Load(context.Background(), plugsdk.Context{}), "defaults satisfy the schema")
	require.True(t, c.Unload(context.Background()))

	// A caller-supplied override violating the schema fails the load.
	ok := c.Load(context.Background(), plugsdk.Context{"config": map[string]any{"volume": -3}})
	assert.False(t, ok)
	assert.Equal(t, plugin.StateError, c.State())
}

func TestContainer_RecordCall(t *testing.T) {
	c := plugin.NewContainer(testManifest("counted"), baseFactory("counted", nil))
	require.True(t, c.Load(context.Background(), plugsdk.Context{}))

	c.RecordCall(false)
	c.RecordCall(false)
	c.RecordCall(true)

	info := c.Info()
	assert.Equal(t, uint64(3), info.CallCount)
	assert.Equal(t, uint64(1), info.ErrorCount)
}

func TestNewContainer_PanicsOnNilArguments(t *testing.T) {
	assert.Panics(t, func() { plugin.NewContainer(nil, baseFactory("x", nil)) })
	assert.Panics(t, func() { plugin.NewContainer(testManifest("x"), nil) })
}
