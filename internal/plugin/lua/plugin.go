// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package lua

import (
	"context"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugkit/plugkit/pkg/plugsdk"
)

// Script-global names the adapter looks for.
const (
	globalManifest   = "manifest"
	globalMetadataFn = "metadata"
	globalInitialize = "initialize"
	globalCleanup    = "cleanup"
	globalHandlers   = "handlers"
	globalHooks      = "hooks"
	globalConfig     = "config"
)

// Plugin adapts a Lua script to the SDK plugin interface. Each Plugin
// owns one sandboxed Lua state; all entry into the state serializes on
// an internal mutex because LStates are not safe for concurrent use.
type Plugin struct {
	name string
	meta plugsdk.Metadata

	mu          sync.Mutex
	state       *lua.LState
	closed      bool
	initialized bool
}

// Compile-time interface checks.
var (
	_ plugsdk.Plugin          = (*Plugin)(nil)
	_ plugsdk.EventSubscriber = (*Plugin)(nil)
	_ plugsdk.HookProvider    = (*Plugin)(nil)
	_ plugsdk.Configurable    = (*Plugin)(nil)
	_ plugsdk.StatusReporter  = (*Plugin)(nil)
)

// LoadScript evaluates source in a fresh sandboxed state and extracts
// plugin metadata from it. Extraction precedence: a global `manifest`
// table, then a global `metadata()` function. A script exporting
// neither is not a plugin and is rejected.
func LoadScript(name string, source []byte) (*Plugin, error) {
	errb := oops.In("lua").With("plugin", name)

	if len(source) == 0 {
		return nil, errb.Code("LUA_EMPTY_SOURCE").New("script source is empty")
	}

	L, err := newSandboxedState()
	if err != nil {
		return nil, errb.Code("LUA_STATE").Wrap(err)
	}

	if err := L.DoString(string(source)); err != nil {
		L.Close()
		return nil, errb.Code("LUA_SYNTAX").Hint("script failed to evaluate").Wrap(err)
	}

	meta, err := extractMetadata(L, name)
	if err != nil {
		L.Close()
		return nil, err
	}

	return &Plugin{
		name:  meta.Name,
		meta:  meta,
		state: L,
	}, nil
}

// ExtractMetadata evaluates source in a throwaway sandboxed state and
// returns the metadata it declares. Used by discovery, which does not
// keep the state alive.
func ExtractMetadata(name string, source []byte) (plugsdk.Metadata, error) {
	p, err := LoadScript(name, source)
	if err != nil {
		return plugsdk.Metadata{}, err
	}
	defer p.close()
	return p.meta, nil
}

// extractMetadata reads the manifest table or metadata() accessor.
func extractMetadata(L *lua.LState, name string) (plugsdk.Metadata, error) {
	errb := oops.In("lua").With("plugin", name)

	var raw map[string]any
	if tbl := L.GetGlobal(globalManifest); tbl != lua.LNil {
		raw = mapFromLValue(tbl)
	} else if fn, ok := L.GetGlobal(globalMetadataFn).(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return plugsdk.Metadata{}, errb.Code("LUA_METADATA").Hint("metadata() failed").Wrap(err)
		}
		raw = mapFromLValue(L.Get(-1))
		L.Pop(1)
	}

	if raw == nil {
		return plugsdk.Metadata{}, errb.Code("LUA_NO_MANIFEST").New("script exports neither a manifest table nor a metadata() function")
	}

	return metadataFromMap(raw), nil
}

// metadataFromMap maps manifest-table keys onto SDK metadata. The key
// names match the manifest's plain key-value representation.
func metadataFromMap(raw map[string]any) plugsdk.Metadata {
	md := plugsdk.Metadata{
		Name:             asString(raw["name"]),
		Version:          asString(raw["version"]),
		Description:      asString(raw["description"]),
		Author:           asString(raw["author"]),
		Homepage:         asString(raw["homepage"]),
		Type:             asString(raw["type"]),
		Priority:         asString(raw["priority"]),
		MinSystemVersion: asString(raw["minSystemVersion"]),
		MaxSystemVersion: asString(raw["maxSystemVersion"]),
	}
	md.Dependencies = asStringSlice(raw["dependencies"])
	md.OptionalDependencies = asStringSlice(raw["optionalDependencies"])
	md.Conflicts = asStringSlice(raw["conflicts"])
	md.Capabilities = asStringSlice(raw["capabilities"])
	md.Permissions = asStringSlice(raw["permissions"])
	if schema, ok := raw["configSchema"].(map[string]any); ok {
		md.ConfigSchema = schema
	}
	if cfg, ok := raw["defaultConfig"].(map[string]any); ok {
		md.DefaultConfig = cfg
	}
	return md
}

// Metadata implements plugsdk.Plugin.
func (p *Plugin) Metadata() plugsdk.Metadata { return p.meta }

// Initialize calls the script's initialize function with the host
// context. A script without one initializes trivially. A false return
// or Lua error fails the load.
func (p *Plugin) Initialize(_ context.Context, pctx plugsdk.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	errb := oops.In("lua").With("plugin", p.name)
	if p.closed {
		return errb.Code("LUA_CLOSED").New("plugin state is closed")
	}

	// Expose the effective config to the script before initialize runs.
	if cfg := pctx.Config(); cfg != nil {
		p.state.SetGlobal(globalConfig, tableToLValue(p.state, cfg))
	}

	fn, ok := p.state.GetGlobal(globalInitialize).(*lua.LFunction)
	if !ok {
		p.initialized = true
		return nil
	}

	arg := tableToLValue(p.state, map[string]any(pctx))
	if err := p.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return errb.Code("LUA_INITIALIZE").Wrap(err)
	}
	ret := p.state.Get(-1)
	p.state.Pop(1)
	if ret == lua.LFalse {
		return errb.Code("LUA_INITIALIZE").New("initialize returned false")
	}

	p.initialized = true
	return nil
}

// Cleanup calls the script's cleanup function if present, then closes
// the Lua state. The state close is unconditional: once Cleanup
// returns the script cannot run again.
func (p *Plugin) Cleanup(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	var callErr error
	if fn, ok := p.state.GetGlobal(globalCleanup).(*lua.LFunction); ok {
		if err := p.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			callErr = oops.In("lua").With("plugin", p.name).Code("LUA_CLEANUP").Wrap(err)
		} else {
			ret := p.state.Get(-1)
			p.state.Pop(1)
			if ret == lua.LFalse {
				callErr = oops.In("lua").With("plugin", p.name).Code("LUA_CLEANUP").New("cleanup returned false")
			}
		}
	}

	p.closeLocked()
	return callErr
}

// EventHandlers implements plugsdk.EventSubscriber by wrapping every
// function in the script's `handlers` table.
func (p *Plugin) EventHandlers() map[string][]plugsdk.EventHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	tbl, ok := p.state.GetGlobal(globalHandlers).(*lua.LTable)
	if !ok {
		return nil
	}

	out := make(map[string][]plugsdk.EventHandler)
	tbl.ForEach(func(k, v lua.LValue) {
		eventType := k.String()
		for _, fn := range functionsOf(v) {
			out[eventType] = append(out[eventType], p.eventHandler(fn))
		}
	})
	return out
}

// Hooks implements plugsdk.HookProvider by wrapping every function in
// the script's `hooks` table.
func (p *Plugin) Hooks() map[string][]plugsdk.HookFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	tbl, ok := p.state.GetGlobal(globalHooks).(*lua.LTable)
	if !ok {
		return nil
	}

	out := make(map[string][]plugsdk.HookFunc)
	tbl.ForEach(func(k, v lua.LValue) {
		hookName := k.String()
		for _, fn := range functionsOf(v) {
			out[hookName] = append(out[hookName], p.hookFunc(fn))
		}
	})
	return out
}

// functionsOf accepts a function or an array of functions.
func functionsOf(v lua.LValue) []*lua.LFunction {
	switch val := v.(type) {
	case *lua.LFunction:
		return []*lua.LFunction{val}
	case *lua.LTable:
		var fns []*lua.LFunction
		for i := 1; i <= val.Len(); i++ {
			if fn, ok := val.RawGetInt(i).(*lua.LFunction); ok {
				fns = append(fns, fn)
			}
		}
		return fns
	default:
		return nil
	}
}

func (p *Plugin) eventHandler(fn *lua.LFunction) plugsdk.EventHandler {
	return func(data map[string]any) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		arg := tableToLValue(p.state, data)
		if err := p.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg); err != nil {
			// Surface to the bus as a handler failure.
			panic(err)
		}
	}
}

func (p *Plugin) hookFunc(fn *lua.LFunction) plugsdk.HookFunc {
	return func(data map[string]any) map[string]any {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return nil
		}
		arg := tableToLValue(p.state, data)
		if err := p.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
			panic(err)
		}
		ret := p.state.Get(-1)
		p.state.Pop(1)
		return mapFromLValue(ret)
	}
}

// Config implements plugsdk.Configurable from the script's config
// global.
func (p *Plugin) Config() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return mapFromLValue(p.state.GetGlobal(globalConfig))
}

// SetConfig implements plugsdk.Configurable.
func (p *Plugin) SetConfig(cfg map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return oops.In("lua").With("plugin", p.name).Code("LUA_CLOSED").New("plugin state is closed")
	}
	p.state.SetGlobal(globalConfig, tableToLValue(p.state, cfg))
	return nil
}

// Status implements plugsdk.StatusReporter.
func (p *Plugin) Status() plugsdk.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized && !p.closed {
		return plugsdk.StatusActive
	}
	return plugsdk.StatusInactive
}

func (p *Plugin) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Plugin) closeLocked() {
	if p.closed {
		return
	}
	p.state.Close()
	p.closed = true
	p.initialized = false
}
