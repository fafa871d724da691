// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

// Package lua runs script plugins in sandboxed Lua states.
//
// A script plugin is a single Lua file that exports, by convention,
// either a global `manifest` table or a global `metadata()` function,
// plus optional `initialize`, `cleanup`, `handlers`, and `hooks`
// globals. The adapter in this package presents such a script as a
// regular SDK plugin to the engine.
package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// sandboxLibraries are the only libraries loaded into plugin states.
// os, io, debug, and package stay out: scripts get no ambient
// filesystem or process access.
var sandboxLibraries = []struct {
	name string
	open lua.LGFunction
}{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// blockedBaseFunctions are base-library entry points that would let a
// script read arbitrary files or evaluate foreign chunks.
var blockedBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// newSandboxedState creates a Lua state with only the sandbox
// libraries loaded and file-access base functions removed.
func newSandboxedState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range sandboxLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range blockedBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
