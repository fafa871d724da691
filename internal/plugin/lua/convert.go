// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugKit Contributors

package lua

import (
	lua "github.com/yuin/gopher-lua"
)

// toLValue converts a Go value into a Lua value. Unsupported types map
// to nil rather than failing; scripts only ever see JSON-shaped data.
func toLValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLValue(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLValue(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// tableToLValue converts a Go map into a Lua table.
func tableToLValue(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		tbl.RawSetString(k, toLValue(L, v))
	}
	return tbl
}

// fromLValue converts a Lua value back into JSON-shaped Go data.
// Tables with only consecutive integer keys become slices; everything
// else becomes a map keyed by the string form of the key.
func fromLValue(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		return fromLTable(val)
	default:
		return nil
	}
}

func fromLTable(tbl *lua.LTable) any {
	length := tbl.Len()
	if length > 0 {
		// Array-shaped table.
		out := make([]any, 0, length)
		for i := 1; i <= length; i++ {
			out = append(out, fromLValue(tbl.RawGetInt(i)))
		}
		return out
	}

	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLValue(v)
	})
	return out
}

// mapFromLValue converts a Lua value to a Go map, or nil when the
// value is not a map-shaped table.
func mapFromLValue(v lua.LValue) map[string]any {
	m, _ := fromLValue(v).(map[string]any)
	return m
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStringSlice(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
