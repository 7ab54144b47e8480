package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// GoToLua converts a Go value to Lua. Maps and slices become tables;
// anything unknown is rendered with %v.
func GoToLua(L *lua.LState, val any) lua.LValue {
	if val == nil {
		return lua.LNil
	}

	switch v := val.(type) {
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(float64(v))
	case int32:
		return lua.LNumber(float64(v))
	case int64:
		return lua.LNumber(float64(v))
	case uint64:
		return lua.LNumber(float64(v))
	case float32:
		return lua.LNumber(float64(v))
	case float64:
		return lua.LNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return lua.LString(v.String())
		}
		return lua.LNumber(f)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case error:
		return lua.LString(v.Error())
	case []any:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, GoToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for i, item := range v {
			L.RawSetInt(tbl, i+1, lua.LString(item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, GoToLua(L, item))
		}
		return tbl
	case map[string]string:
		tbl := L.NewTable()
		for k, item := range v {
			L.SetField(tbl, k, lua.LString(item))
		}
		return tbl
	}

	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(float64(rv.Uint()))
	case reflect.Slice, reflect.Array:
		tbl := L.NewTable()
		for i := 0; i < rv.Len(); i++ {
			L.RawSetInt(tbl, i+1, GoToLua(L, rv.Index(i).Interface()))
		}
		return tbl
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			tbl := L.NewTable()
			iter := rv.MapRange()
			for iter.Next() {
				L.SetField(tbl, iter.Key().String(), GoToLua(L, iter.Value().Interface()))
			}
			return tbl
		}
	case reflect.Pointer:
		if rv.IsNil() {
			return lua.LNil
		}
	}
	return lua.LString(fmt.Sprintf("%v", val))
}

// LuaToGo converts a Lua value to Go.
// Tables with only positive integer keys become []any, other tables
// become map[string]any. Fields prefixed with "_" are skipped.
func LuaToGo(val lua.LValue) any {
	return luaToGo(val, make(map[*lua.LTable]bool))
}

func luaToGo(val lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)

		// Count numeric and string keys to determine if array or map
		hasNumericKeys := false
		hasStringKeys := false
		maxN := 0
		v.ForEach(func(key, _ lua.LValue) {
			if n, ok := key.(lua.LNumber); ok {
				hasNumericKeys = true
				if int(n) > maxN {
					maxN = int(n)
				}
			} else if ks, ok := key.(lua.LString); ok {
				if !strings.HasPrefix(string(ks), "_") {
					hasStringKeys = true
				}
			}
		})

		// Pure array (only numeric keys)
		if hasNumericKeys && !hasStringKeys && maxN > 0 {
			arr := make([]any, maxN)
			for i := 1; i <= maxN; i++ {
				arr[i-1] = luaToGo(v.RawGetInt(i), seen)
			}
			return arr
		}

		// Object (string keys, possibly mixed with numeric)
		m := make(map[string]any)
		v.ForEach(func(key, value lua.LValue) {
			if ks, ok := key.(lua.LString); ok {
				keyStr := string(ks)
				if !strings.HasPrefix(keyStr, "_") {
					m[keyStr] = luaToGo(value, seen)
				}
			}
		})
		return m
	case *lua.LNilType:
		return nil
	default:
		// functions, userdata and threads have no Go form
		return nil
	}
}
