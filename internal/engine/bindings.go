package engine

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ErrNoStorage is raised by the store functions when no backend is configured.
var ErrNoStorage = errors.New("storage not configured")

const guiUnavailable = "ERROR: GUI not available"

func (e *Engine) coreExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"print": func(L *lua.LState) int {
			e.emit(joinArgs(L, " "))
			return 0
		},
		"log": func(L *lua.LState) int {
			level := strings.ToUpper(L.CheckString(1))
			msg := L.OptString(2, "")
			entry := e.config.Logger().WithField("source", "lua")
			switch level {
			case "DEBUG":
				entry.Debug(msg)
			case "INFO":
				entry.Info(msg)
			case "WARN", "WARNING":
				entry.Warn(msg)
			case "ERROR":
				entry.Error(msg)
			default:
				entry.WithField("level", level).Info(msg)
			}
			return 0
		},
		"get_time": func(L *lua.LState) int {
			L.Push(lua.LNumber(float64(time.Now().UnixNano()) / 1e9))
			return 1
		},
		"sleep": func(L *lua.LState) int {
			// Blocks the loop; timers are the non-blocking way to wait.
			time.Sleep(time.Duration(float64(L.CheckNumber(1)) * float64(time.Second)))
			return 0
		},
		"get_platform": func(L *lua.LState) int {
			L.Push(GoToLua(L, platformInfo()))
			return 1
		},
		"get_system_info": func(L *lua.LState) int {
			cwd, _ := os.Getwd()
			info := map[string]any{
				"platform": platformInfo(),
				"environment": map[string]any{
					"cwd":            cwd,
					"user":           envOr("USER", "unknown"),
					"home":           envOr("HOME", "unknown"),
					"path_separator": string(os.PathListSeparator),
					"line_separator": "\n",
				},
				"runtime": map[string]any{
					"current_time": float64(time.Now().UnixNano()) / 1e9,
					"pid":          os.Getpid(),
					"goroutines":   runtime.NumGoroutine(),
				},
			}
			L.Push(GoToLua(L, info))
			return 1
		},
		"math_add": func(L *lua.LState) int {
			L.Push(L.CheckNumber(1) + L.CheckNumber(2))
			return 1
		},
		"random_number": func(L *lua.LState) int {
			lo := float64(L.OptNumber(1, 0))
			hi := float64(L.OptNumber(2, 1))
			L.Push(lua.LNumber(lo + rand.Float64()*(hi-lo)))
			return 1
		},
	})
}

func platformInfo() map[string]any {
	host, _ := os.Hostname()
	return map[string]any{
		"system":     runtime.GOOS,
		"machine":    runtime.GOARCH,
		"processor":  runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
		"hostname":   host,
		"go_version": runtime.Version(),
	}
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

// pushError pushes the (nil, message) pair Lua code checks for failures.
func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

func (e *Engine) utilityExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"parse_json": func(L *lua.LState) int {
			var v any
			if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
				return pushError(L, err)
			}
			L.Push(GoToLua(L, v))
			L.Push(lua.LNil)
			return 2
		},
		"to_json": func(L *lua.LState) int {
			data, err := json.Marshal(LuaToGo(L.CheckAny(1)))
			if err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LString(data))
			return 1
		},
		"read_file": func(L *lua.LState) int {
			data, err := os.ReadFile(L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LString(data))
			return 1
		},
		"write_file": func(L *lua.LState) int {
			err := os.WriteFile(L.CheckString(1), []byte(L.CheckString(2)), 0644)
			if err != nil {
				L.Push(lua.LFalse)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},
		"list_directory": func(L *lua.LState) int {
			dir := L.OptString(1, ".")
			entries, err := os.ReadDir(dir)
			if err != nil {
				L.Push(GoToLua(L, map[string]any{"error": err.Error(), "entries": []any{}, "count": 0}))
				return 1
			}
			list := make([]any, 0, len(entries))
			for _, entry := range entries {
				var size int64
				if info, err := os.Stat(filepath.Join(dir, entry.Name())); err == nil && !info.IsDir() {
					size = info.Size()
				}
				list = append(list, map[string]any{
					"name":         entry.Name(),
					"is_file":      entry.Type().IsRegular(),
					"is_directory": entry.IsDir(),
					"size":         size,
				})
			}
			L.Push(GoToLua(L, map[string]any{"entries": list, "count": len(list)}))
			return 1
		},
		"get_env": func(L *lua.LState) int {
			L.Push(lua.LString(envOr(L.CheckString(1), L.OptString(2, ""))))
			return 1
		},
		"set_env": func(L *lua.LState) int {
			L.Push(lua.LBool(os.Setenv(L.CheckString(1), L.CheckString(2)) == nil))
			return 1
		},
	})
}

func (e *Engine) storageExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"store_get": func(L *lua.LState) int {
			if e.store == nil {
				return pushError(L, ErrNoStorage)
			}
			raw, ok, err := e.store.Get(L.CheckString(1))
			if err != nil {
				return pushError(L, err)
			}
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return pushError(L, err)
			}
			L.Push(GoToLua(L, v))
			return 1
		},
		"store_set": func(L *lua.LState) int {
			if e.store == nil {
				return pushError(L, ErrNoStorage)
			}
			data, err := json.Marshal(LuaToGo(L.CheckAny(2)))
			if err != nil {
				return pushError(L, err)
			}
			if err := e.store.Set(L.CheckString(1), data); err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		},
		"store_delete": func(L *lua.LState) int {
			if e.store == nil {
				return pushError(L, ErrNoStorage)
			}
			if err := e.store.Delete(L.CheckString(1)); err != nil {
				return pushError(L, err)
			}
			L.Push(lua.LTrue)
			return 1
		},
		"store_keys": func(L *lua.LState) int {
			if e.store == nil {
				return pushError(L, ErrNoStorage)
			}
			keys, err := e.store.Keys(L.OptString(1, ""))
			if err != nil {
				return pushError(L, err)
			}
			L.Push(GoToLua(L, keys))
			return 1
		},
	})
}

// guiExports keep GUI-detecting scripts working on a headless host.
func (e *Engine) guiExports(x *Exports) error {
	unavailable := func(L *lua.LState) int {
		L.Push(lua.LString(guiUnavailable))
		return 1
	}
	return x.AddAll(map[string]lua.LGFunction{
		"gui_available": func(L *lua.LState) int {
			L.Push(lua.LFalse)
			return 1
		},
		"html_rendering_available": func(L *lua.LState) int {
			L.Push(lua.LFalse)
			return 1
		},
		"get_html_engine": func(L *lua.LState) int {
			L.Push(lua.LString("none"))
			return 1
		},
		"create_window":   unavailable,
		"set_window_html": unavailable,
		"set_window_url":  unavailable,
		"show_window":     unavailable,
		"hide_window":     unavailable,
		"close_window":    unavailable,
		"list_windows":    unavailable,
		"show_gui":        unavailable,
	})
}
