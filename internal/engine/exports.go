package engine

import (
	"errors"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ErrDuplicateExport is returned when two functions claim the same _PY name.
var ErrDuplicateExport = errors.New("engine: duplicate export")

// Exports is the static table of Go functions published to scripts as _PY.
// It is filled once at startup and then installed; it is not a process-wide
// registry.
type Exports struct {
	funcs map[string]lua.LGFunction
}

// NewExports creates an empty table.
func NewExports() *Exports {
	return &Exports{funcs: make(map[string]lua.LGFunction)}
}

// Add registers fn under name.
func (x *Exports) Add(name string, fn lua.LGFunction) error {
	if name == "" || fn == nil {
		return fmt.Errorf("engine: invalid export %q", name)
	}
	if _, exists := x.funcs[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExport, name)
	}
	x.funcs[name] = fn
	return nil
}

// AddAll registers every entry of fns, stopping at the first error.
func (x *Exports) AddAll(fns map[string]lua.LGFunction) error {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := x.Add(name, fns[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered names, sorted.
func (x *Exports) Names() []string {
	names := make([]string, 0, len(x.funcs))
	for name := range x.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (x *Exports) Has(name string) bool {
	_, ok := x.funcs[name]
	return ok
}

// Install sets every function as a field of tbl.
func (x *Exports) Install(L *lua.LState, tbl *lua.LTable) {
	for _, name := range x.Names() {
		L.SetField(tbl, name, L.NewFunction(x.funcs[name]))
	}
}

// registerExports builds the _PY table from each export group.
func (e *Engine) registerExports() error {
	x := NewExports()
	groups := []func(*Exports) error{
		e.timerExports,
		e.callbackExports,
		e.workerExports,
		e.coreExports,
		e.utilityExports,
		e.storageExports,
		e.guiExports,
		e.hookExports,
	}
	groups = append(groups, e.extraExports...)
	for _, register := range groups {
		if err := register(x); err != nil {
			return err
		}
	}

	e.exports = x
	e.py = e.State.NewTable()
	x.Install(e.State, e.py)
	e.State.SetGlobal("_PY", e.py)
	e.Log(2, "Engine: installed %d _PY functions", len(x.funcs))
	return nil
}

// Exports returns the installed export table.
func (e *Engine) Exports() *Exports {
	return e.exports
}

// hookExports are the default entry points the CLI calls. Scripts may
// replace them on _PY.
func (e *Engine) hookExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"mainLuaFile": func(L *lua.LState) int {
			if err := e.loadFile(L.CheckString(1)); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
		"luaFragment": func(L *lua.LState) int {
			if err := e.RunString("fragment", L.CheckString(1)); err != nil {
				L.RaiseError("%v", err)
			}
			return 0
		},
	})
}
