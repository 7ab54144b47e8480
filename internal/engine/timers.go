package engine

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/eplua/internal/timer"
)

// registerGlobals installs print and the browser-style timer functions.
func (e *Engine) registerGlobals() {
	L := e.State
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
	L.SetGlobal("setTimeout", L.NewFunction(e.luaSetTimer(false)))
	L.SetGlobal("setInterval", L.NewFunction(e.luaSetTimer(true)))
	L.SetGlobal("clearTimeout", L.NewFunction(e.luaClearTimer))
	L.SetGlobal("clearInterval", L.NewFunction(e.luaClearTimer))
}

// Schedule arranges for fn to run on the loop after delay. Loop goroutine only.
func (e *Engine) Schedule(delay time.Duration, repeating bool, fn func()) (timer.ID, error) {
	id, err := e.timers.Schedule(delay, repeating)
	if err != nil {
		return 0, err
	}
	e.timerFns[id] = fn
	e.Log(3, "Engine: timer %d scheduled in %s (repeating=%v)", id, delay, repeating)
	return id, nil
}

// CancelTimer cancels a timer. Loop goroutine only.
func (e *Engine) CancelTimer(id timer.ID) bool {
	delete(e.timerFns, id)
	return e.timers.Cancel(id)
}

// fireTimers runs the callbacks of every timer due at now. The callbacks
// are looked up before any of them runs, so cancelling a timer that was
// already collected in this pass does not stop it.
func (e *Engine) fireTimers(now time.Time) int {
	ids := e.timers.Tick(now)
	if len(ids) == 0 {
		return 0
	}

	due := make([]func(), 0, len(ids))
	for _, id := range ids {
		fn, ok := e.timerFns[id]
		if !ok {
			continue
		}
		if _, live := e.timers.Deadline(id); !live {
			delete(e.timerFns, id)
		}
		due = append(due, fn)
	}

	for _, fn := range due {
		fn()
	}
	return len(due)
}

// callLua invokes fn in protected mode and logs a failure instead of
// propagating it, so one broken callback does not stop the loop.
func (e *Engine) callLua(what string, fn lua.LValue, args ...lua.LValue) {
	err := e.State.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
	if err != nil {
		e.Log(0, "Engine: error in %s: %v", what, err)
		e.emit("Error in " + what + ": " + err.Error())
	}
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func (e *Engine) luaSetTimer(repeating bool) lua.LGFunction {
	return func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ms := float64(L.OptNumber(2, 0))
		if ms < 0 {
			L.ArgError(2, "delay must not be negative")
			return 0
		}
		what := "timer"
		if repeating {
			what = "interval"
		}
		id, err := e.Schedule(millis(ms), repeating, func() {
			e.callLua(what, fn)
		})
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		L.Push(lua.LNumber(id))
		return 1
	}
}

func (e *Engine) luaClearTimer(L *lua.LState) int {
	v := L.Get(1)
	n, ok := v.(lua.LNumber)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LBool(e.CancelTimer(timer.ID(n))))
	return 1
}

// timerExports are the _PY timer functions. set_timeout takes a callback id
// and calls _PY.timerExpired(id) when due.
func (e *Engine) timerExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"set_timeout": func(L *lua.LState) int {
			cbid := L.CheckAny(1)
			ms := float64(L.CheckNumber(2))
			if ms < 0 {
				L.ArgError(2, "delay must not be negative")
				return 0
			}
			id, err := e.Schedule(millis(ms), false, func() {
				hook := e.State.GetField(e.py, "timerExpired")
				if hook == lua.LNil {
					e.Log(1, "Engine: _PY.timerExpired not defined, dropping timer for %s", cbid)
					return
				}
				e.callLua("timerExpired", hook, cbid)
			})
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			L.Push(lua.LNumber(id))
			return 1
		},
		"clear_timeout": e.luaClearTimer,
		"get_timer_count": func(L *lua.LState) int {
			L.Push(lua.LNumber(e.timers.Count()))
			return 1
		},
	})
}
