package engine

import (
	"context"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/eplua/internal/bridge"
)

// RegisterCallback installs fn as the handler for the next callback id and
// returns the id. fn receives (err, result) with err nil on success. If
// timeout is positive and no result arrives in time, the handle is dropped
// and fn is called with "timeout". Loop goroutine only.
func (e *Engine) RegisterCallback(fn *lua.LFunction, timeoutMs float64) (string, error) {
	e.nextCallback++
	id := strconv.FormatInt(e.nextCallback, 10)

	err := e.registry.Register(id, func(err error, result any) {
		e.clearExpiry(id)
		if err != nil {
			e.callLua("callback "+id, fn, lua.LString(err.Error()), lua.LNil)
			return
		}
		e.callLua("callback "+id, fn, lua.LNil, GoToLua(e.State, result))
	})
	if err != nil {
		return "", err
	}

	if timeoutMs > 0 {
		tid, err := e.Schedule(millis(timeoutMs), false, func() {
			delete(e.expiry, id)
			if !e.registry.Unregister(id) {
				return
			}
			e.Log(2, "Engine: callback %s timed out", id)
			e.callLua("callback "+id, fn, lua.LString("timeout"), lua.LNil)
		})
		if err != nil {
			e.registry.Unregister(id)
			return "", err
		}
		e.expiry[id] = tid
	}
	return id, nil
}

// UnregisterCallback drops a callback handle. Late results for it are
// discarded. Loop goroutine only.
func (e *Engine) UnregisterCallback(id string) bool {
	e.clearExpiry(id)
	return e.registry.Unregister(id)
}

func (e *Engine) clearExpiry(id string) {
	if tid, ok := e.expiry[id]; ok {
		e.CancelTimer(tid)
		delete(e.expiry, id)
	}
}

// Post hands a result to the loop from any goroutine.
func (e *Engine) Post(requestID string, result any, err error) {
	e.bridge.Post(requestID, result, err)
}

// AwaitResult waits until a script answers requestID with
// _PY.threadRequestResult. The pending request keeps the loop active.
// Any goroutine except the loop.
func (e *Engine) AwaitResult(ctx context.Context, requestID string) (any, error) {
	answer := make(chan WorkResult, 1)
	_, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		return nil, e.registry.Register(requestID, func(err error, result any) {
			answer <- WorkResult{Value: result, Err: err}
		})
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-answer:
		return r.Value, r.Err
	case <-ctx.Done():
		go e.Submit(context.Background(), func(L *lua.LState) (any, error) {
			e.registry.Unregister(requestID)
			return nil, nil
		})
		return nil, ctx.Err()
	}
}

// Bridge exposes the engine's bridge.
func (e *Engine) Bridge() *bridge.Bridge {
	return e.bridge
}

// callbackID reads a callback id argument given as a number or string.
func callbackID(L *lua.LState, n int) string {
	v := L.CheckAny(n)
	switch id := v.(type) {
	case lua.LNumber:
		return strconv.FormatInt(int64(id), 10)
	case lua.LString:
		return string(id)
	default:
		L.ArgError(n, "callback id expected")
		return ""
	}
}

func (e *Engine) callbackExports(x *Exports) error {
	return x.AddAll(map[string]lua.LGFunction{
		"registerCallback": func(L *lua.LState) int {
			fn := L.CheckFunction(1)
			timeout := float64(L.OptNumber(2, 0))
			id, err := e.RegisterCallback(fn, timeout)
			if err != nil {
				L.RaiseError("%v", err)
				return 0
			}
			n, _ := strconv.ParseInt(id, 10, 64)
			L.Push(lua.LNumber(n))
			return 1
		},
		"unregisterCallback": func(L *lua.LState) int {
			L.Push(lua.LBool(e.UnregisterCallback(callbackID(L, 1))))
			return 1
		},
		// Answers a pending request; delivered on the next loop step.
		"threadRequestResult": func(L *lua.LState) int {
			id := callbackID(L, 1)
			e.Post(id, LuaToGo(L.Get(2)), nil)
			return 0
		},
	})
}
