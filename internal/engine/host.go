package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	lua "github.com/yuin/gopher-lua"
)

var (
	// ErrNoAPIHook is returned when a script has not set _PY.fibaroApiHook.
	ErrNoAPIHook = errors.New("no API hook defined")
	// ErrBadStatus is returned when the API hook answers with a status
	// that cannot be written to an HTTP response.
	ErrBadStatus = errors.New("invalid HTTP status")
)

// ExecResult is the outcome of Execute.
type ExecResult struct {
	Result any
	Output []string
}

// Execute runs code on the loop and collects what it prints.
// Safe from any goroutine except the loop.
func (e *Engine) Execute(ctx context.Context, name, code string) (ExecResult, error) {
	v, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		var res ExecResult
		remove := e.AddOutputListener(func(line string) {
			res.Output = append(res.Output, line)
		})
		defer remove()

		v, err := e.Eval(name, code)
		res.Result = v
		return res, err
	})
	res, _ := v.(ExecResult)
	return res, err
}

// CallAPIHook forwards a request to _PY.fibaroApiHook(method, path, body).
// The hook returns (data [, status]); a missing or zero status means 200.
func (e *Engine) CallAPIHook(ctx context.Context, method, path string, body any) (any, int, error) {
	type reply struct {
		data   any
		status int
	}
	v, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		hook := L.GetField(e.py, "fibaroApiHook")
		if hook == lua.LNil {
			return nil, ErrNoAPIHook
		}
		top := L.GetTop()
		err := L.CallByParam(lua.P{Fn: hook, NRet: 2, Protect: true},
			lua.LString(method), lua.LString(path), GoToLua(L, body))
		if err != nil {
			return nil, fmt.Errorf("fibaroApiHook: %w", err)
		}
		data := LuaToGo(L.Get(top + 1))
		status := http.StatusOK
		if n, ok := L.Get(top + 2).(lua.LNumber); ok && n != 0 {
			status = int(n)
		}
		L.SetTop(top)
		// net/http panics on codes outside 100-999
		if status < 100 || status > 999 {
			return nil, fmt.Errorf("fibaroApiHook: %w %d", ErrBadStatus, status)
		}
		return reply{data: data, status: status}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(reply)
	return r.data, r.status, nil
}

// Status reports loop state from any goroutine except the loop.
func (e *Engine) Status(ctx context.Context) (Stats, error) {
	v, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		return e.Stats(), nil
	})
	if err != nil {
		return Stats{}, err
	}
	return v.(Stats), nil
}
