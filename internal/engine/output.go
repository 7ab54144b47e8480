package engine

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// AddOutputListener registers fn to receive every printed line. The returned
// function removes it. Safe from any goroutine; fn runs on the loop.
func (e *Engine) AddOutputListener(fn func(line string)) (remove func()) {
	e.outMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.outMu.Unlock()

	return func() {
		e.outMu.Lock()
		delete(e.listeners, id)
		e.outMu.Unlock()
	}
}

// emit writes one line of script output.
func (e *Engine) emit(line string) {
	e.outMu.Lock()
	out := e.out
	listeners := make([]func(string), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.outMu.Unlock()

	if out != nil {
		fmt.Fprintln(out, line)
	}
	for _, fn := range listeners {
		fn(line)
	}
}

// joinArgs renders the Lua arguments from index 1 with tostring semantics.
func joinArgs(L *lua.LState, sep string) string {
	top := L.GetTop()
	parts := make([]string, 0, top)
	for i := 1; i <= top; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, sep)
}

// luaPrint replaces the global print.
func (e *Engine) luaPrint(L *lua.LState) int {
	e.emit(joinArgs(L, "\t"))
	return 0
}
