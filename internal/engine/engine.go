// Package engine hosts a single Lua state and the event loop that owns it.
//
// The goroutine that calls Run is the only one that touches the Lua state,
// the timer manager and the callback registry. Other goroutines reach the
// state through Submit, and worker goroutines report back through the bridge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/eplua/internal/bridge"
	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/storage"
	"github.com/zot/eplua/internal/timer"
)

var (
	// ErrShutdown is returned by Submit once the engine has been shut down.
	ErrShutdown = errors.New("engine: shut down")
	// ErrRunning is returned when Run is entered twice.
	ErrRunning = errors.New("engine: loop already running")
)

// WorkItem represents a unit of work for the loop.
type WorkItem struct {
	fn     func(L *lua.LState) (any, error)
	result chan WorkResult
}

// WorkResult holds the result of a work item.
type WorkResult struct {
	Value any
	Err   error
}

// Option configures an Engine.
type Option func(*Engine)

// WithOutput sends print output to w instead of stdout.
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		e.out = w
	}
}

// WithStorage backs the _PY.store_* functions with b.
func WithStorage(b storage.Backend) Option {
	return func(e *Engine) {
		e.store = b
	}
}

// WithExports lets callers add their own _PY functions.
func WithExports(register func(x *Exports) error) Option {
	return func(e *Engine) {
		e.extraExports = append(e.extraExports, register)
	}
}

// Engine is a Lua state plus the loop that drives its timers and callbacks.
type Engine struct {
	State  *lua.LState
	config *config.Config

	timers   *timer.Manager
	timerFns map[timer.ID]func()

	bridge       *bridge.Bridge
	registry     *bridge.Registry
	expiry       map[string]timer.ID
	nextCallback int64

	exports      *Exports
	extraExports []func(x *Exports) error
	py           *lua.LTable
	store        storage.Backend

	outMu        sync.Mutex
	out          io.Writer
	listeners    map[int]func(string)
	nextListener int

	loaded map[string]bool
	loadMu sync.Mutex

	work     chan WorkItem
	done     chan struct{}
	shutdown sync.Once
	running  atomic.Bool
	workers  sync.WaitGroup
	started  time.Time
}

// New creates an engine with the standard libraries, the timer globals and
// the _PY table installed.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	e := &Engine{
		State:     L,
		config:    cfg,
		timers:    timer.New(),
		timerFns:  make(map[timer.ID]func()),
		bridge:    bridge.New(),
		expiry:    make(map[string]timer.ID),
		out:       os.Stdout,
		listeners: make(map[int]func(string)),
		loaded:    make(map[string]bool),
		work:      make(chan WorkItem, 100),
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	e.registry = bridge.NewRegistry(e)
	for _, opt := range opts {
		opt(e)
	}

	e.openLibs()
	e.setPackagePath(cfg.Engine.LuaPath)
	e.registerGlobals()
	e.setArgs(cfg.Engine.Script, cfg.Engine.ScriptArgs)

	if err := e.registerExports(); err != nil {
		L.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) openLibs() {
	L := e.State
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.IoLibName, lua.OpenIo},
		{lua.OsLibName, lua.OpenOs},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

// setPackagePath prepends extra ';' separated entries to package.path.
func (e *Engine) setPackagePath(extra string) {
	if extra == "" {
		return
	}
	e.prependPackagePath(strings.Split(extra, ";")...)
}

func (e *Engine) prependPackagePath(entries ...string) {
	pkg, ok := e.State.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	current := lua.LVAsString(e.State.GetField(pkg, "path"))
	parts := make([]string, 0, len(entries)+1)
	for _, entry := range entries {
		if entry != "" && !strings.Contains(current, entry) {
			parts = append(parts, entry)
		}
	}
	if len(parts) == 0 {
		return
	}
	parts = append(parts, current)
	e.State.SetField(pkg, "path", lua.LString(strings.Join(parts, ";")))
}

// setArgs installs the standard arg table: arg[0] is the script.
func (e *Engine) setArgs(script string, args []string) {
	tbl := e.State.NewTable()
	if script != "" {
		e.State.RawSetInt(tbl, 0, lua.LString(script))
	}
	for i, a := range args {
		e.State.RawSetInt(tbl, i+1, lua.LString(a))
	}
	e.State.SetGlobal("arg", tbl)
}

// Log logs a message via the config.
func (e *Engine) Log(level int, format string, args ...interface{}) {
	e.config.Log(level, format, args...)
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.config
}

// Uptime reports how long the engine has existed.
func (e *Engine) Uptime() time.Duration {
	return time.Since(e.started)
}

// RunString compiles and runs code. Loop goroutine only.
func (e *Engine) RunString(name, code string) error {
	_, err := e.Eval(name, code)
	return err
}

// Eval runs code and returns its first result converted to Go.
// Loop goroutine only.
func (e *Engine) Eval(name, code string) (any, error) {
	L := e.State
	fn, err := L.Load(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	top := L.GetTop()
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	var ret lua.LValue = lua.LNil
	if L.GetTop() > top {
		ret = L.Get(top + 1)
	}
	L.SetTop(top)
	return LuaToGo(ret), nil
}

// RunFile runs a script file through the _PY.mainLuaFile hook, so scripts
// loaded earlier can wrap how the main file is started.
func (e *Engine) RunFile(path string) error {
	return e.callHook("mainLuaFile", path)
}

// RunFragment runs a -e fragment through the _PY.luaFragment hook.
func (e *Engine) RunFragment(code string) error {
	return e.callHook("luaFragment", code)
}

func (e *Engine) callHook(name, arg string) error {
	hook := e.State.GetField(e.py, name)
	if hook == lua.LNil {
		return fmt.Errorf("_PY.%s is not defined", name)
	}
	err := e.State.CallByParam(lua.P{Fn: hook, NRet: 0, Protect: true}, lua.LString(arg))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// loadFile executes a file and records it for hot reloading.
func (e *Engine) loadFile(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	code, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Let the script require siblings.
	e.prependPackagePath(filepath.Join(filepath.Dir(abs), "?.lua"))

	e.loadMu.Lock()
	e.loaded[abs] = true
	e.loadMu.Unlock()

	return e.RunString("@"+path, string(code))
}

// IsFileLoaded reports whether path was run as a script file.
func (e *Engine) IsFileLoaded(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	return e.loaded[abs]
}

// Run drives the loop until ctx is done or, when keepAlive is false, until
// no timers or callbacks remain. It must be called from the goroutine that
// ran the scripts.
func (e *Engine) Run(ctx context.Context, keepAlive bool) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer e.running.Store(false)

	e.Log(1, "Engine: loop started (keepAlive=%v)", keepAlive)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-e.done:
			return ErrShutdown
		default:
		}

		e.step()

		if !keepAlive && !e.Active() && len(e.work) == 0 {
			e.Log(1, "Engine: nothing left to do")
			return nil
		}
		e.wait(ctx)
	}
}

// step runs one loop iteration: due timers, then bridge results, then
// queued work.
func (e *Engine) step() {
	e.fireTimers(time.Now())
	e.registry.Dispatch(e.bridge.Drain())
	for {
		select {
		case item := <-e.work:
			e.runWork(item)
		default:
			return
		}
	}
}

// wait parks until the next timer is due, a worker posts, work is
// submitted or ctx ends, bounded by the poll interval.
func (e *Engine) wait(ctx context.Context) {
	timeout := e.config.Engine.PollInterval.Duration()
	if next, ok := e.timers.NextDeadline(); ok {
		if d := time.Until(next); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 || e.bridge.Len() > 0 {
		return
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-t.C:
	case <-e.bridge.Wake():
	case item := <-e.work:
		e.runWork(item)
	case <-ctx.Done():
	case <-e.done:
	}
}

func (e *Engine) runWork(item WorkItem) {
	var res WorkResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Errorf("panic: %v", r)
			}
		}()
		res.Value, res.Err = item.fn(e.State)
	}()
	item.result <- res
}

// Active reports whether there are live timers or callbacks still waiting
// for a worker.
func (e *Engine) Active() bool {
	return e.timers.Count() > 0 || e.registry.Len() > 0
}

// Submit runs fn on the loop goroutine and blocks until it returns. It is
// safe to call from any goroutine other than the loop itself.
func (e *Engine) Submit(ctx context.Context, fn func(L *lua.LState) (any, error)) (any, error) {
	item := WorkItem{fn: fn, result: make(chan WorkResult, 1)}
	select {
	case e.work <- item:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrShutdown
	}
	select {
	case res := <-item.result:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.done:
		return nil, ErrShutdown
	}
}

// Go runs work on a new goroutine and posts its outcome under requestID.
// A panic in work is reported as an error.
func (e *Engine) Go(requestID string, work func() (any, error)) {
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		var result any
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("worker panic: %v", r)
				}
			}()
			result, err = work()
		}()
		e.bridge.Post(requestID, result, err)
	}()
}

// Stats is a snapshot of loop state.
type Stats struct {
	Timers    int           `json:"timers"`
	Callbacks int           `json:"callbacks"`
	Queued    int           `json:"queued"`
	Bridge    string        `json:"bridge"`
	Uptime    time.Duration `json:"uptime_ns"`
}

// Stats reports loop state. Loop goroutine only; other goroutines go
// through Submit.
func (e *Engine) Stats() Stats {
	return Stats{
		Timers:    e.timers.Count(),
		Callbacks: e.registry.Len(),
		Queued:    e.bridge.Len(),
		Bridge:    e.bridge.State().String(),
		Uptime:    e.Uptime(),
	}
}

// Shutdown stops the bridge, drops pending timers, waits briefly for workers
// and closes the Lua state. The loop must not be running.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.bridge.Stop()
		close(e.done)

		finished := make(chan struct{})
		go func() {
			e.workers.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(time.Second):
			e.Log(1, "Engine: workers still running at shutdown")
		}

		e.timers.Clear()
		clear(e.timerFns)
		clear(e.expiry)
		e.State.Close()
	})
}
