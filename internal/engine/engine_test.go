package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/storage"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimRight(b.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Engine.PollInterval = config.Duration(20 * time.Millisecond)
	return cfg
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	e, err := New(testConfig(), append([]Option{WithOutput(out)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)
	return e, out
}

// runUntilIdle runs the loop until nothing is pending.
func runUntilIdle(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx, false))
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("order", `
		setTimeout(function() print("b") end, 30)
		setTimeout(function() print("a") end, 10)
		setTimeout(function() print("a2") end, 10)
		setTimeout(function() print("zero") end, 0)
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"zero", "a", "a2", "b"}, out.Lines())
}

func TestTimerNeverFiresEarly(t *testing.T) {
	e, out := newTestEngine(t)
	start := time.Now()
	require.NoError(t, e.RunString("late", `setTimeout(function() print("done") end, 40)`))

	runUntilIdle(t, e)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, []string{"done"}, out.Lines())
}

func TestClearTimeout(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("clear", `
		local id = setTimeout(function() print("never") end, 10)
		print(clearTimeout(id))
		print(clearTimeout(id))
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"true", "false"}, out.Lines())
	assert.False(t, e.Active())
}

func TestIntervalRepeatsUntilCleared(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("interval", `
		local n = 0
		local id
		id = setInterval(function()
			n = n + 1
			print("tick " .. n)
			if n == 3 then clearInterval(id) end
		end, 5)
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"tick 1", "tick 2", "tick 3"}, out.Lines())
}

func TestCancelledInSameTickStillFires(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("same-tick", `
		local second
		setTimeout(function() print("first"); clearTimeout(second) end, 10)
		second = setTimeout(function() print("second") end, 10)
	`))

	// Both timers are due by the time the loop first ticks.
	time.Sleep(20 * time.Millisecond)
	runUntilIdle(t, e)
	assert.Equal(t, []string{"first", "second"}, out.Lines())
}

func TestNegativeDelayIsAnError(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.RunString("negative", `setTimeout(function() end, -1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
	assert.False(t, e.Active())
}

func TestCallbackErrorDoesNotStopLoop(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("broken", `
		setTimeout(function() error("boom") end, 0)
		setTimeout(function() print("still running") end, 5)
	`))

	runUntilIdle(t, e)
	lines := out.Lines()
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "boom")
	assert.Equal(t, "still running", lines[1])
}

func TestPyTimerExports(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("py-timers", `
		_PY.timerExpired = function(cb) print("expired " .. cb) end
		_PY.set_timeout(7, 5)
		local id = _PY.set_timeout(8, 5)
		print(_PY.get_timer_count())
		_PY.clear_timeout(id)
		print(_PY.get_timer_count())
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"2", "1", "expired 7"}, out.Lines())
}

func TestRegisterCallbackWithWorker(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("worker", `
		local id = _PY.registerCallback(function(err, res)
			print(err, res.success, res.message)
		end)
		_PY.run_in_thread(id, 0.01)
	`))
	assert.True(t, e.Active())

	runUntilIdle(t, e)
	assert.Equal(t, []string{"nil\ttrue\tTask completed after 0.01 seconds"}, out.Lines())
	assert.False(t, e.Active())
}

func TestWorkerErrorReachesCallback(t *testing.T) {
	e, out := newTestEngine(t)
	missing := filepath.Join(t.TempDir(), "missing.txt")
	e.State.SetGlobal("missing", lua.LString(missing))
	require.NoError(t, e.RunString("file-error", `
		local id = _PY.registerCallback(function(err, res)
			print(err, res)
		end)
		_PY.file_operation(id, missing, "read")
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"file not found: " + missing + "\tnil"}, out.Lines())
}

func TestFileOperationReadTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 150)), 0644))

	res, err := fileOperation(path, "read")
	require.NoError(t, err)
	m := res.(map[string]any)
	assert.Equal(t, 150, m["content_length"])
	assert.Equal(t, strings.Repeat("x", 100)+"...", m["content"])

	_, err = fileOperation(path, "append")
	assert.EqualError(t, err, "unknown operation: append")
}

func TestFileOperationPreviewKeepsRunes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "utf8.txt")
	text := strings.Repeat("x", 99) + strings.Repeat("é", 50)
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))

	res, err := fileOperation(path, "read")
	require.NoError(t, err)
	content := res.(map[string]any)["content"].(string)
	assert.True(t, utf8.ValidString(content))
	assert.Equal(t, strings.Repeat("x", 99)+"é...", content)

	assert.Equal(t, "héllo", preview("héllo"))
}

func TestCPUTask(t *testing.T) {
	res, err := sumSquares(4)
	require.NoError(t, err)
	assert.Equal(t, float64(0+1+4+9), res.(map[string]any)["result"])
}

func TestThreadRequestResultAnswersLuaCallback(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("answer", `
		local id = _PY.registerCallback(function(err, res) print(err, res.n) end)
		setTimeout(function() _PY.threadRequestResult(id, {n = 5}) end, 5)
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"nil\t5"}, out.Lines())
}

func TestAwaitResult(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, true)
	}()
	defer func() {
		cancel()
		<-done
	}()

	type answer struct {
		v   any
		err error
	}
	got := make(chan answer, 1)
	go func() {
		v, err := e.AwaitResult(ctx, "req-7")
		got <- answer{v, err}
	}()

	require.Eventually(t, func() bool {
		st, err := e.Status(ctx)
		return err == nil && st.Callbacks == 1
	}, time.Second, 5*time.Millisecond)

	_, err := e.Execute(ctx, "answer", `
		setTimeout(function() _PY.threadRequestResult("req-7", {status = "ok"}) end, 10)
	`)
	require.NoError(t, err)

	select {
	case a := <-got:
		require.NoError(t, a.err)
		assert.Equal(t, map[string]any{"status": "ok"}, a.v)
	case <-time.After(2 * time.Second):
		t.Fatal("no answer")
	}
}

func TestAwaitResultHonoursContext(t *testing.T) {
	e, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx, true)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitCtx, stop := context.WithTimeout(ctx, 20*time.Millisecond)
	defer stop()
	_, err := e.AwaitResult(waitCtx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackTimeout(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("expiry", `
		cbid = _PY.registerCallback(function(err, res) print(err) end, 20)
	`))

	runUntilIdle(t, e)
	assert.Equal(t, []string{"timeout"}, out.Lines())

	// A result arriving after expiry is dropped.
	e.Post("1", "late", nil)
	e.step()
	assert.Equal(t, []string{"timeout"}, out.Lines())
}

func TestResultCancelsExpiry(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("expiry", `
		local id = _PY.registerCallback(function(err, res) print(err, res) end, 1000)
		_PY.cpu_intensive_task(id, 10)
	`))

	start := time.Now()
	runUntilIdle(t, e)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, out.Lines(), 1)
	assert.True(t, strings.HasPrefix(out.Lines()[0], "nil\t"))
	assert.Zero(t, e.timers.Count())
}

func TestUnregisterCallback(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("unregister", `
		local id = _PY.registerCallback(function() print("called") end)
		print(_PY.unregisterCallback(id))
		_PY.run_in_thread(id, 0)
	`))

	runUntilIdle(t, e)
	e.workers.Wait()
	e.step()
	assert.Equal(t, []string{"true"}, out.Lines())
}

func TestGoRecoversPanic(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.RunString("panic", `
		cbid = _PY.registerCallback(function(err) failure = err end)
	`))

	id := lua.LVAsString(e.State.GetGlobal("cbid"))
	e.Go(id, func() (any, error) {
		panic("boom")
	})

	runUntilIdle(t, e)
	assert.Contains(t, lua.LVAsString(e.State.GetGlobal("failure")), "worker panic: boom")
}

func TestRunKeepAliveStopsOnContext(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Run(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- e.Run(ctx, true)
	}()
	<-started
	assert.Eventually(t, e.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.Run(context.Background(), true), ErrRunning)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSubmitRunsOnLoop(t *testing.T) {
	e, out := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, true) }()

	v, err := e.Submit(ctx, func(L *lua.LState) (any, error) {
		return e.Eval("sum", `print("in loop"); return 1 + 1`)
	})
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	_, err = e.Submit(ctx, func(L *lua.LState) (any, error) {
		return nil, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")

	_, err = e.Submit(ctx, func(L *lua.LState) (any, error) {
		panic("bad work")
	})
	assert.ErrorContains(t, err, "bad work")

	cancel()
	<-done
	assert.Equal(t, []string{"in loop"}, out.Lines())
}

func TestSubmitAfterShutdown(t *testing.T) {
	e, err := New(testConfig(), WithOutput(&syncBuffer{}))
	require.NoError(t, err)
	e.Shutdown()

	_, err = e.Submit(context.Background(), func(L *lua.LState) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrShutdown)

	// Posting after shutdown is a no-op.
	assert.NotPanics(t, func() { e.Post("1", nil, nil) })
	assert.Zero(t, e.Bridge().Len())
}

func TestShutdownDropsTimers(t *testing.T) {
	e, err := New(testConfig(), WithOutput(&syncBuffer{}))
	require.NoError(t, err)
	require.NoError(t, e.RunString("setup", `
		setTimeout(function() end, 1000)
		setInterval(function() end, 1000)
		_PY.registerCallback(function() end, 5000)
	`))
	require.Equal(t, 3, e.timers.Count())

	e.Shutdown()
	assert.Zero(t, e.timers.Count())
	assert.Empty(t, e.timerFns)
	assert.Empty(t, e.expiry)
}

func TestOutputListener(t *testing.T) {
	e, _ := newTestEngine(t)
	var got []string
	remove := e.AddOutputListener(func(line string) { got = append(got, line) })

	require.NoError(t, e.RunString("listen", `print("a", 1) _PY.print("b", 2)`))
	remove()
	require.NoError(t, e.RunString("listen", `print("c")`))

	assert.Equal(t, []string{"a\t1", "b 2"}, got)
}

func TestRunFileAndHooks(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helper.lua"), []byte(`return { greet = function() return "hi" end }`), 0644))
	main := filepath.Join(dir, "main.lua")
	require.NoError(t, os.WriteFile(main, []byte(`print(require("helper").greet(), arg[1])`), 0644))

	cfg := testConfig()
	cfg.Engine.Script = main
	cfg.Engine.ScriptArgs = []string{"x"}
	out := &syncBuffer{}
	e, err := New(cfg, WithOutput(out))
	require.NoError(t, err)
	defer e.Shutdown()

	require.NoError(t, e.RunFragment(`print("fragment")`))
	require.NoError(t, e.RunFile(main))
	assert.True(t, e.IsFileLoaded(main))
	assert.False(t, e.IsFileLoaded(filepath.Join(dir, "helper.lua")))
	assert.Equal(t, []string{"fragment", "hi\tx"}, out.Lines())

	// Scripts may wrap the entry points.
	require.NoError(t, e.RunFragment(`_PY.mainLuaFile = function(p) print("wrapped") end`))
	require.NoError(t, e.RunFile(main))
	assert.Equal(t, "wrapped", out.Lines()[2])
}

func TestRunFileMissing(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.RunFile(filepath.Join(t.TempDir(), "nope.lua"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestStorageExports(t *testing.T) {
	e, out := newTestEngine(t, WithStorage(storage.NewMemoryStorage()))
	require.NoError(t, e.RunString("store", `
		_PY.store_set("cfg.name", {name = "lamp", level = 3, tags = {"a", "b"}})
		_PY.store_set("cfg.other", true)
		local v = _PY.store_get("cfg.name")
		print(v.name, v.level, v.tags[2])
		print(_PY.store_get("missing"))
		print(table.concat(_PY.store_keys("cfg."), ","))
		_PY.store_delete("cfg.other")
		print(#_PY.store_keys(""))
	`))

	assert.Equal(t, []string{"lamp\t3\tb", "nil", "cfg.name,cfg.other", "1"}, out.Lines())
}

func TestStorageNotConfigured(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("store", `print(_PY.store_get("x"))`))
	assert.Equal(t, []string{"nil\tstorage not configured"}, out.Lines())
}

func TestJSONExports(t *testing.T) {
	e, out := newTestEngine(t)
	require.NoError(t, e.RunString("json", `
		local v, err = _PY.parse_json('{"a": [1, 2, 3], "b": {"c": "d"}}')
		print(err, v.a[3], v.b.c)
		print(_PY.parse_json("{"))
		print(_PY.to_json({x = 1}))
	`))

	lines := out.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "nil\t3\td", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "nil\t"))
	assert.JSONEq(t, `{"x": 1}`, lines[2])
}

func TestFileAndEnvExports(t *testing.T) {
	e, out := newTestEngine(t)
	dir := t.TempDir()
	e.State.SetGlobal("dir", lua.LString(dir))
	t.Setenv("EPLUA_TEST_VAR", "")

	require.NoError(t, e.RunString("files", `
		print(_PY.write_file(dir .. "/a.txt", "hello"))
		print(_PY.read_file(dir .. "/a.txt"))
		local listing = _PY.list_directory(dir)
		print(listing.count, listing.entries[1].name, listing.entries[1].size)
		print(_PY.set_env("EPLUA_TEST_VAR", "on"), _PY.get_env("EPLUA_TEST_VAR"))
		print(_PY.get_env("EPLUA_UNSET_VAR", "fallback"))
		print(_PY.math_add(2, 3))
		local r = _PY.random_number(5, 6)
		print(r >= 5 and r <= 6)
		print(_PY.gui_available(), _PY.create_window("x"))
	`))

	assert.Equal(t, []string{
		"true",
		"hello",
		"1\ta.txt\t5",
		"true\ton",
		"fallback",
		"5",
		"true",
		"false\tERROR: GUI not available",
	}, out.Lines())
}

func TestExtraExports(t *testing.T) {
	e, out := newTestEngine(t, WithExports(func(x *Exports) error {
		return x.Add("hello", func(L *lua.LState) int {
			L.Push(lua.LString("hello " + L.CheckString(1)))
			return 1
		})
	}))
	require.NoError(t, e.RunString("extra", `print(_PY.hello("there"))`))
	assert.Equal(t, []string{"hello there"}, out.Lines())
	assert.True(t, e.Exports().Has("hello"))
}

func TestDuplicateExportFailsNew(t *testing.T) {
	_, err := New(testConfig(), WithExports(func(x *Exports) error {
		return x.Add("print", func(*lua.LState) int { return 0 })
	}))
	assert.ErrorIs(t, err, ErrDuplicateExport)
}
