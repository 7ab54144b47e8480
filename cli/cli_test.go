package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

// workdir runs the test in an empty directory so no eplua.toml is picked up.
func workdir(t *testing.T) string {
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestNoScriptPrintsHelp(t *testing.T) {
	workdir(t)
	assert.Equal(t, ExitError, Run(nil))
	assert.Equal(t, ExitError, Run([]string{"run"}))
}

func TestHelpAndVersion(t *testing.T) {
	assert.Equal(t, ExitOK, Run([]string{"help"}))
	assert.Equal(t, ExitOK, Run([]string{"--version"}))
}

func TestFragmentsRunInOrderBeforeScript(t *testing.T) {
	dir := workdir(t)
	script := filepath.Join(dir, "main.lua")
	require.NoError(t, os.WriteFile(script, []byte(`
		trace = trace .. "script:" .. arg[1]
		local f = io.open("out.txt", "w")
		f:write(trace)
		f:close()
	`), 0644))

	code := Run([]string{"-e", `trace = "a;"`, "-e", `trace = trace .. "b;"`, script, "x"})
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "a;b;script:x", readFile(t, filepath.Join(dir, "out.txt")))
}

func TestLoopRunsUntilTimersDrain(t *testing.T) {
	dir := workdir(t)
	code := Run([]string{"run", "-e", `
		local n = 0
		local id
		id = setInterval(function()
			n = n + 1
			if n == 3 then
				clearInterval(id)
				_PY.write_file("count.txt", tostring(n))
			end
		end, 5)
	`})
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "3", readFile(t, filepath.Join(dir, "count.txt")))
}

func TestScriptErrorExitsNonZero(t *testing.T) {
	workdir(t)
	assert.Equal(t, ExitError, Run([]string{"-e", `error("boom")`}))
	assert.Equal(t, ExitError, Run([]string{"missing.lua"}))
	assert.Equal(t, ExitError, Run([]string{"--bogus", "x.lua"}))
}

func TestSQLiteStorageFlag(t *testing.T) {
	dir := workdir(t)
	db := filepath.Join(dir, "kv.db")

	require.Equal(t, ExitOK, Run([]string{"--storage", "sqlite", "--storage-path", db, "-e", `_PY.store_set("k", {n = 7})`}))
	require.Equal(t, ExitOK, Run([]string{"--storage", "sqlite", "--storage-path", db, "-e",
		`_PY.write_file("n.txt", tostring(_PY.store_get("k").n))`}))
	assert.Equal(t, "7", readFile(t, filepath.Join(dir, "n.txt")))
}

func TestHooks(t *testing.T) {
	dir := workdir(t)

	var seen string
	hooks := &Hooks{
		BeforeDispatch: func(command string, args []string) (bool, int) {
			seen = command
			return command == "custom", 42
		},
		Exports: func(x *Exports) error {
			return x.Add("answer", func(L *lua.LState) int {
				L.Push(lua.LNumber(42))
				return 1
			})
		},
	}

	assert.Equal(t, 42, RunWithHooks([]string{"custom"}, hooks))

	code := RunWithHooks([]string{"-e", `_PY.write_file("answer.txt", tostring(_PY.answer()))`}, hooks)
	require.Equal(t, ExitOK, code)
	assert.Equal(t, "-e", seen)
	assert.Equal(t, fmt.Sprint(42), readFile(t, filepath.Join(dir, "answer.txt")))
}

func TestServeMCP(t *testing.T) {
	workdir(t)
	s, code := newSession([]string{"-e", "x = 1"}, nil, io.Discard)
	require.NotNil(t, s, code)
	defer s.close()
	require.NoError(t, s.load())

	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}` + "\n")
	assert.Equal(t, ExitOK, s.serveMCP(t.Context(), in, io.Discard))
}

func TestServeMCPReportsLoopFailure(t *testing.T) {
	workdir(t)
	s, code := newSession(nil, nil, io.Discard)
	require.NotNil(t, s, code)
	defer s.close()

	s.engine.Shutdown()
	assert.Equal(t, ExitError, s.serveMCP(t.Context(), strings.NewReader(""), io.Discard))
}
