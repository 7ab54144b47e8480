// Package cli provides the command-line interface for eplua.
// It exports Run() and RunWithHooks() to allow extension by wrapper projects.
package cli

import (
	"fmt"
	"os"
)

// Version is reported by the version command and the MCP handshake.
const Version = "0.1.0"

// Exit codes.
const (
	ExitOK        = 0
	ExitError     = 1
	ExitInterrupt = 130
)

// Hooks allows extending the CLI with additional commands.
type Hooks struct {
	// BeforeDispatch is called before command dispatch.
	// Return (handled=true, exitCode) to skip normal dispatch.
	BeforeDispatch func(command string, args []string) (handled bool, exitCode int)

	// Exports adds functions to the _PY table of every engine the CLI creates.
	Exports func(x *Exports) error

	// CustomHelp returns additional help text to append.
	CustomHelp func() string

	// CustomVersion returns version info to append (optional).
	CustomVersion func() string
}

// Run executes the CLI with the given arguments.
// Returns exit code (0 = success, non-zero = error).
func Run(args []string) int {
	return RunWithHooks(args, nil)
}

// RunWithHooks executes CLI with extension hooks.
func RunWithHooks(args []string, hooks *Hooks) int {
	if len(args) < 1 {
		printHelp(hooks)
		return ExitError
	}

	command := args[0]
	cmdArgs := args[1:]

	// Let hooks intercept first
	if hooks != nil && hooks.BeforeDispatch != nil {
		if handled, code := hooks.BeforeDispatch(command, cmdArgs); handled {
			return code
		}
	}

	switch command {
	case "run":
		return runScript(cmdArgs, hooks, false)
	case "serve":
		return runScript(cmdArgs, hooks, true)
	case "mcp":
		return runMCP(cmdArgs, hooks)
	case "help", "-h", "--help":
		printHelp(hooks)
		return ExitOK
	case "version", "--version":
		printVersion(hooks)
		return ExitOK
	default:
		// A script path or a flag: behave like the lua interpreter
		return runScript(args, hooks, false)
	}
}

func printHelp(hooks *Hooks) {
	fmt.Println(`eplua - Lua with timers and background callbacks

Usage: eplua [command] [options] [script [args...]]

Commands:
  run             Run fragments and a script until no timers or callbacks remain (default)
  serve           Like run, but start the REST API and keep running until interrupted
  mcp             Serve MCP tools on stdin/stdout
  help            Show this help
  version         Show version

Options (must come before the script):
  -e code         Execute Lua fragment before the script (repeatable)
  -l lib          Ignored (compatibility with standard lua)
  -v              Verbosity level (use -v, -vv, or -vvv)
  --no-gui        Force disable GUI mode
  --watch         Re-run script files when they change
  --lua-path      Extra package.path entries
  --poll-interval Maximum loop wait (default: 100ms)
  --api           Start the REST API
  --host          REST API listen address (default: 127.0.0.1)
  --port          REST API listen port (default: 8000)
  --storage       Storage type: memory, sqlite, postgresql
  --storage-path  SQLite database path
  --storage-url   PostgreSQL connection URL
  --log-level     Log level: debug, info, warn, error
  --config        TOML configuration file (default: ./eplua.toml)

Examples:
  eplua main.lua
  eplua -e 'setTimeout(function() print("hi") end, 100)'
  eplua serve --port 8000 main.lua
  eplua mcp --storage sqlite`)

	if hooks != nil && hooks.CustomHelp != nil {
		fmt.Println(hooks.CustomHelp())
	}
}

func printVersion(hooks *Hooks) {
	fmt.Printf("eplua v%s\n", Version)
	if hooks != nil && hooks.CustomVersion != nil {
		fmt.Println(hooks.CustomVersion())
	}
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return ExitError
}
