package cli

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/engine"
	"github.com/zot/eplua/internal/mcp"
	"github.com/zot/eplua/internal/server"
	"github.com/zot/eplua/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// session is an engine with its storage, built from command-line arguments.
type session struct {
	config *config.Config
	store  storage.Backend
	engine *engine.Engine
}

func newSession(args []string, hooks *Hooks, out io.Writer) (*session, int) {
	cfg, err := config.Load(args)
	if errors.Is(err, flag.ErrHelp) {
		return nil, ExitOK
	}
	if err != nil {
		return nil, fail("%v", err)
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fail("storage: %v", err)
	}

	opts := []engine.Option{engine.WithStorage(store), engine.WithOutput(out)}
	if hooks != nil && hooks.Exports != nil {
		opts = append(opts, engine.WithExports(hooks.Exports))
	}
	e, err := engine.New(cfg, opts...)
	if err != nil {
		store.Close()
		return nil, fail("%v", err)
	}
	return &session{config: cfg, store: store, engine: e}, ExitOK
}

func (s *session) close() {
	s.engine.Shutdown()
	if err := s.store.Close(); err != nil {
		s.config.Log(0, "CLI: closing storage: %v", err)
	}
}

// load runs the -e fragments in order, then the script.
func (s *session) load() error {
	for _, fragment := range s.config.Engine.Fragments {
		if err := s.engine.RunFragment(fragment); err != nil {
			return err
		}
	}
	if s.config.Engine.Script != "" {
		return s.engine.RunFile(s.config.Engine.Script)
	}
	return nil
}

// watch starts a hot loader on the script when --watch is set.
func (s *session) watch() (stop func(), err error) {
	stop = func() {}
	if !s.config.Engine.Watch || s.config.Engine.Script == "" {
		return stop, nil
	}
	hl, err := engine.NewHotLoader(s.engine)
	if err != nil {
		return stop, err
	}
	if err := hl.Watch(s.config.Engine.Script); err != nil {
		hl.Stop()
		return stop, err
	}
	hl.Start()
	return func() { hl.Stop() }, nil
}

func runScript(args []string, hooks *Hooks, serve bool) int {
	s, code := newSession(args, hooks, os.Stdout)
	if s == nil {
		return code
	}
	defer s.close()

	cfg := s.config
	if !serve && cfg.Engine.Script == "" && len(cfg.Engine.Fragments) == 0 {
		printHelp(hooks)
		return ExitError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	keepAlive := serve || cfg.Server.Enabled || cfg.Engine.Watch
	if serve || cfg.Server.Enabled {
		srv := server.New(cfg, s.engine)
		if err := srv.Start(); err != nil {
			return fail("server: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				cfg.Log(0, "CLI: server shutdown: %v", err)
			}
		}()
	}

	if err := s.load(); err != nil {
		return fail("%v", err)
	}

	stopWatch, err := s.watch()
	if err != nil {
		return fail("watch: %v", err)
	}
	defer stopWatch()

	err = s.engine.Run(ctx, keepAlive)
	if ctx.Err() != nil {
		cfg.Log(1, "CLI: interrupted")
		return ExitInterrupt
	}
	if err != nil {
		return fail("%v", err)
	}
	return ExitOK
}

// runMCP serves MCP on stdio while the engine loop runs. Script output goes
// to stderr so it cannot corrupt the protocol stream.
func runMCP(args []string, hooks *Hooks) int {
	s, code := newSession(args, hooks, os.Stderr)
	if s == nil {
		return code
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.load(); err != nil {
		return fail("%v", err)
	}

	code = s.serveMCP(ctx, os.Stdin, os.Stdout)
	if ctx.Err() != nil {
		return ExitInterrupt
	}
	return code
}

// serveMCP runs the loop until the MCP stream ends or ctx is done.
func (s *session) serveMCP(ctx context.Context, in io.Reader, out io.Writer) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := mcp.NewServer(s.config, s.engine, Version)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx, in, out)
		cancel()
	}()

	runErr := s.engine.Run(ctx, true)
	cancel()
	err := <-serveErr

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		s.config.Log(0, "CLI: engine loop stopped: %v", runErr)
		return fail("%v", runErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fail("mcp: %v", err)
	}
	return ExitOK
}
