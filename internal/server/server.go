// Package server exposes a running engine over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/engine"
)

// Host is the engine surface the server needs. Every method must be safe to
// call from HTTP goroutines.
type Host interface {
	Execute(ctx context.Context, name, code string) (engine.ExecResult, error)
	CallAPIHook(ctx context.Context, method, path string, body any) (any, int, error)
	Status(ctx context.Context) (engine.Stats, error)
	AddOutputListener(fn func(line string)) (remove func())
}

// Server is the REST and WebSocket front end.
type Server struct {
	config       *config.Config
	host         Host
	httpEndpoint *HTTPEndpoint
	wsEndpoint   *WebSocketEndpoint
	batcher      *OutgoingBatcher
	httpServer   *http.Server
	listener     net.Listener

	mu             sync.Mutex
	removeListener func()
	serveErr       chan error
}

// New creates a server for host. Nothing listens until Start.
func New(cfg *config.Config, host Host) *Server {
	s := &Server{
		config: cfg,
		host:   host,
	}
	s.wsEndpoint = NewWebSocketEndpoint(cfg)
	s.batcher = NewOutgoingBatcher(s.wsEndpoint)
	s.httpEndpoint = NewHTTPEndpoint(cfg, host, s.wsEndpoint)
	return s
}

// Log logs a message via the config.
func (s *Server) Log(level int, format string, args ...interface{}) {
	s.config.Log(level, format, args...)
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.httpEndpoint
}

// StreamOutput forwards script output to WebSocket clients until Shutdown.
func (s *Server) StreamOutput() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeListener != nil {
		return
	}
	s.removeListener = s.host.AddOutputListener(func(line string) {
		s.batcher.Queue(OutputFrame{Type: "output", Text: line})
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.httpEndpoint,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.StreamOutput()

	s.serveErr = make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()
	s.Log(0, "Server: REST API listening on http://%s", ln.Addr())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr()
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, closes WebSocket clients and flushes
// pending output.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.removeListener != nil {
		s.removeListener()
		s.removeListener = nil
	}
	s.mu.Unlock()

	s.batcher.FlushNow()
	s.wsEndpoint.CloseAll()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.serveErr
}
