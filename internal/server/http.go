package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zot/eplua/internal/config"
	"github.com/zot/eplua/internal/engine"
)

// defaultExecTimeout bounds /plua/execute when the request gives no timeout.
const defaultExecTimeout = 30 * time.Second

// ExecuteRequest is the body of POST /plua/execute.
type ExecuteRequest struct {
	Code    string  `json:"code"`
	Timeout float64 `json:"timeout,omitempty"` // seconds
}

// ExecuteResponse is the reply of POST /plua/execute.
type ExecuteResponse struct {
	RequestID       string  `json:"request_id"`
	Success         bool    `json:"success"`
	Result          any     `json:"result"`
	Output          string  `json:"output"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

// HealthResponse is the reply of GET /health.
type HealthResponse struct {
	Status           string  `json:"status"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	RequestsServed   int64   `json:"requests_served"`
	Timers           int     `json:"timers"`
	Callbacks        int     `json:"callbacks"`
	WebSocketClients int     `json:"websocket_clients"`
}

// HTTPEndpoint handles HTTP requests.
type HTTPEndpoint struct {
	config     *config.Config
	host       Host
	wsEndpoint *WebSocketEndpoint
	mux        *http.ServeMux
	requests   atomic.Int64
	started    time.Time
}

// NewHTTPEndpoint creates a new HTTP endpoint.
func NewHTTPEndpoint(cfg *config.Config, host Host, wsEndpoint *WebSocketEndpoint) *HTTPEndpoint {
	h := &HTTPEndpoint{
		config:     cfg,
		host:       host,
		wsEndpoint: wsEndpoint,
		mux:        http.NewServeMux(),
		started:    time.Now(),
	}
	h.setupRoutes()
	return h
}

// setupRoutes configures HTTP routes.
func (h *HTTPEndpoint) setupRoutes() {
	h.mux.HandleFunc("GET /{$}", h.handleRoot)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /plua/execute", h.handleExecute)
	h.mux.HandleFunc("/api/", h.handleAPI)
	h.mux.HandleFunc("GET /ws", h.wsEndpoint.HandleWebSocket)
}

// ServeHTTP implements http.Handler.
func (h *HTTPEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.requests.Add(1)
	h.mux.ServeHTTP(w, r)
}

func (h *HTTPEndpoint) health(ctx context.Context) (HealthResponse, error) {
	stats, err := h.host.Status(ctx)
	if err != nil {
		return HealthResponse{}, err
	}
	return HealthResponse{
		Status:           "healthy",
		UptimeSeconds:    time.Since(h.started).Seconds(),
		RequestsServed:   h.requests.Load(),
		Timers:           stats.Timers,
		Callbacks:        stats.Callbacks,
		WebSocketClients: h.wsEndpoint.Count(),
	}, nil
}

func (h *HTTPEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health, err := h.health(ctx)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.writeJSON(w, http.StatusOK, health)
}

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>EPLua</title></head>
<body>
<h1>EPLua</h1>
<table>
<tr><td>Status</td><td>{{.Status}}</td></tr>
<tr><td>Uptime</td><td>{{printf "%.0f" .UptimeSeconds}}s</td></tr>
<tr><td>Requests served</td><td>{{.RequestsServed}}</td></tr>
<tr><td>Active timers</td><td>{{.Timers}}</td></tr>
<tr><td>Pending callbacks</td><td>{{.Callbacks}}</td></tr>
<tr><td>WebSocket clients</td><td>{{.WebSocketClients}}</td></tr>
</table>
<p>POST Lua code to <code>/plua/execute</code>; stream output from <code>/ws</code>.</p>
</body>
</html>
`))

func (h *HTTPEndpoint) handleRoot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	health, err := h.health(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, health); err != nil {
		h.config.Log(1, "Server: status page: %v", err)
	}
}

func (h *HTTPEndpoint) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		h.writeError(w, "code is required", http.StatusBadRequest)
		return
	}

	timeout := defaultExecTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	id := uuid.NewString()
	h.config.Log(2, "Server: execute %s (%d bytes)", id, len(req.Code))

	start := time.Now()
	res, err := h.host.Execute(ctx, "request-"+id, req.Code)
	resp := ExecuteResponse{
		RequestID:       id,
		Success:         err == nil,
		Result:          res.Result,
		Output:          strings.Join(res.Output, "\n"),
		ExecutionTimeMs: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		resp.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Error = fmt.Sprintf("execution timed out after %s", timeout)
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleAPI forwards /api/{path} to the script's API hook.
func (h *HTTPEndpoint) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body any
	data, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		h.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			h.writeError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultExecTimeout)
	defer cancel()

	path := strings.TrimPrefix(r.URL.Path, "/api")
	result, status, err := h.host.CallAPIHook(ctx, r.Method, path, body)
	switch {
	case errors.Is(err, engine.ErrNoAPIHook):
		h.writeError(w, err.Error(), http.StatusNotImplemented)
	case err != nil:
		h.writeError(w, err.Error(), http.StatusInternalServerError)
	default:
		h.writeJSON(w, status, result)
	}
}

func (h *HTTPEndpoint) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Log(1, "Server: write response: %v", err)
	}
}

// writeError writes an error response.
func (h *HTTPEndpoint) writeError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
