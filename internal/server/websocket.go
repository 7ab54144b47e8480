package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/eplua/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tool; any origin may watch output
	},
}

const (
	writeWait = 5 * time.Second
	sendQueue = 64 // batches buffered per client before output is dropped
)

// OutputFrame is one line of script output sent to WebSocket clients.
type OutputFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// wsConn pairs a connection with the executor that serializes its writes.
type wsConn struct {
	conn *websocket.Conn
	svc  ChanSvc
}

// WebSocketEndpoint handles WebSocket connections.
type WebSocketEndpoint struct {
	config      *config.Config
	connections map[string]*wsConn // connectionID -> conn
	mu          sync.RWMutex
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		connections: make(map[string]*wsConn),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket handles incoming WebSocket connections.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	connectionID := uuid.NewString()
	c := &wsConn{conn: conn, svc: make(ChanSvc, sendQueue)}
	RunSvc(c.svc)

	ws.mu.Lock()
	ws.connections[connectionID] = c
	ws.mu.Unlock()

	ws.Log(1, "WebSocket connected: conn=%s", connectionID)
	go ws.readPump(connectionID, c)
}

// readPump reads until the client goes away. Clients only listen, so
// incoming messages are discarded.
func (ws *WebSocketEndpoint) readPump(connectionID string, c *wsConn) {
	defer ws.onDisconnect(connectionID)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
	}
}

// onDisconnect handles connection close.
func (ws *WebSocketEndpoint) onDisconnect(connectionID string) {
	ws.mu.Lock()
	c, ok := ws.connections[connectionID]
	delete(ws.connections, connectionID)
	ws.mu.Unlock()

	if !ok {
		return
	}
	close(c.svc)
	c.conn.Close()
	ws.Log(1, "WebSocket disconnected: conn=%s", connectionID)
}

// Broadcast queues frames for every connected client, in order. A client
// that falls too far behind misses the batch.
func (ws *WebSocketEndpoint) Broadcast(frames []OutputFrame) {
	// The read lock keeps onDisconnect from closing a svc mid-send.
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	ws.Log(3, "[OUT] %d frames to %d clients", len(frames), len(ws.connections))
	for id, c := range ws.connections {
		queued := TrySvc(c.svc, func() {
			for _, frame := range frames {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteJSON(frame); err != nil {
					ws.Log(1, "WebSocket write to %s failed: %v", id, err)
					c.conn.Close()
					return
				}
			}
		})
		if !queued {
			ws.Log(1, "WebSocket %s is behind, dropping %d frames", id, len(frames))
		}
	}
}

// Count returns the number of connected clients.
func (ws *WebSocketEndpoint) Count() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// CloseAll disconnects every client.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(ws.connections))
	for _, c := range ws.connections {
		conns = append(conns, c.conn)
	}
	ws.mu.RUnlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(writeWait))
		conn.Close()
	}
}
