package ipc

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The tap only exists on debug builds bound to loopback.
		return true
	},
}

// TapEvent is one mirrored push event.
type TapEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// DebugTap is a plain read-only WebSocket endpoint that mirrors every event
// pushed to the UI. It exists for poking at the event stream with generic
// tooling (curl/websocat) while developing; it is only mounted when the
// backend runs in debug mode.
type DebugTap struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewDebugTap creates an empty tap.
func NewDebugTap() *DebugTap {
	return &DebugTap{clients: make(map[*websocket.Conn]struct{})}
}

// HandleWebSocket upgrades and registers one tap client. Inbound messages
// are drained and ignored.
func (t *DebugTap) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("debug tap upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	t.mu.Lock()
	t.clients[conn] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.clients, conn)
		t.mu.Unlock()
	}()
	logger.Infof("debug tap client connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warnf("debug tap read: %v", err)
			}
			break
		}
	}
	logger.Infof("debug tap client disconnected")
}

// Mirror fans one pushed event out to every tap client.
func (t *DebugTap) Mirror(event string, payload any) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.clients) == 0 {
		return
	}

	data, err := json.Marshal(TapEvent{Event: event, Payload: payload})
	if err != nil {
		logger.Warnf("debug tap marshal: %v", err)
		return
	}
	for conn := range t.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Warnf("debug tap write: %v", err)
		}
	}
}
