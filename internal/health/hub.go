package health

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Hub fans fleet events out to connected dashboards. A subscriber that
// misses the write deadline is dropped; it can always resync from the
// retained fleet view.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Dashboards connect from anywhere on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away. Inbound frames are discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws: upgrade error", "error", err)
		return
	}
	h.add(conn)
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws: read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Info("ws: subscriber connected", "total", n)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.conns[conn]
	delete(h.conns, conn)
	n := len(h.conns)
	h.mu.Unlock()
	conn.Close()
	if ok {
		h.log.Info("ws: subscriber disconnected", "total", n)
	}
}

// Broadcast writes data to every subscriber, dropping the ones that fail.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(conn)
		}
	}
}

// Subscribers reports the number of connected dashboards.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
