package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/marko911/counter-pulse/internal/session"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait / 2
	wsSendBuffer   = 64
	wsMaxFrameSize = 4 * 1024
)

// WebSocketHandler pushes every session snapshot to connected clients.
type WebSocketHandler struct {
	source         Session
	logger         *slog.Logger
	allowedOrigins []string // nil means allow all origins
	upgrader       websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*wsConnection
}

type wsConnection struct {
	clientID string
	conn     *websocket.Conn
	send     chan []byte
	sub      event.Subscription
	closed   bool
	mu       sync.Mutex
}

func NewWebSocketHandler(source Session, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	h := &WebSocketHandler{
		source:         source,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "websocket"),
		connections:    make(map[string]*wsConnection),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
		// "*.example.com"
		if strings.HasPrefix(allowed, "*.") {
			if strings.HasSuffix(strings.ToLower(origin), strings.ToLower(allowed[1:])) {
				return true
			}
		}
	}

	h.logger.Warn("rejected websocket origin", "origin", origin)
	return false
}

// HandleConnect upgrades the request and streams snapshots until the client
// goes away. The current snapshot is sent first.
func (h *WebSocketHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	wsc := &wsConnection{
		clientID: uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, wsSendBuffer),
	}

	snaps := make(chan session.Snapshot, wsSendBuffer)
	wsc.sub = h.source.SubscribeState(snaps)

	h.mu.Lock()
	h.connections[wsc.clientID] = wsc
	h.mu.Unlock()

	h.logger.Info("client subscribed", "client_id", wsc.clientID, "clients", h.ConnectionCount())

	h.sendSnapshot(wsc, h.source.Snapshot())

	go h.forward(wsc, snaps)
	go h.readPump(wsc)
	go h.writePump(wsc)
}

// forward drains the subscription promptly so a slow client never blocks
// the session; snapshots that do not fit the send buffer are dropped, and
// the next one supersedes them.
func (h *WebSocketHandler) forward(wsc *wsConnection, snaps <-chan session.Snapshot) {
	for {
		select {
		case snap := <-snaps:
			h.sendSnapshot(wsc, snap)
		case <-wsc.sub.Err():
			return
		}
	}
}

func (h *WebSocketHandler) sendSnapshot(wsc *wsConnection, snap session.Snapshot) {
	data, err := json.Marshal(map[string]interface{}{
		"type": "snapshot",
		"data": newSessionView(snap),
	})
	if err != nil {
		h.logger.Error("snapshot marshal failed", "error", err)
		return
	}

	wsc.mu.Lock()
	defer wsc.mu.Unlock()
	if wsc.closed {
		return
	}

	select {
	case wsc.send <- data:
	default:
		h.logger.Warn("send channel full", "client_id", wsc.clientID, "seq", snap.Seq)
	}
}

// readPump only handles control frames; clients act through the HTTP API.
func (h *WebSocketHandler) readPump(wsc *wsConnection) {
	defer h.closeConnection(wsc)

	wsc.conn.SetReadLimit(wsMaxFrameSize)
	wsc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	wsc.conn.SetPongHandler(func(string) error {
		return wsc.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := wsc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Warn("client went away", "client_id", wsc.clientID, "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) writePump(wsc *wsConnection) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	defer wsc.conn.Close()

	write := func(kind int, payload []byte) error {
		wsc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return wsc.conn.WriteMessage(kind, payload)
	}

	for {
		select {
		case frame, ok := <-wsc.send:
			if !ok {
				_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) closeConnection(wsc *wsConnection) {
	wsc.mu.Lock()
	if wsc.closed {
		wsc.mu.Unlock()
		return
	}
	wsc.closed = true
	close(wsc.send)
	wsc.mu.Unlock()

	wsc.sub.Unsubscribe()

	h.mu.Lock()
	delete(h.connections, wsc.clientID)
	h.mu.Unlock()

	wsc.conn.Close()
	h.logger.Info("client unsubscribed", "client_id", wsc.clientID)
}

// ConnectionCount returns the number of active connections.
func (h *WebSocketHandler) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}
