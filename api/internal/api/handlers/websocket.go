package handlers

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/telemetry"
)

// ==============================================================================
// 1. WebSocket Configuration & Constants
// ==============================================================================

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// We only stream out, inbound frames are control messages.
	maxMessageSize = 512
)

// ==============================================================================
// 2. The Handler Struct (Dependency Injection)
// ==============================================================================

type WebSocketHandler struct {
	Events   *EventsHandler
	Logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler builds the upgrader. Browsers must present an Origin
// from allowedOrigins ("*" allows any); clients without an Origin header are
// not browsers and pass.
func NewWebSocketHandler(events *EventsHandler, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		Events: events,
		Logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// ==============================================================================
// 3. HTTP Methods (The Upgrader)
// ==============================================================================

// Stream handles GET /api/v1/ws
func (h *WebSocketHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ch := h.Events.Events.Subscribe(telemetry.TopicAll)
	defer h.Events.Events.Unsubscribe(telemetry.TopicAll, ch)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the client.
		h.Logger.Warn("Failed to upgrade WebSocket connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.Logger.Info("WebSocket client connected", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go h.readPump(ws, closed)
	h.writePump(ws, h.Events.snapshot(), ch, closed)
}

// ==============================================================================
// 4. The Write Pump
// ==============================================================================

func (h *WebSocketHandler) writePump(ws *websocket.Conn, first domain.Event, events <-chan domain.Event, closed <-chan struct{}) {
	defer func() {
		ws.Close()
		h.Logger.Info("WebSocket write pump closed")
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(first); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return

		case ev, ok := <-events:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"))
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				h.Logger.Warn("Failed to write JSON to WebSocket", "error", err)
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ==============================================================================
// 5. The Read Pump (Connection Keep-Alive)
// ==============================================================================

func (h *WebSocketHandler) readPump(ws *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Text frames are ignored; reading drives pong and close handling.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.Logger.Warn("WebSocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}
