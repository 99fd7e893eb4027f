package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla websocket connection to Transport.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) Send(payload []byte) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}

// HandlerConfig configures the websocket endpoint.
type HandlerConfig struct {
	WriteTimeout time.Duration
	ReadLimit    int64

	// CheckOrigin overrides the upgrader's same-origin check when set.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests and attaches the connection to a Manager.
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	cfg      HandlerConfig
	logger   *slog.Logger
}

// NewHandler creates a websocket Handler for manager.
func NewHandler(manager *Manager, cfg HandlerConfig, logger *slog.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 4096
	}
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg:    cfg,
		logger: logger.With("component", "websocket_handler"),
	}
}

// Serve upgrades the request and keeps the session on channel until the
// client goes away or the manager evicts it.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", "channel", channel, "error", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	session := NewSession(channel, &wsTransport{conn: conn, writeTimeout: h.cfg.WriteTimeout}, h.manager.cfg.Now())

	joinCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = h.manager.Join(joinCtx, channel, session)
	cancel()
	if err != nil {
		h.logger.Warn("failed to join channel", "channel", channel, "error", err)
		session.Close()
		return
	}

	h.readLoop(session, conn)

	if h.manager.Leave(channel, session) {
		h.logger.Debug("session left", "channel", channel, "session_id", session.ID())
	}
	session.Close()
}

// readLoop handles inbound client messages until a read error or a close
// frame.
func (h *Handler) readLoop(session *Session, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "session_id", session.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		switch inboundType(data) {
		case TypePong:
			h.manager.Pong(session)
		case TypePing:
			if err := h.manager.Ping(session); err != nil {
				return
			}
		}
	}
}
