package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/chatdesk/internal/identity"
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
	readLimit      = 64 << 10
)

// wsPeer adapts a websocket.Conn to Peer with a buffered write loop.
type wsPeer struct {
	conn      *websocket.Conn
	out       chan []byte
	closeOnce sync.Once
	logger    *slog.Logger
}

func newWSPeer(conn *websocket.Conn, logger *slog.Logger) *wsPeer {
	return &wsPeer{
		conn:   conn,
		out:    make(chan []byte, sendBufferSize),
		logger: logger,
	}
}

func (p *wsPeer) Send(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		p.Close("send buffer full")
		return false
	}
}

func (p *wsPeer) Close(reason string) {
	p.closeOnce.Do(func() {
		go func() {
			if err := p.conn.Close(websocket.StatusPolicyViolation, reason); err != nil {
				p.logger.Debug("failed to close websocket", "reason", reason, "error", err)
			}
		}()
	})
}

func (p *wsPeer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-p.out:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := p.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Debug("websocket write error", "error", err)
				}
				return
			}
		}
	}
}

// WebSocketHandler upgrades /chat-hub requests and feeds frames into the hub.
type WebSocketHandler struct {
	hub            *Hub
	allowedOrigins []string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		hub:            hub,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "chat-hub"),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		var err error
		if ident, err = identity.FromRequest(r); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "role", ident.Role, "username", ident.Username)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection closed"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr)
		}
	}()
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := newWSPeer(ws, h.logger)
	go peer.writeLoop(ctx)

	client := h.hub.Register(ident, peer)
	defer h.hub.Unregister(client)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("websocket closed", "connection", client.ID())
			} else {
				h.logger.Debug("websocket read error", "error", err, "connection", client.ID())
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.hub.HandleFrame(client, data)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}
