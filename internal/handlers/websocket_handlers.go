package handlers

import (
	"context"
	"net/http"

	"securechat/internal/auth"
	"securechat/internal/registry"
	ws "securechat/internal/websocket"
	"securechat/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	reg         *registry.Registry
	dispatcher  *ws.Dispatcher
	upgrader    websocket.Upgrader
	baseCtx     context.Context
	maxFrame    int64
}

// NewWebSocketHandlers serves /ws. Connections live until baseCtx is
// cancelled or the client goes away.
func NewWebSocketHandlers(baseCtx context.Context, authService *auth.Service, reg *registry.Registry, dispatcher *ws.Dispatcher, allowedOrigin string, maxFrame int64) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		reg:         reg,
		dispatcher:  dispatcher,
		baseCtx:     baseCtx,
		maxFrame:    maxFrame,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigin),
		},
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == "" || allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Identity is verified before the upgrade so a bad token never gets a socket.
	identity, err := h.authService.IdentityFromRequest(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	conn, err := h.reg.Connect(h.baseCtx, identity)
	if err != nil {
		logger.Error("Error registering connection for %s: %v", identity, err)
		wsConn.Close()
		return
	}

	client := ws.NewClient(wsConn, conn, h.reg, h.dispatcher, h.maxFrame)
	client.Serve(h.baseCtx)
}
