package http

import (
	"log/slog"
	"net/http"
	"strings"

	gorilla "github.com/gorilla/websocket"

	"pickspulse/internal/websocket"
)

// WSHandler upgrades dashboard connections and hands them to the hub.
type WSHandler struct {
	hub      *websocket.Hub
	logger   *slog.Logger
	upgrader gorilla.Upgrader
}

// NewWSHandler creates the handler. allowedOrigins gates the upgrade;
// an entry of "*" allows any origin.
func NewWSHandler(hub *websocket.Hub, logger *slog.Logger, allowedOrigins []string, readBuf, writeBuf int) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.With(slog.String("component", "transport.ws")),
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range allowedOrigins {
					if allowed == "*" || strings.EqualFold(allowed, origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

// Serve handles GET /ws.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "WebSocket upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	websocket.ServeWS(h.hub, conn)
}
