package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"thoth-rooms/internal/auth"
	"thoth-rooms/internal/metrics"
	wsHub "thoth-rooms/internal/websocket"
)

// ChatHandler is the gatekeeper for /ws: nothing reaches the hub without a
// verified identity.
type ChatHandler struct {
	Hub      *wsHub.Hub
	Verifier auth.Verifier

	upgrader websocket.Upgrader
	metrics  *metrics.Registry
	log      *slog.Logger
}

func NewChatHandler(hub *wsHub.Hub, verifier auth.Verifier, origins *OriginPolicy, m *metrics.Registry, log *slog.Logger) *ChatHandler {
	return &ChatHandler{
		Hub:      hub,
		Verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin:     origins.Allowed,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		metrics: m,
		log:     log.With("component", "chat"),
	}
}

// ServeWS authenticates the handshake and upgrades it. A bad credential is
// answered with 401 before the upgrade, so no connection state ever exists
// for it.
func (ch *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := ch.Verifier.Verify(auth.ExtractToken(r))
	if err != nil {
		if ch.metrics != nil {
			ch.metrics.Events.AuthFailures.Inc()
		}
		ch.log.Info("handshake rejected", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := ch.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ch.log.Error("websocket upgrade failed", "user", identity.Username, "error", err)
		return
	}

	if ch.Hub.Attach(conn, identity, r.RemoteAddr) == nil {
		ch.log.Warn("connection refused during shutdown", "user", identity.Username)
	}
}
