package ws

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Handler upgrades requests to websocket clients attached to hub.
type Handler struct {
	hub        *Hub
	upgrader   websocket.Upgrader
	bufferSize int
	logger     *slog.Logger
}

// NewHandler returns the gateway endpoint. allowedOrigins of "*" or empty
// accepts every origin.
func NewHandler(hub *Hub, allowedOrigins []string, bufferSize int, logger *slog.Logger) *Handler {
	h := &Handler{hub: hub, bufferSize: bufferSize, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, h.hub, h.bufferSize, h.logger)
	go client.Serve()
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
