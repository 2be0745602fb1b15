package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/forgeq/forgeq-go/internal/logger"
)

// Handler upgrades ops-API requests to event-stream sockets.
type Handler struct {
	hub      *Hub
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to a hub.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Serve upgrades the connection and registers the client with the hub.
func (h *Handler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}
