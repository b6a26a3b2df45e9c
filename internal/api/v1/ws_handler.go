package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"meridian-panel/internal/api/middleware"
	"meridian-panel/internal/api/response"
	"meridian-panel/internal/stream"
)

type WSHandler struct {
	hub *stream.Hub

	upgrader websocket.Upgrader
}

func NewWSHandler(hub *stream.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
	}
}

func RegisterWSRoutes(group *gin.RouterGroup, hub *stream.Hub) {
	handler := NewWSHandler(hub)
	group.GET("/system/events", middleware.RequireSudo(), handler.Events)
}

// Events upgrades a sudo session to the live feed of bus events and
// system log lines.
func (h *WSHandler) Events(c *gin.Context) {
	if h.hub == nil {
		response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal, "event stream unavailable")
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	h.hub.Serve(conn)
}
