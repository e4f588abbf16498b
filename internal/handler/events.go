package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// EventStreamHandler upgrades clients onto the notifier's websocket hub.
type EventStreamHandler struct {
	Hub http.Handler
}

func (h *EventStreamHandler) Register(r *gin.Engine) {
	if h.Hub == nil {
		return
	}
	r.GET("/api/v1/events/ws", gin.WrapH(h.Hub))
}
