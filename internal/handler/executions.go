package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"arbiter/internal/models"
	"arbiter/internal/orderflow"
)

type executionSink interface {
	HandleExecution(ctx context.Context, ev orderflow.ExecutionEvent) (*models.Order, error)
}

// ExecutionHandler receives broker outcomes from an external executor.
type ExecutionHandler struct {
	Machine executionSink
	Auth    gin.HandlerFunc
}

func (h *ExecutionHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/executions/events", guarded(h.Auth, h.report)...)
}

type executionEventRequest struct {
	OrderID        uint64          `json:"order_id"`
	Event          string          `json:"event"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	BrokerOrderID  string          `json:"broker_order_id"`
	Message        string          `json:"message"`
}

// @Summary Report a broker execution event
// @Tags executions
// @Accept json
// @Produce json
// @Param body body executionEventRequest true "event"
// @Success 200 {object} orderView
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/v1/executions/events [post]
func (h *ExecutionHandler) report(c *gin.Context) {
	if h.Machine == nil {
		Error(c, http.StatusInternalServerError, "order machine unavailable", nil)
		return
	}
	var req executionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.OrderID == 0 {
		Error(c, http.StatusBadRequest, "order_id is required", nil)
		return
	}
	item, err := h.Machine.HandleExecution(c.Request.Context(), orderflow.ExecutionEvent{
		OrderID:        req.OrderID,
		Event:          req.Event,
		FilledQuantity: req.FilledQuantity,
		BrokerOrderID:  req.BrokerOrderID,
		BrokerMessage:  req.Message,
	})
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toOrderView(item), nil)
}
