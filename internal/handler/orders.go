package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"arbiter/internal/auth"
	"arbiter/internal/models"
	"arbiter/internal/orderflow"
	"arbiter/internal/repository"
)

type OrderHandler struct {
	Repo    repository.Repository
	Machine *orderflow.Machine
	// Auth guards the operator actions. Reads stay open.
	Auth gin.HandlerFunc
}

func (h *OrderHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/orders")
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/transitions", h.transitions)
	g.POST("/:id/approve", guarded(h.Auth, h.approve)...)
	g.POST("/:id/reject", guarded(h.Auth, h.reject)...)
	g.POST("/:id/cancel", guarded(h.Auth, h.cancel)...)
	g.POST("/:id/close-review", guarded(h.Auth, h.closeReview)...)
}

// @Summary List orders
// @Tags orders
// @Produce json
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param ticker query string false "ticker"
// @Param strategy query string false "strategy name"
// @Param state query string false "comma separated states"
// @Param manual_review query bool false "needs manual review"
// @Success 200 {array} orderView
// @Router /api/v1/orders [get]
func (h *OrderHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	states := csvQuery(c, "state")
	for _, s := range states {
		if _, ok := orderflow.ParseState(s); !ok {
			Error(c, http.StatusBadRequest, "invalid state "+s, nil)
			return
		}
	}
	var ticker *string
	if v := strQueryPtr(c, "ticker"); v != nil {
		t := strings.ToUpper(*v)
		ticker = &t
	}
	params := repository.ListOrdersParams{
		Limit:        limit,
		Offset:       offset,
		Ticker:       ticker,
		StrategyName: strQueryPtr(c, "strategy"),
		States:       states,
		ManualReview: boolQueryPtr(c, "manual_review"),
		OrderBy:      "created_at",
		Asc:          boolPtr(false),
	}
	items, err := h.Repo.ListOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]*orderView, 0, len(items))
	for i := range items {
		out = append(out, toOrderView(&items[i]))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}

// @Summary Get order
// @Tags orders
// @Produce json
// @Param id path int true "order id"
// @Success 200 {object} orderView
// @Failure 404 {object} map[string]any
// @Router /api/v1/orders/{id} [get]
func (h *OrderHandler) get(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	item, err := h.Machine.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toOrderView(item), nil)
}

// @Summary Order transition history
// @Tags orders
// @Produce json
// @Param id path int true "order id"
// @Success 200 {array} transitionView
// @Router /api/v1/orders/{id}/transitions [get]
func (h *OrderHandler) transitions(c *gin.Context) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	items, err := h.Machine.Transitions(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]transitionView, 0, len(items))
	for _, it := range items {
		out = append(out, transitionView{From: it.FromState, To: it.ToState, Reason: it.Reason, Actor: it.Actor, At: it.CreatedAt})
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

type orderActionRequest struct {
	Reason string `json:"reason"`
}

// @Summary Approve an order awaiting human approval
// @Tags orders
// @Param id path int true "order id"
// @Success 200 {object} orderView
// @Failure 409 {object} map[string]any
// @Router /api/v1/orders/{id}/approve [post]
func (h *OrderHandler) approve(c *gin.Context) {
	h.act(c, func(id uint64, operator, _ string) (*models.Order, error) {
		return h.Machine.Approve(c.Request.Context(), id, operator)
	})
}

// @Summary Reject an order awaiting human approval
// @Tags orders
// @Param id path int true "order id"
// @Param body body orderActionRequest false "reason"
// @Success 200 {object} orderView
// @Failure 409 {object} map[string]any
// @Router /api/v1/orders/{id}/reject [post]
func (h *OrderHandler) reject(c *gin.Context) {
	h.act(c, func(id uint64, operator, reason string) (*models.Order, error) {
		return h.Machine.Reject(c.Request.Context(), id, operator, reason)
	})
}

// @Summary Cancel an open order
// @Tags orders
// @Param id path int true "order id"
// @Param body body orderActionRequest false "reason"
// @Success 200 {object} orderView
// @Failure 409 {object} map[string]any
// @Router /api/v1/orders/{id}/cancel [post]
func (h *OrderHandler) cancel(c *gin.Context) {
	h.act(c, func(id uint64, operator, reason string) (*models.Order, error) {
		return h.Machine.Cancel(c.Request.Context(), id, operator, reason)
	})
}

// @Summary Close an order that needs manual review
// @Tags orders
// @Param id path int true "order id"
// @Param body body orderActionRequest false "note"
// @Success 200 {object} orderView
// @Failure 409 {object} map[string]any
// @Router /api/v1/orders/{id}/close-review [post]
func (h *OrderHandler) closeReview(c *gin.Context) {
	h.act(c, func(id uint64, operator, note string) (*models.Order, error) {
		return h.Machine.CloseManualReview(c.Request.Context(), id, operator, note)
	})
}

func (h *OrderHandler) act(c *gin.Context, fn func(id uint64, operator, reason string) (*models.Order, error)) {
	id, ok := h.orderID(c)
	if !ok {
		return
	}
	var req orderActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			Error(c, http.StatusBadRequest, "invalid body", nil)
			return
		}
	}
	item, err := fn(id, auth.Operator(c, "operator"), strings.TrimSpace(req.Reason))
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toOrderView(item), nil)
}

func (h *OrderHandler) orderID(c *gin.Context) (uint64, bool) {
	if h.Machine == nil {
		Error(c, http.StatusInternalServerError, "order machine unavailable", nil)
		return 0, false
	}
	id := uint64Param(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return 0, false
	}
	return id, true
}
