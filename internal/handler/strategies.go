package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"arbiter/internal/models"
	"arbiter/internal/registry"
)

type StrategyHandler struct {
	Registry *registry.Registry
	Auth     gin.HandlerFunc
}

func (h *StrategyHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/strategies")
	g.GET("", h.list)
	g.GET("/:name", h.get)
	g.PUT("/:name", guarded(h.Auth, h.put)...)
	g.POST("/:name/activate", guarded(h.Auth, h.activate)...)
	g.POST("/:name/deactivate", guarded(h.Auth, h.deactivate)...)
}

// @Summary List strategies
// @Tags strategies
// @Produce json
// @Param active query bool false "only active strategies"
// @Success 200 {array} strategyView
// @Router /api/v1/strategies [get]
func (h *StrategyHandler) list(c *gin.Context) {
	if h.Registry == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	var (
		items []models.Strategy
		err   error
	)
	if active := boolQueryPtr(c, "active"); active != nil && *active {
		items, err = h.Registry.ListActive(c.Request.Context())
	} else {
		items, err = h.Registry.List(c.Request.Context())
	}
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]strategyView, 0, len(items))
	for _, it := range items {
		out = append(out, toStrategyView(it))
	}
	Ok(c, out, map[string]any{"total": len(out)})
}

// @Summary Get strategy
// @Tags strategies
// @Produce json
// @Param name path string true "strategy name"
// @Success 200 {object} strategyView
// @Failure 404 {object} map[string]any
// @Router /api/v1/strategies/{name} [get]
func (h *StrategyHandler) get(c *gin.Context) {
	if h.Registry == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	item, err := h.Registry.Get(c.Request.Context(), strings.ToLower(c.Param("name")))
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toStrategyView(*item), nil)
}

type putStrategyRequest struct {
	DisplayName string                `json:"display_name"`
	Persona     string                `json:"persona"`
	Horizon     string                `json:"horizon"`
	Active      *bool                 `json:"active"`
	Priority    int                   `json:"priority"`
	Config      models.StrategyConfig `json:"config"`
}

// @Summary Create or replace a strategy
// @Tags strategies
// @Accept json
// @Produce json
// @Param name path string true "strategy name"
// @Param body body putStrategyRequest true "strategy"
// @Success 200 {object} strategyView
// @Failure 400 {object} map[string]any
// @Router /api/v1/strategies/{name} [put]
func (h *StrategyHandler) put(c *gin.Context) {
	if h.Registry == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	var req putStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	item := &models.Strategy{
		Name:        strings.TrimSpace(c.Param("name")),
		DisplayName: req.DisplayName,
		Persona:     req.Persona,
		Horizon:     req.Horizon,
		Active:      active,
		Priority:    req.Priority,
		Config:      datatypes.NewJSONType(req.Config),
	}
	if err := h.Registry.Upsert(c.Request.Context(), item); err != nil {
		fail(c, err)
		return
	}
	next, err := h.Registry.Get(c.Request.Context(), item.Name)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toStrategyView(*next), nil)
}

// @Summary Activate a strategy
// @Tags strategies
// @Param name path string true "strategy name"
// @Success 200 {object} strategyView
// @Router /api/v1/strategies/{name}/activate [post]
func (h *StrategyHandler) activate(c *gin.Context) { h.setActive(c, true) }

// @Summary Deactivate a strategy and release its ownerships
// @Tags strategies
// @Param name path string true "strategy name"
// @Success 200 {object} strategyView
// @Router /api/v1/strategies/{name}/deactivate [post]
func (h *StrategyHandler) deactivate(c *gin.Context) { h.setActive(c, false) }

func (h *StrategyHandler) setActive(c *gin.Context, active bool) {
	if h.Registry == nil {
		Error(c, http.StatusInternalServerError, "registry unavailable", nil)
		return
	}
	name := strings.ToLower(strings.TrimSpace(c.Param("name")))
	if err := h.Registry.SetActive(c.Request.Context(), name, active); err != nil {
		fail(c, err)
		return
	}
	item, err := h.Registry.Get(c.Request.Context(), name)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, toStrategyView(*item), nil)
}
