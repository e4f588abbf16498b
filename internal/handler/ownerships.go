package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"arbiter/internal/models"
	"arbiter/internal/ownership"
	"arbiter/internal/repository"
)

type OwnershipHandler struct {
	Resolver *ownership.Resolver
	Auth     gin.HandlerFunc
	Now      func() time.Time
}

func (h *OwnershipHandler) Register(r *gin.Engine) {
	g := r.Group("/api/v1/ownerships")
	g.GET("", h.list)
	g.GET("/:ticker", h.get)
	g.POST("/:ticker/release", guarded(h.Auth, h.release)...)
}

// @Summary List ownership rows
// @Tags ownerships
// @Produce json
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param ticker query string false "ticker"
// @Param strategy query string false "strategy name"
// @Param kind query string false "primary or shared"
// @Success 200 {array} ownershipView
// @Router /api/v1/ownerships [get]
func (h *OwnershipHandler) list(c *gin.Context) {
	if h.Resolver == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	params := repository.ListOwnershipsParams{
		Limit:        limit,
		Offset:       offset,
		StrategyName: strQueryPtr(c, "strategy"),
		Kind:         strQueryPtr(c, "kind"),
	}
	if v := strQueryPtr(c, "ticker"); v != nil {
		t := ownership.NormalizeTicker(*v)
		params.Ticker = &t
	}
	items, total, err := h.Resolver.List(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	now := h.now()
	out := make([]ownershipView, 0, len(items))
	for _, it := range items {
		out = append(out, toOwnershipView(it, now))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}

type tickerOwnershipView struct {
	Ticker  string          `json:"ticker"`
	Primary *ownershipView  `json:"primary"`
	Shared  []ownershipView `json:"shared"`
}

// @Summary Ownership of one ticker
// @Tags ownerships
// @Produce json
// @Param ticker path string true "ticker"
// @Success 200 {object} tickerOwnershipView
// @Router /api/v1/ownerships/{ticker} [get]
func (h *OwnershipHandler) get(c *gin.Context) {
	if h.Resolver == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	ticker := ownership.NormalizeTicker(c.Param("ticker"))
	if ticker == "" {
		Error(c, http.StatusBadRequest, "invalid ticker", nil)
		return
	}
	items, _, err := h.Resolver.List(c.Request.Context(), repository.ListOwnershipsParams{Ticker: &ticker, Limit: 500})
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	now := h.now()
	out := tickerOwnershipView{Ticker: ticker, Shared: []ownershipView{}}
	for _, it := range items {
		v := toOwnershipView(it, now)
		if it.Kind == models.OwnershipPrimary {
			out.Primary = &v
			continue
		}
		out.Shared = append(out.Shared, v)
	}
	Ok(c, out, nil)
}

type releaseOwnershipRequest struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
}

// @Summary Release what a strategy holds on a ticker
// @Tags ownerships
// @Accept json
// @Param ticker path string true "ticker"
// @Param body body releaseOwnershipRequest true "release"
// @Success 200 {object} map[string]int
// @Router /api/v1/ownerships/{ticker}/release [post]
func (h *OwnershipHandler) release(c *gin.Context) {
	if h.Resolver == nil {
		Error(c, http.StatusInternalServerError, "ledger unavailable", nil)
		return
	}
	var req releaseOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "released by operator"
	}
	n, err := h.Resolver.Release(c.Request.Context(), c.Param("ticker"), req.Strategy, reason)
	if err != nil {
		fail(c, err)
		return
	}
	Ok(c, map[string]int{"released": n}, nil)
}

func (h *OwnershipHandler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}
