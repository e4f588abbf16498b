package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"arbiter/internal/models"
	"arbiter/internal/ownership"
	"arbiter/internal/repository"
)

// ConflictHandler exposes the conflict audit trail. It is read-only.
type ConflictHandler struct {
	Repo repository.Repository
}

func (h *ConflictHandler) Register(r *gin.Engine) {
	r.GET("/api/v1/conflicts", h.list)
}

// @Summary List conflict log entries
// @Tags conflicts
// @Produce json
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Param ticker query string false "ticker"
// @Param strategy query string false "acting strategy"
// @Param resolution query string false "allowed, blocked or priority_override"
// @Param since query string false "RFC3339 lower bound"
// @Param asc query bool false "oldest first"
// @Success 200 {array} conflictView
// @Router /api/v1/conflicts [get]
func (h *ConflictHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	params := repository.ListConflictLogsParams{
		Limit:          limit,
		Offset:         offset,
		ActingStrategy: strQueryPtr(c, "strategy"),
		Resolution:     strQueryPtr(c, "resolution"),
		Since:          timeQueryPtr(c, "since"),
		Asc:            boolQueryPtr(c, "asc"),
	}
	if v := params.Resolution; v != nil {
		switch *v {
		case models.ResolutionAllowed, models.ResolutionBlocked, models.ResolutionPriorityOverride:
		default:
			Error(c, http.StatusBadRequest, "invalid resolution", nil)
			return
		}
	}
	if v := strQueryPtr(c, "ticker"); v != nil {
		t := ownership.NormalizeTicker(*v)
		params.Ticker = &t
	}
	items, err := h.Repo.ListConflictLogs(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountConflictLogs(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	out := make([]conflictView, 0, len(items))
	for _, it := range items {
		out = append(out, toConflictView(it))
	}
	Ok(c, out, paginationMeta(limit, offset, total))
}
