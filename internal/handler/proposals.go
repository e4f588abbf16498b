package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"arbiter/internal/orderflow"
	"arbiter/internal/service"
)

type proposalSubmitter interface {
	Submit(ctx context.Context, p orderflow.Proposal) (*orderflow.SubmitResult, error)
}

type featureFlags interface {
	IsEnabled(ctx context.Context, key string, fallback bool) bool
}

type ProposalHandler struct {
	Machine proposalSubmitter
	Flags   featureFlags
}

func (h *ProposalHandler) Register(r *gin.Engine) {
	r.POST("/api/v1/proposals", h.submit)
}

type submitProposalRequest struct {
	Ticker         string          `json:"ticker"`
	Action         string          `json:"action"`
	StrategyID     string          `json:"strategy_id"`
	Quantity       decimal.Decimal `json:"requested_quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Reasoning      string          `json:"reasoning"`
	Confidence     *float64        `json:"confidence"`
	OwnershipKind  string          `json:"ownership_kind"`
	LockSeconds    int64           `json:"lock_seconds"`
	PreApproved    bool            `json:"pre_approved"`

	RequiresHumanApproval bool             `json:"requires_human_approval"`
	TotalCapital          *decimal.Decimal `json:"total_capital"`
	Metadata              map[string]any   `json:"metadata"`
}

type submitProposalResponse struct {
	Order      *orderView `json:"order"`
	Accepted   bool       `json:"accepted"`
	Denial     string     `json:"denial,omitempty"`
	Validation any        `json:"validation"`
	Resolution string     `json:"resolution,omitempty"`
}

// @Summary Submit a trade proposal
// @Tags proposals
// @Accept json
// @Produce json
// @Param body body submitProposalRequest true "proposal"
// @Success 200 {object} submitProposalResponse
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /api/v1/proposals [post]
func (h *ProposalHandler) submit(c *gin.Context) {
	if h.Machine == nil {
		Error(c, http.StatusInternalServerError, "order machine unavailable", nil)
		return
	}
	ctx := c.Request.Context()
	if h.Flags != nil && !h.Flags.IsEnabled(ctx, service.FeatureProposalIntake, true) {
		Error(c, http.StatusServiceUnavailable, "proposal intake disabled", nil)
		return
	}
	var req submitProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.LockSeconds < 0 {
		Error(c, http.StatusBadRequest, "lock_seconds must be >= 0", nil)
		return
	}
	res, err := h.Machine.Submit(ctx, orderflow.Proposal{
		Ticker:                req.Ticker,
		Action:                req.Action,
		Strategy:              req.StrategyID,
		Quantity:              req.Quantity,
		ReferencePrice:        req.ReferencePrice,
		Reasoning:             req.Reasoning,
		Confidence:            req.Confidence,
		OwnershipKind:         strings.TrimSpace(req.OwnershipKind),
		LockFor:               secondsDuration(req.LockSeconds),
		PreApproved:           req.PreApproved,
		RequiresHumanApproval: req.RequiresHumanApproval,
		TotalCapital:          req.TotalCapital,
		Metadata:              req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	out := submitProposalResponse{
		Order:      toOrderView(res.Order),
		Accepted:   res.Denial == nil,
		Validation: res.Validation,
	}
	if res.Denial != nil {
		out.Denial = res.Denial.Error()
	}
	if res.Verdict != nil {
		out.Resolution = res.Verdict.Resolution
	}
	Ok(c, out, nil)
}
