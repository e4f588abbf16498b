// Package guardrail evaluates proposals against fixed safety articles. Every
// article runs on every call so callers see all findings at once.
package guardrail

import (
	"github.com/shopspring/decimal"

	"arbiter/internal/config"
	"arbiter/internal/models"
)

const (
	ArticleCapitalPreservation  = "capital_preservation"
	ArticleTradeFrequency       = "trade_frequency"
	ArticleExplainability       = "explainability"
	ArticleHumanApproval        = "human_approval"
	ArticleConfidenceDisclosure = "confidence_disclosure"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityBlocking Severity = "blocking"
)

type Proposal struct {
	Ticker         string
	Action         string
	Strategy       string
	Quantity       decimal.Decimal
	ReferencePrice decimal.Decimal
	Reasoning      string
	Confidence     *float64
	PreApproved    bool
	StrategyConfig models.StrategyConfig
}

// Notional is quantity times reference price.
func (p Proposal) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.ReferencePrice)
}

// PortfolioContext is the snapshot the articles judge against.
type PortfolioContext struct {
	TotalCapital          decimal.Decimal
	DailyTradeCount       int
	WeeklyTradeCount      int
	RequiresHumanApproval bool
}

type Violation struct {
	Article     string   `json:"article"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

type Result struct {
	IsValid    bool        `json:"is_valid"`
	Violations []Violation `json:"violations"`
}

func (r Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityBlocking {
			out = append(out, v)
		}
	}
	return out
}

// OnlyApprovalBlocking reports whether the human-approval article is the
// sole blocker, which parks the order instead of rejecting it.
func (r Result) OnlyApprovalBlocking() bool {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return false
	}
	for _, v := range blocking {
		if v.Article != ArticleHumanApproval {
			return false
		}
	}
	return true
}

// Article is one rule. Check returns zero or more findings.
type Article interface {
	ID() string
	Check(p Proposal, c PortfolioContext) []Violation
}

type Validator struct {
	Articles []Article
}

// New builds a validator with the standard articles from cfg.
func New(cfg config.GuardrailConfig) *Validator {
	return &Validator{Articles: []Article{
		capitalPreservation{maxFraction: cfg.MaxPositionFraction, warnFraction: cfg.WarnPositionFraction},
		tradeFrequency{maxDaily: cfg.MaxDailyTrades, maxWeekly: cfg.MaxWeeklyTrades, warnRatio: cfg.FrequencyWarnRatio},
		explainability{minChars: cfg.MinReasoningChars},
		humanApproval{confidenceBelow: cfg.ApprovalConfidenceBelow, notionalAbove: cfg.ApprovalNotionalAbove},
		confidenceDisclosure{},
	}}
}

func (v *Validator) Validate(p Proposal, c PortfolioContext) Result {
	res := Result{IsValid: true, Violations: []Violation{}}
	if v == nil {
		return res
	}
	for _, a := range v.Articles {
		for _, found := range a.Check(p, c) {
			if found.Article == "" {
				found.Article = a.ID()
			}
			res.Violations = append(res.Violations, found)
			if found.Severity == SeverityBlocking {
				res.IsValid = false
			}
		}
	}
	return res
}

// ToModel converts findings for persistence on the order row.
func ToModel(items []Violation) []models.OrderViolation {
	out := make([]models.OrderViolation, 0, len(items))
	for _, v := range items {
		out = append(out, models.OrderViolation{Article: v.Article, Severity: string(v.Severity), Description: v.Description})
	}
	return out
}
