package guardrail

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

type capitalPreservation struct {
	maxFraction  float64
	warnFraction float64
}

func (capitalPreservation) ID() string { return ArticleCapitalPreservation }

func (a capitalPreservation) Check(p Proposal, c PortfolioContext) []Violation {
	if !p.Quantity.IsPositive() {
		return []Violation{{Severity: SeverityBlocking, Description: "requested quantity must be positive"}}
	}
	if !p.ReferencePrice.IsPositive() {
		return []Violation{{Severity: SeverityBlocking, Description: "reference price missing; position size cannot be verified"}}
	}
	if !c.TotalCapital.IsPositive() {
		return []Violation{{Severity: SeverityBlocking, Description: "total capital unknown; position size cannot be verified"}}
	}
	fraction := a.maxFraction
	if p.StrategyConfig.MaxPositionFraction > 0 {
		fraction = p.StrategyConfig.MaxPositionFraction
	}
	if fraction <= 0 {
		return nil
	}
	notional := p.Notional()
	limit := c.TotalCapital.Mul(decimal.NewFromFloat(fraction))
	if notional.GreaterThan(limit) {
		return []Violation{{
			Severity: SeverityBlocking,
			Description: fmt.Sprintf("notional %s exceeds %.2f%% of capital (%s)",
				notional.StringFixed(2), fraction*100, limit.StringFixed(2)),
		}}
	}
	if a.warnFraction > 0 && a.warnFraction < fraction {
		warn := c.TotalCapital.Mul(decimal.NewFromFloat(a.warnFraction))
		if notional.GreaterThan(warn) {
			return []Violation{{
				Severity: SeverityWarning,
				Description: fmt.Sprintf("notional %s is above the %.2f%% warning level (%s)",
					notional.StringFixed(2), a.warnFraction*100, warn.StringFixed(2)),
			}}
		}
	}
	return nil
}

type tradeFrequency struct {
	maxDaily  int
	maxWeekly int
	warnRatio float64
}

func (tradeFrequency) ID() string { return ArticleTradeFrequency }

func (a tradeFrequency) Check(_ Proposal, c PortfolioContext) []Violation {
	var out []Violation
	out = append(out, a.window("daily", c.DailyTradeCount, a.maxDaily)...)
	out = append(out, a.window("weekly", c.WeeklyTradeCount, a.maxWeekly)...)
	return out
}

func (a tradeFrequency) window(label string, count, ceiling int) []Violation {
	if ceiling <= 0 {
		return nil
	}
	if count >= ceiling {
		return []Violation{{
			Severity:    SeverityBlocking,
			Description: fmt.Sprintf("%s trade count %d reached the ceiling of %d", label, count, ceiling),
		}}
	}
	if a.warnRatio > 0 && a.warnRatio < 1 {
		threshold := int(math.Ceil(float64(ceiling) * a.warnRatio))
		if count >= threshold {
			return []Violation{{
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("%s trade count %d is approaching the ceiling of %d", label, count, ceiling),
			}}
		}
	}
	return nil
}

type explainability struct {
	minChars int
}

func (explainability) ID() string { return ArticleExplainability }

func (a explainability) Check(p Proposal, _ PortfolioContext) []Violation {
	n := utf8.RuneCountInString(p.Reasoning)
	if n == 0 {
		return []Violation{{Severity: SeverityBlocking, Description: "proposal carries no reasoning"}}
	}
	if a.minChars > 0 && n < a.minChars {
		return []Violation{{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("reasoning is %d characters, below the recommended %d", n, a.minChars),
		}}
	}
	return nil
}

type humanApproval struct {
	confidenceBelow float64
	notionalAbove   float64
}

func (humanApproval) ID() string { return ArticleHumanApproval }

func (a humanApproval) Check(p Proposal, c PortfolioContext) []Violation {
	reason := a.requiredBecause(p, c)
	if reason == "" {
		return nil
	}
	if p.PreApproved {
		return []Violation{{Severity: SeverityInfo, Description: "human approval required (" + reason + "); proposal is pre-approved"}}
	}
	return []Violation{{Severity: SeverityBlocking, Description: "human approval required: " + reason}}
}

func (a humanApproval) requiredBecause(p Proposal, c PortfolioContext) string {
	switch {
	case c.RequiresHumanApproval:
		return "portfolio policy"
	case p.StrategyConfig.RequireApproval:
		return "strategy " + p.Strategy + " requires approval"
	}
	if a.confidenceBelow > 0 {
		if p.Confidence == nil {
			return "confidence not supplied"
		}
		if *p.Confidence < a.confidenceBelow {
			return fmt.Sprintf("confidence %.2f below %.2f", *p.Confidence, a.confidenceBelow)
		}
	}
	if a.notionalAbove > 0 && p.Notional().GreaterThan(decimal.NewFromFloat(a.notionalAbove)) {
		return fmt.Sprintf("notional %s above %.2f", p.Notional().StringFixed(2), a.notionalAbove)
	}
	return ""
}

type confidenceDisclosure struct{}

func (confidenceDisclosure) ID() string { return ArticleConfidenceDisclosure }

func (confidenceDisclosure) Check(p Proposal, _ PortfolioContext) []Violation {
	if p.Confidence == nil {
		return []Violation{{Severity: SeverityInfo, Description: "no confidence supplied"}}
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return []Violation{{Severity: SeverityInfo, Description: fmt.Sprintf("confidence %.4f outside [0,1]", *p.Confidence)}}
	}
	return nil
}
