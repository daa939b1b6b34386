// Package rules holds the built-in risk evaluators used when no external
// rule engine is wired in. Each one looks at a single aspect of a claim and
// reports a 0-100 score with the findings behind it.
package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/domain/risk"
)

// DenialRates reports a payer's share of denied episodes and the sample it
// was computed from. episode.Repository satisfies it.
type DenialRates interface {
	DenialRate(ctx context.Context, payerID uuid.UUID) (float64, int, error)
}

const (
	// MinSample is the number of completed episodes a payer needs before its
	// denial rate is trusted.
	MinSample = 10

	highDenialRate     = 0.25
	criticalDenialRate = 0.5
)

func cap100(v float64) float64 { return math.Min(v, 100) }

// Payer scores the claim by its payer's historical denial rate.
type Payer struct {
	Rates DenialRates
}

func (p Payer) Evaluate(ctx context.Context, c *claims.Claim) (float64, []risk.Factor, error) {
	if c.PayerID == nil {
		return 100, []risk.Factor{{
			Type:     "missing_payer",
			Severity: risk.SeverityCritical,
			Message:  "Claim has no payer and cannot be adjudicated",
		}}, nil
	}
	rate, sample, err := p.Rates.DenialRate(ctx, *c.PayerID)
	if err != nil {
		return 0, nil, fmt.Errorf("payer denial rate: %w", err)
	}
	if sample < MinSample {
		return 0, nil, nil
	}

	var factors []risk.Factor
	switch {
	case rate >= criticalDenialRate:
		factors = append(factors, risk.Factor{
			Type:     "payer_denial_rate",
			Severity: risk.SeverityCritical,
			Message:  fmt.Sprintf("Payer denied %.0f%% of %d completed claims", rate*100, sample),
		})
	case rate >= highDenialRate:
		factors = append(factors, risk.Factor{
			Type:     "payer_denial_rate",
			Severity: risk.SeverityHigh,
			Message:  fmt.Sprintf("Payer denied %.0f%% of %d completed claims", rate*100, sample),
		})
	}
	return cap100(rate * 100), factors, nil
}

// Coding checks that the claim carries codes and that its lines agree with
// its total.
type Coding struct{}

func (Coding) Evaluate(_ context.Context, c *claims.Claim) (float64, []risk.Factor, error) {
	var score float64
	var factors []risk.Factor

	if len(c.DiagnosisCodes) == 0 && c.PrincipalDiagnosis == nil {
		score += 40
		factors = append(factors, risk.Factor{Type: "missing_diagnosis", Severity: risk.SeverityHigh,
			Message: "Claim has no diagnosis codes"})
	}
	if len(c.ProcedureCodes()) == 0 {
		score += 30
		factors = append(factors, risk.Factor{Type: "missing_procedure", Severity: risk.SeverityHigh,
			Message: "Claim has no procedure codes"})
	}
	if dup := duplicateLine(c.Lines); dup != "" {
		score += 15
		factors = append(factors, risk.Factor{Type: "duplicate_line", Severity: risk.SeverityMedium,
			Message: fmt.Sprintf("Procedure %s is billed more than once for the same date", dup)})
	}
	if c.TotalChargeAmount != nil && len(c.Lines) > 0 {
		var sum float64
		for _, l := range c.Lines {
			if l.ChargeAmount != nil {
				sum += *l.ChargeAmount
			}
		}
		if math.Abs(sum-*c.TotalChargeAmount) > 0.01 {
			score += 15
			factors = append(factors, risk.Factor{Type: "charge_mismatch", Severity: risk.SeverityMedium,
				Message: fmt.Sprintf("Line charges total %.2f but the claim total is %.2f", sum, *c.TotalChargeAmount)})
		}
	}
	return cap100(score), factors, nil
}

func duplicateLine(lines []claims.ClaimLine) string {
	seen := make(map[string]bool, len(lines))
	for _, l := range lines {
		if l.ProcedureCode == "" {
			continue
		}
		key := l.ProcedureCode
		if l.ServiceDate != nil {
			key += "|" + claims.Date(*l.ServiceDate).Format("2006-01-02")
		}
		if seen[key] {
			return l.ProcedureCode
		}
		seen[key] = true
	}
	return ""
}

// Documentation checks the fields a payer needs to adjudicate the claim.
type Documentation struct{}

func (Documentation) Evaluate(_ context.Context, c *claims.Claim) (float64, []risk.Factor, error) {
	var score float64
	var factors []risk.Factor

	if c.ServiceDate == nil {
		score += 35
		factors = append(factors, risk.Factor{Type: "missing_service_date", Severity: risk.SeverityHigh,
			Message: "Claim has no service date"})
	}
	if c.ProviderID == nil {
		score += 35
		factors = append(factors, risk.Factor{Type: "missing_provider", Severity: risk.SeverityHigh,
			Message: "Claim has no rendering provider"})
	}
	undated := 0
	for _, l := range c.Lines {
		if l.ServiceDate == nil {
			undated++
		}
	}
	if undated > 0 && c.ServiceDate == nil {
		score += 15
		factors = append(factors, risk.Factor{Type: "undated_lines", Severity: risk.SeverityMedium,
			Message: fmt.Sprintf("%d claim lines have no service date", undated)})
	}
	if c.TotalChargeAmount == nil {
		score += 15
		factors = append(factors, risk.Factor{Type: "missing_charge", Severity: risk.SeverityMedium,
			Message: "Claim has no total charge amount"})
	}
	return cap100(score), factors, nil
}

// PayerHistoryModel is the baseline historical model: the claim's payer
// denial rate, or 0 until the payer has enough completed episodes.
type PayerHistoryModel struct {
	Rates DenialRates
}

func (m PayerHistoryModel) PredictRisk(ctx context.Context, c *claims.Claim) (float64, error) {
	if c.PayerID == nil {
		return 0, nil
	}
	rate, sample, err := m.Rates.DenialRate(ctx, *c.PayerID)
	if err != nil {
		return 0, err
	}
	if sample < MinSample {
		return 0, nil
	}
	return rate, nil
}

// Defaults returns the built-in evaluators backed by rates.
func Defaults(rates DenialRates) risk.Evaluators {
	return risk.Evaluators{
		Payer:         Payer{Rates: rates},
		Coding:        Coding{},
		Documentation: Documentation{},
	}
}

var (
	_ risk.Evaluator       = Payer{}
	_ risk.Evaluator       = Coding{}
	_ risk.Evaluator       = Documentation{}
	_ risk.HistoricalModel = PayerHistoryModel{}
)
