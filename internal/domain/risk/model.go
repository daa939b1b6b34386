// Package risk blends rule, historical and pattern signals into one
// denial-risk score per claim.
package risk

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Level is the band an overall score falls in.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// LevelFor bands score: [75,100] CRITICAL, [50,75) HIGH, [25,50) MEDIUM,
// below 25 LOW.
func LevelFor(score float64) Level {
	switch {
	case score >= 75:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Severity grades a single risk factor.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Factor is one finding that contributed to a score.
type Factor struct {
	Type     string   `json:"type"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// FactorPatternMatch tags factors produced from denial pattern matches.
const FactorPatternMatch = "pattern_match"

// RiskScore maps to the risk_scores table. There is one row per claim.
type RiskScore struct {
	ID                uuid.UUID `db:"id" json:"id"`
	ClaimID           uuid.UUID `db:"claim_id" json:"claim_id"`
	OverallScore      float64   `db:"overall_score" json:"overall_score"`
	RiskLevel         Level     `db:"risk_level" json:"risk_level"`
	PayerRisk         float64   `db:"payer_risk" json:"payer_risk"`
	CodingRisk        float64   `db:"coding_risk" json:"coding_risk"`
	DocumentationRisk float64   `db:"documentation_risk" json:"documentation_risk"`
	HistoricalRisk    float64   `db:"historical_risk" json:"historical_risk"`
	PatternRisk       float64   `db:"pattern_risk" json:"pattern_risk"`
	RiskFactors       []Factor  `db:"risk_factors" json:"risk_factors"`
	Recommendations   []string  `db:"recommendations" json:"recommendations"`
	CalculatedAt      time.Time `db:"calculated_at" json:"calculated_at"`
}

// Weights blend the five component scores into the overall score.
type Weights struct {
	Payer         float64
	Coding        float64
	Documentation float64
	Historical    float64
	Pattern       float64
}

func DefaultWeights() Weights {
	return Weights{Payer: 0.20, Coding: 0.25, Documentation: 0.20, Historical: 0.15, Pattern: 0.20}
}

func (w Weights) Sum() float64 {
	return w.Payer + w.Coding + w.Documentation + w.Historical + w.Pattern
}

// Balanced reports whether the weights sum to 1 within 0.01.
func (w Weights) Balanced() bool {
	return math.Abs(w.Sum()-1) <= 0.01
}

func (w Weights) blend(s *RiskScore) float64 {
	return s.PayerRisk*w.Payer +
		s.CodingRisk*w.Coding +
		s.DocumentationRisk*w.Documentation +
		s.HistoricalRisk*w.Historical +
		s.PatternRisk*w.Pattern
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
