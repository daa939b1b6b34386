// Package pattern learns which denial reasons a payer returns often enough
// to be worth flagging, and scores claims against what it learned.
package pattern

import (
	"time"

	"github.com/google/uuid"
)

const (
	// MinFrequency is the share of denied episodes a reason code must reach
	// before it is kept as a pattern.
	MinFrequency = 0.05
	// DefaultDaysBack is the detection look-back window.
	DefaultDaysBack = 90
	// DefaultBatchSize is the number of payers per unit of work in DetectAll.
	DefaultBatchSize = 50

	confidenceFactor  = 1.5
	defaultConfidence = 0.5
)

// TypeDenialReason is the only pattern type detection produces today.
const TypeDenialReason = "DENIAL_REASON"

// Conditions narrows a pattern to claims with particular attributes. A
// pattern without conditions matches every claim of its payer at its learned
// frequency.
type Conditions struct {
	DiagnosisCodes     []string `json:"diagnosis_codes,omitempty"`
	PrincipalDiagnosis *string  `json:"principal_diagnosis,omitempty"`
	ProcedureCodes     []string `json:"procedure_codes,omitempty"`
	ChargeAmountMin    *float64 `json:"charge_amount_min,omitempty"`
	ChargeAmountMax    *float64 `json:"charge_amount_max,omitempty"`
	FacilityType       *string  `json:"facility_type,omitempty"`
}

// Empty reports whether c constrains nothing.
func (c *Conditions) Empty() bool {
	return c == nil ||
		len(c.DiagnosisCodes) == 0 &&
			c.PrincipalDiagnosis == nil &&
			len(c.ProcedureCodes) == 0 &&
			c.ChargeAmountMin == nil &&
			c.ChargeAmountMax == nil &&
			c.FacilityType == nil
}

// DenialPattern maps to the denial_patterns table. There is one row per
// (payer, denial reason code).
type DenialPattern struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	PayerID          uuid.UUID   `db:"payer_id" json:"payer_id"`
	PatternType      string      `db:"pattern_type" json:"pattern_type"`
	DenialReasonCode string      `db:"denial_reason_code" json:"denial_reason_code"`
	Description      string      `db:"description" json:"description"`
	OccurrenceCount  int         `db:"occurrence_count" json:"occurrence_count"`
	Frequency        float64     `db:"frequency" json:"frequency"`
	ConfidenceScore  *float64    `db:"confidence_score" json:"confidence_score,omitempty"`
	Conditions       *Conditions `db:"conditions" json:"conditions,omitempty"`
	FirstSeen        time.Time   `db:"first_seen" json:"first_seen"`
	LastSeen         time.Time   `db:"last_seen" json:"last_seen"`
}

// Confidence returns the stored confidence, or 0.5 when none was recorded.
func (p *DenialPattern) Confidence() float64 {
	if p.ConfidenceScore == nil {
		return defaultConfidence
	}
	return *p.ConfidenceScore
}

// ConfidenceFor derives confidence from frequency, clamped to [0, 1].
func ConfidenceFor(frequency float64) float64 {
	return clamp01(frequency * confidenceFactor)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// cachedPattern is the projection stored under patterns:payer:<id>. Only the
// id is authoritative; rows are reloaded on every hit.
type cachedPattern struct {
	ID        uuid.UUID `json:"id"`
	Code      string    `json:"code"`
	Frequency float64   `json:"frequency"`
}

// MatchResult is one pattern a claim matched.
type MatchResult struct {
	PatternID        uuid.UUID `json:"pattern_id"`
	DenialReasonCode string    `json:"denial_reason_code"`
	Description      string    `json:"description"`
	MatchScore       float64   `json:"match_score"`
	ConfidenceScore  float64   `json:"confidence_score"`
	Frequency        float64   `json:"frequency"`
}
