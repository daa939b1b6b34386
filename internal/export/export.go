// Package export writes learned patterns and risk scores to Parquet for
// offline analysis.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/domain/risk"
)

// PatternRow is one denial pattern as written to Parquet. Timestamps are
// Unix milliseconds.
type PatternRow struct {
	ID               string   `parquet:"id"`
	PayerID          string   `parquet:"payer_id"`
	PatternType      string   `parquet:"pattern_type"`
	DenialReasonCode string   `parquet:"denial_reason_code"`
	Description      string   `parquet:"description"`
	OccurrenceCount  int64    `parquet:"occurrence_count"`
	Frequency        float64  `parquet:"frequency"`
	ConfidenceScore  *float64 `parquet:"confidence_score,optional"`
	FirstSeenMs      int64    `parquet:"first_seen_ms"`
	LastSeenMs       int64    `parquet:"last_seen_ms"`
}

// ScoreRow is one claim risk score as written to Parquet. Factors and
// recommendations are flattened to "; "-joined text.
type ScoreRow struct {
	ID                string  `parquet:"id"`
	ClaimID           string  `parquet:"claim_id"`
	OverallScore      float64 `parquet:"overall_score"`
	RiskLevel         string  `parquet:"risk_level"`
	PayerRisk         float64 `parquet:"payer_risk"`
	CodingRisk        float64 `parquet:"coding_risk"`
	DocumentationRisk float64 `parquet:"documentation_risk"`
	HistoricalRisk    float64 `parquet:"historical_risk"`
	PatternRisk       float64 `parquet:"pattern_risk"`
	FactorCount       int32   `parquet:"factor_count"`
	Factors           string  `parquet:"factors"`
	Recommendations   string  `parquet:"recommendations"`
	CalculatedAtMs    int64   `parquet:"calculated_at_ms"`
}

func PatternRowOf(p *pattern.DenialPattern) PatternRow {
	return PatternRow{
		ID:               p.ID.String(),
		PayerID:          p.PayerID.String(),
		PatternType:      p.PatternType,
		DenialReasonCode: p.DenialReasonCode,
		Description:      p.Description,
		OccurrenceCount:  int64(p.OccurrenceCount),
		Frequency:        p.Frequency,
		ConfidenceScore:  p.ConfidenceScore,
		FirstSeenMs:      p.FirstSeen.UnixMilli(),
		LastSeenMs:       p.LastSeen.UnixMilli(),
	}
}

func ScoreRowOf(s *risk.RiskScore) ScoreRow {
	factors := make([]string, len(s.RiskFactors))
	for i, f := range s.RiskFactors {
		factors[i] = fmt.Sprintf("%s/%s: %s", f.Type, f.Severity, f.Message)
	}
	return ScoreRow{
		ID:                s.ID.String(),
		ClaimID:           s.ClaimID.String(),
		OverallScore:      s.OverallScore,
		RiskLevel:         string(s.RiskLevel),
		PayerRisk:         s.PayerRisk,
		CodingRisk:        s.CodingRisk,
		DocumentationRisk: s.DocumentationRisk,
		HistoricalRisk:    s.HistoricalRisk,
		PatternRisk:       s.PatternRisk,
		FactorCount:       int32(len(s.RiskFactors)),
		Factors:           strings.Join(factors, "; "),
		Recommendations:   strings.Join(s.Recommendations, "; "),
		CalculatedAtMs:    s.CalculatedAt.UnixMilli(),
	}
}

// WritePatterns writes patterns to w as a Parquet file and returns the
// number of rows written.
func WritePatterns(w io.Writer, patterns []*pattern.DenialPattern) (int, error) {
	rows := make([]PatternRow, len(patterns))
	for i, p := range patterns {
		rows[i] = PatternRowOf(p)
	}
	return write(w, rows)
}

// WriteScores writes scores to w as a Parquet file and returns the number
// of rows written.
func WriteScores(w io.Writer, scores []*risk.RiskScore) (int, error) {
	rows := make([]ScoreRow, len(scores))
	for i, s := range scores {
		rows[i] = ScoreRowOf(s)
	}
	return write(w, rows)
}

func write[T any](w io.Writer, rows []T) (int, error) {
	writer := parquet.NewGenericWriter[T](w)
	n, err := writer.Write(rows)
	if err != nil {
		return n, fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("close writer: %w", err)
	}
	return n, nil
}
