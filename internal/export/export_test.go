package export

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/domain/risk"
)

func readAll[T any](t *testing.T, data []byte) []T {
	t.Helper()
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open parquet file: %v", err)
	}
	reader := parquet.NewGenericReader[T](pf)
	defer reader.Close()

	var all []T
	buf := make([]T, 16)
	for {
		n, readErr := reader.Read(buf)
		all = append(all, buf[:n]...)
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.Fatalf("read parquet: %v", readErr)
		}
	}
	return all
}

func TestWritePatterns(t *testing.T) {
	conf := 0.3
	seen := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	patterns := []*pattern.DenialPattern{
		{ID: uuid.New(), PayerID: uuid.New(), PatternType: pattern.TypeDenialReason, DenialReasonCode: "CO45",
			OccurrenceCount: 20, Frequency: 0.2, ConfidenceScore: &conf, FirstSeen: seen, LastSeen: seen},
		{ID: uuid.New(), PayerID: uuid.New(), PatternType: pattern.TypeDenialReason, DenialReasonCode: "CO97",
			OccurrenceCount: 6, Frequency: 0.06},
	}

	var buf bytes.Buffer
	n, err := WritePatterns(&buf, patterns)
	if err != nil || n != 2 {
		t.Fatalf("WritePatterns: n=%d err=%v", n, err)
	}

	rows := readAll[PatternRow](t, buf.Bytes())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].DenialReasonCode != "CO45" || rows[0].ConfidenceScore == nil || *rows[0].ConfidenceScore != 0.3 {
		t.Errorf("unexpected first row: %+v", rows[0])
	}
	if rows[0].FirstSeenMs != seen.UnixMilli() {
		t.Errorf("expected first_seen %d, got %d", seen.UnixMilli(), rows[0].FirstSeenMs)
	}
	if rows[1].ConfidenceScore != nil {
		t.Errorf("expected null confidence, got %v", *rows[1].ConfidenceScore)
	}
}

func TestWriteScores(t *testing.T) {
	scores := []*risk.RiskScore{{
		ID:           uuid.New(),
		ClaimID:      uuid.New(),
		OverallScore: 62.5,
		RiskLevel:    risk.LevelHigh,
		RiskFactors: []risk.Factor{
			{Type: "pattern_match", Severity: risk.SeverityHigh, Message: "Matches denial pattern CO45"},
		},
		Recommendations: []string{"a", "b"},
	}}

	var buf bytes.Buffer
	if _, err := WriteScores(&buf, scores); err != nil {
		t.Fatalf("WriteScores: %v", err)
	}
	rows := readAll[ScoreRow](t, buf.Bytes())
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	r := rows[0]
	if r.RiskLevel != "HIGH" || r.FactorCount != 1 || r.Recommendations != "a; b" {
		t.Errorf("unexpected row: %+v", r)
	}
	if r.Factors != "pattern_match/high: Matches denial pattern CO45" {
		t.Errorf("unexpected factors %q", r.Factors)
	}
}
