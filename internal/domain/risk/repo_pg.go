package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const scoreCols = `id, claim_id, overall_score, risk_level, payer_risk, coding_risk,
	documentation_risk, historical_risk, pattern_risk, risk_factors, recommendations, calculated_at`

func scanScore(row pgx.Row) (*RiskScore, error) {
	var s RiskScore
	err := row.Scan(&s.ID, &s.ClaimID, &s.OverallScore, &s.RiskLevel, &s.PayerRisk, &s.CodingRisk,
		&s.DocumentationRisk, &s.HistoricalRisk, &s.PatternRisk, &s.RiskFactors, &s.Recommendations,
		&s.CalculatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claims.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert relies on uq_risk_scores_claim. The candidate id is only used for
// the first calculation; RETURNING hands back whichever id the row has.
func (r *repoPG) Upsert(ctx context.Context, s *RiskScore) error {
	factors := s.RiskFactors
	if factors == nil {
		factors = []Factor{}
	}
	recs := s.Recommendations
	if recs == nil {
		recs = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO risk_scores (id, claim_id, overall_score, risk_level, payer_risk, coding_risk,
			documentation_risk, historical_risk, pattern_risk, risk_factors, recommendations, calculated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (claim_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			risk_level = EXCLUDED.risk_level,
			payer_risk = EXCLUDED.payer_risk,
			coding_risk = EXCLUDED.coding_risk,
			documentation_risk = EXCLUDED.documentation_risk,
			historical_risk = EXCLUDED.historical_risk,
			pattern_risk = EXCLUDED.pattern_risk,
			risk_factors = EXCLUDED.risk_factors,
			recommendations = EXCLUDED.recommendations,
			calculated_at = EXCLUDED.calculated_at
		RETURNING id`,
		uuid.New(), s.ClaimID, s.OverallScore, s.RiskLevel, s.PayerRisk, s.CodingRisk,
		s.DocumentationRisk, s.HistoricalRisk, s.PatternRisk, factors, recs, s.CalculatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("upsert risk score: %w", err)
	}
	return nil
}

func (r *repoPG) GetByClaim(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	return scanScore(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+scoreCols+` FROM risk_scores WHERE claim_id = $1`, claimID))
}

func (r *repoPG) List(ctx context.Context, limit int) ([]*RiskScore, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+scoreCols+` FROM risk_scores ORDER BY calculated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*RiskScore
	for rows.Next() {
		s, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
