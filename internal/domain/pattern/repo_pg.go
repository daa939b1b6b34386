package pattern

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

const patternCols = `id, payer_id, pattern_type, denial_reason_code, description,
	occurrence_count, frequency, confidence_score, conditions, first_seen, last_seen`

func scanPattern(row pgx.Row) (*DenialPattern, error) {
	var p DenialPattern
	err := row.Scan(&p.ID, &p.PayerID, &p.PatternType, &p.DenialReasonCode, &p.Description,
		&p.OccurrenceCount, &p.Frequency, &p.ConfidenceScore, &p.Conditions, &p.FirstSeen, &p.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claims.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPatterns(rows pgx.Rows) ([]*DenialPattern, error) {
	defer rows.Close()
	var items []*DenialPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) DeniedReasons(ctx context.Context, payerID uuid.UUID, since time.Time) ([]claims.ReasonList, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT COALESCE(rm.denial_reasons, '[]'::jsonb)
		FROM episodes e
		JOIN claims c ON c.id = e.claim_id
		JOIN remittances rm ON rm.id = e.remittance_id
		WHERE c.payer_id = $1
		  AND e.status = 'COMPLETE'
		  AND e.denial_count > 0
		  AND rm.created_at >= $2`, payerID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []claims.ReasonList
	for rows.Next() {
		var l claims.ReasonList
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan denial reasons: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repoPG) GetByPayerCode(ctx context.Context, payerID uuid.UUID, code string) (*DenialPattern, error) {
	return scanPattern(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patternCols+` FROM denial_patterns WHERE payer_id = $1 AND denial_reason_code = $2`,
		payerID, code))
}

func (r *repoPG) Create(ctx context.Context, p *DenialPattern) error {
	p.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO denial_patterns (id, payer_id, pattern_type, denial_reason_code, description,
			occurrence_count, frequency, confidence_score, conditions, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.PayerID, p.PatternType, p.DenialReasonCode, p.Description,
		p.OccurrenceCount, p.Frequency, p.ConfidenceScore, p.Conditions, p.FirstSeen, p.LastSeen)
	return err
}

func (r *repoPG) Update(ctx context.Context, p *DenialPattern) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE denial_patterns SET occurrence_count = $2, frequency = $3, confidence_score = $4,
			description = $5, last_seen = $6
		WHERE id = $1`,
		p.ID, p.OccurrenceCount, p.Frequency, p.ConfidenceScore, p.Description, p.LastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return claims.ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByPayer(ctx context.Context, payerID uuid.UUID) ([]*DenialPattern, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+patternCols+` FROM denial_patterns WHERE payer_id = $1
		ORDER BY frequency DESC, denial_reason_code`, payerID)
	if err != nil {
		return nil, err
	}
	return collectPatterns(rows)
}

func (r *repoPG) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*DenialPattern, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+patternCols+` FROM denial_patterns WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return collectPatterns(rows)
}
