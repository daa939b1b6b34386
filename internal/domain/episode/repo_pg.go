package episode

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

const episodeCols = `id, claim_id, remittance_id, status, payment_amount,
	denial_count, adjustment_count, linked_at, created_at, updated_at`

func scanEpisode(row pgx.Row) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.ClaimID, &e.RemittanceID, &e.Status, &e.PaymentAmount,
		&e.DenialCount, &e.AdjustmentCount, &e.LinkedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, claims.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create relies on uq_episodes_claim_remittance: a concurrent insert of the
// same pair is turned into ErrDuplicate rather than a second row.
func (r *repoPG) Create(ctx context.Context, e *Episode) error {
	e.ID = uuid.New()
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO episodes (id, claim_id, remittance_id, status, payment_amount,
			denial_count, adjustment_count, linked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (claim_id, remittance_id) DO NOTHING
		RETURNING created_at, updated_at`,
		e.ID, e.ClaimID, e.RemittanceID, e.Status, e.PaymentAmount,
		e.DenialCount, e.AdjustmentCount, e.LinkedAt)
	if err := row.Scan(&e.CreatedAt, &e.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Episode, error) {
	return scanEpisode(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE id = $1`, id))
}

func (r *repoPG) GetByPair(ctx context.Context, claimID, remittanceID uuid.UUID) (*Episode, error) {
	return scanEpisode(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE claim_id = $1 AND remittance_id = $2`,
		claimID, remittanceID))
}

func (r *repoPG) Update(ctx context.Context, e *Episode) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE episodes SET status = $2, linked_at = $3, updated_at = NOW()
		WHERE id = $1`, e.ID, e.Status, e.LinkedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return claims.ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Episode, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+episodeCols+` FROM episodes WHERE claim_id = $1 ORDER BY created_at`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT status, COUNT(*) FROM episodes GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) DenialRate(ctx context.Context, payerID uuid.UUID) (float64, int, error) {
	var total, denied int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE e.denial_count > 0)
		FROM episodes e JOIN claims c ON c.id = e.claim_id
		WHERE c.payer_id = $1 AND e.status = 'COMPLETE'`, payerID).Scan(&total, &denied)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(denied) / float64(total), total, nil
}
