package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimrisk/internal/platform/db"
)

// =========== Claim Repository ===========

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewClaimRepoPG(pool *pgxpool.Pool) ClaimRepository { return &claimRepoPG{pool: pool} }

const claimCols = `id, control_number, payer_id, provider_id, total_charge_amount,
	principal_diagnosis, COALESCE(diagnosis_codes, '{}'), facility_type, service_date, created_at`

func scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ControlNumber, &c.PayerID, &c.ProviderID, &c.TotalChargeAmount,
		&c.PrincipalDiagnosis, &c.DiagnosisCodes, &c.FacilityType, &c.ServiceDate, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectClaims(rows pgx.Rows) ([]*Claim, error) {
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	return scanClaim(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
}

func (r *claimRepoPG) GetWithLines(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, claim_id, line_number, procedure_code, charge_amount, service_date
		FROM claim_lines WHERE claim_id = $1 ORDER BY line_number`, id)
	if err != nil {
		return nil, fmt.Errorf("query claim lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var l ClaimLine
		if err := rows.Scan(&l.ID, &l.ClaimID, &l.LineNumber, &l.ProcedureCode, &l.ChargeAmount, &l.ServiceDate); err != nil {
			return nil, fmt.Errorf("scan claim line: %w", err)
		}
		c.Lines = append(c.Lines, l)
	}
	return c, rows.Err()
}

func (r *claimRepoPG) GetDetail(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.GetWithLines(ctx, id)
	if err != nil {
		return nil, err
	}
	q := db.Conn(ctx, r.pool)
	if c.PayerID != nil {
		var p Payer
		err := q.QueryRow(ctx, `SELECT id, name, payer_code FROM payers WHERE id = $1`, *c.PayerID).
			Scan(&p.ID, &p.Name, &p.PayerCode)
		switch {
		case err == nil:
			c.Payer = &p
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load payer: %w", err)
		}
	}
	if c.ProviderID != nil {
		var p Provider
		err := q.QueryRow(ctx, `SELECT id, name, npi FROM providers WHERE id = $1`, *c.ProviderID).
			Scan(&p.ID, &p.Name, &p.NPI)
		switch {
		case err == nil:
			c.Provider = &p
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("load provider: %w", err)
		}
	}
	return c, nil
}

func (r *claimRepoPG) ListByControlNumber(ctx context.Context, controlNumber string) ([]*Claim, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+claimCols+` FROM claims WHERE control_number = $1 ORDER BY created_at`, controlNumber)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

func (r *claimRepoPG) ListByPayerServiceWindow(ctx context.Context, payerID uuid.UUID, from, to time.Time) ([]*Claim, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+claimCols+` FROM claims
		WHERE payer_id = $1 AND service_date BETWEEN $2::date AND $3::date
		ORDER BY service_date, created_at`, payerID, Date(from), Date(to))
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

func (r *claimRepoPG) ListUnlinked(ctx context.Context, limit int) ([]*Claim, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+claimCols+` FROM claims c
		WHERE NOT EXISTS (SELECT 1 FROM episodes e WHERE e.claim_id = c.id)
		ORDER BY c.created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectClaims(rows)
}

// =========== Remittance Repository ===========

type remittanceRepoPG struct{ pool *pgxpool.Pool }

func NewRemittanceRepoPG(pool *pgxpool.Pool) RemittanceRepository {
	return &remittanceRepoPG{pool: pool}
}

func (r *remittanceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Remittance, error) {
	var rem Remittance
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, control_number, claim_control_number, payer_id, payment_amount, payment_date,
			COALESCE(denial_reasons, '[]'::jsonb), COALESCE(adjustment_reasons, '[]'::jsonb),
			status, created_at
		FROM remittances WHERE id = $1`, id).
		Scan(&rem.ID, &rem.ControlNumber, &rem.ClaimControlNumber, &rem.PayerID, &rem.PaymentAmount,
			&rem.PaymentDate, &rem.DenialReasons, &rem.AdjustmentReasons, &rem.Status, &rem.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rem, nil
}

// =========== Payer Repository ===========

type payerRepoPG struct{ pool *pgxpool.Pool }

func NewPayerRepoPG(pool *pgxpool.Pool) PayerRepository { return &payerRepoPG{pool: pool} }

func (r *payerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payer, error) {
	var p Payer
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, name, payer_code FROM payers WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.PayerCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *payerRepoPG) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id FROM payers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}
