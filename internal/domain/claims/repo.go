package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ClaimRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetWithLines loads the claim and its lines ordered by line number.
	GetWithLines(ctx context.Context, id uuid.UUID) (*Claim, error)
	// GetDetail loads the claim with lines, payer and provider.
	GetDetail(ctx context.Context, id uuid.UUID) (*Claim, error)
	ListByControlNumber(ctx context.Context, controlNumber string) ([]*Claim, error)
	// ListByPayerServiceWindow returns the payer's claims whose service date
	// falls in [from, to], both calendar days inclusive.
	ListByPayerServiceWindow(ctx context.Context, payerID uuid.UUID, from, to time.Time) ([]*Claim, error)
	// ListUnlinked returns claims that have no episode at all.
	ListUnlinked(ctx context.Context, limit int) ([]*Claim, error)
}

type RemittanceRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Remittance, error)
}

type PayerRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Payer, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
}
