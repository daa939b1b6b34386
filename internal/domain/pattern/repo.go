package pattern

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/claimrisk/internal/domain/claims"
)

type Repository interface {
	// DeniedReasons returns the denial reason list of every COMPLETE episode
	// of the payer that carried at least one denial and whose remittance was
	// created at or after since. One entry per episode.
	DeniedReasons(ctx context.Context, payerID uuid.UUID, since time.Time) ([]claims.ReasonList, error)
	GetByPayerCode(ctx context.Context, payerID uuid.UUID, code string) (*DenialPattern, error)
	Create(ctx context.Context, p *DenialPattern) error
	Update(ctx context.Context, p *DenialPattern) error
	// ListByPayer orders by frequency, highest first.
	ListByPayer(ctx context.Context, payerID uuid.UUID) ([]*DenialPattern, error)
	// GetByIDs loads the rows that still exist, in no particular order.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*DenialPattern, error)
}
