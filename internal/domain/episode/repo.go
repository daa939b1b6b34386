package episode

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts e, assigning its ID. It returns ErrDuplicate when the
	// pair is already linked.
	Create(ctx context.Context, e *Episode) error
	GetByID(ctx context.Context, id uuid.UUID) (*Episode, error)
	GetByPair(ctx context.Context, claimID, remittanceID uuid.UUID) (*Episode, error)
	// Update persists status and linked_at.
	Update(ctx context.Context, e *Episode) error
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Episode, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// DenialRate is the share of the payer's COMPLETE episodes that carried at
	// least one denial, with the number of episodes it was computed over.
	DenialRate(ctx context.Context, payerID uuid.UUID) (float64, int, error)
}
