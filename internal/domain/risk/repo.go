package risk

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Upsert writes s as the claim's only score. On recalculation the existing
	// row keeps its id and s.ID is set to it.
	Upsert(ctx context.Context, s *RiskScore) error
	GetByClaim(ctx context.Context, claimID uuid.UUID) (*RiskScore, error)
	// List returns up to limit scores, most recently calculated first.
	List(ctx context.Context, limit int) ([]*RiskScore, error)
}
