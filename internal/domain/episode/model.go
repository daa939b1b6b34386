// Package episode links claims to the remittances that adjudicated them and
// tracks each link through PENDING, LINKED and COMPLETE.
package episode

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidStatus is returned for a status outside the enumeration.
	ErrInvalidStatus = errors.New("invalid episode status")
	// ErrInvalidTransition is returned for a transition the table forbids.
	ErrInvalidTransition = errors.New("invalid episode status transition")
	// ErrDuplicate is returned by Repository.Create when the (claim,
	// remittance) pair already has an episode.
	ErrDuplicate = errors.New("episode already exists for claim and remittance")
)

// Status is the lifecycle state of an episode.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusLinked   Status = "LINKED"
	StatusComplete Status = "COMPLETE"
)

// transitions lists the forward moves allowed from each state. There are no
// backward transitions.
var transitions = map[Status][]Status{
	StatusPending:  {StatusLinked, StatusComplete},
	StatusLinked:   {StatusComplete},
	StatusComplete: {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed. Staying
// in the same state is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return s.Valid()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, v)
	}
	return s, nil
}

// Episode maps to the episodes table.
type Episode struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ClaimID         uuid.UUID  `db:"claim_id" json:"claim_id"`
	RemittanceID    *uuid.UUID `db:"remittance_id" json:"remittance_id,omitempty"`
	Status          Status     `db:"status" json:"status"`
	PaymentAmount   *float64   `db:"payment_amount" json:"payment_amount,omitempty"`
	DenialCount     int        `db:"denial_count" json:"denial_count"`
	AdjustmentCount int        `db:"adjustment_count" json:"adjustment_count"`
	LinkedAt        *time.Time `db:"linked_at" json:"linked_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}
