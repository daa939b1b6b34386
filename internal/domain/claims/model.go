// Package claims holds the submitted-claim and remittance records produced
// by the upstream decoder. This module reads them; it never writes them.
package claims

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a claim, remittance, payer or episode does
// not exist. Callers map it to their own "not found" surface.
var ErrNotFound = errors.New("not found")

// Claim maps to the claims table.
type Claim struct {
	ID                 uuid.UUID   `db:"id" json:"id"`
	ControlNumber      string      `db:"control_number" json:"control_number"`
	PayerID            *uuid.UUID  `db:"payer_id" json:"payer_id,omitempty"`
	ProviderID         *uuid.UUID  `db:"provider_id" json:"provider_id,omitempty"`
	TotalChargeAmount  *float64    `db:"total_charge_amount" json:"total_charge_amount,omitempty"`
	PrincipalDiagnosis *string     `db:"principal_diagnosis" json:"principal_diagnosis,omitempty"`
	DiagnosisCodes     []string    `db:"diagnosis_codes" json:"diagnosis_codes"`
	FacilityType       *string     `db:"facility_type" json:"facility_type,omitempty"`
	ServiceDate        *time.Time  `db:"service_date" json:"service_date,omitempty"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	Lines              []ClaimLine `db:"-" json:"lines,omitempty"`
	Payer              *Payer      `db:"-" json:"payer,omitempty"`
	Provider           *Provider   `db:"-" json:"provider,omitempty"`
}

// ClaimLine maps to the claim_lines table.
type ClaimLine struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ClaimID       uuid.UUID  `db:"claim_id" json:"claim_id"`
	LineNumber    int        `db:"line_number" json:"line_number"`
	ProcedureCode string     `db:"procedure_code" json:"procedure_code"`
	ChargeAmount  *float64   `db:"charge_amount" json:"charge_amount,omitempty"`
	ServiceDate   *time.Time `db:"service_date" json:"service_date,omitempty"`
}

// ChargeAmount returns the claim total, treating a missing amount as zero.
func (c *Claim) ChargeAmount() float64 {
	if c.TotalChargeAmount == nil {
		return 0
	}
	return *c.TotalChargeAmount
}

// ProcedureCodes returns the distinct procedure codes across the claim lines.
func (c *Claim) ProcedureCodes() []string {
	seen := make(map[string]bool, len(c.Lines))
	var out []string
	for _, l := range c.Lines {
		if l.ProcedureCode == "" || seen[l.ProcedureCode] {
			continue
		}
		seen[l.ProcedureCode] = true
		out = append(out, l.ProcedureCode)
	}
	return out
}

// RemittanceStatus is the lifecycle state of a remittance.
type RemittanceStatus string

const (
	RemittancePending   RemittanceStatus = "PENDING"
	RemittanceProcessed RemittanceStatus = "PROCESSED"
)

// Remittance maps to the remittances table.
type Remittance struct {
	ID                 uuid.UUID        `db:"id" json:"id"`
	ControlNumber      string           `db:"control_number" json:"control_number"`
	ClaimControlNumber *string          `db:"claim_control_number" json:"claim_control_number,omitempty"`
	PayerID            *uuid.UUID       `db:"payer_id" json:"payer_id,omitempty"`
	PaymentAmount      *float64         `db:"payment_amount" json:"payment_amount,omitempty"`
	PaymentDate        *time.Time       `db:"payment_date" json:"payment_date,omitempty"`
	DenialReasons      ReasonList       `db:"denial_reasons" json:"denial_reasons"`
	AdjustmentReasons  ReasonList       `db:"adjustment_reasons" json:"adjustment_reasons"`
	Status             RemittanceStatus `db:"status" json:"status"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
}

// Processed reports whether the payer has finished adjudicating.
func (r *Remittance) Processed() bool {
	return r.Status == RemittanceProcessed
}

// Payer maps to the payers table.
type Payer struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	PayerCode *string   `db:"payer_code" json:"payer_code,omitempty"`
}

// Provider maps to the providers table.
type Provider struct {
	ID   uuid.UUID `db:"id" json:"id"`
	Name string    `db:"name" json:"name"`
	NPI  *string   `db:"npi" json:"npi,omitempty"`
}

// Date truncates t to its UTC calendar day.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysApart is the absolute number of calendar days between a and b.
func DaysApart(a, b time.Time) int {
	days := int(Date(a).Sub(Date(b)).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}
