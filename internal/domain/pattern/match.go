package pattern

import "github.com/ehr/claimrisk/internal/domain/claims"

const (
	weightDiagnosis  = 0.3
	weightPrincipal  = 0.4
	weightProcedure  = 0.2
	weightChargeBand = 0.1
	weightFacility   = 0.1
)

// MatchScore rates how closely claim fits p, in [0, 1]. A claim whose charge
// falls outside the pattern's charge band scores 0 whatever else matches.
func MatchScore(claim *claims.Claim, p *DenialPattern) float64 {
	cond := p.Conditions
	if cond.Empty() {
		return clamp01(p.Frequency)
	}

	var score float64
	if overlaps(cond.DiagnosisCodes, claim.DiagnosisCodes) {
		score += weightDiagnosis
	}
	if cond.PrincipalDiagnosis != nil && claim.PrincipalDiagnosis != nil &&
		*cond.PrincipalDiagnosis == *claim.PrincipalDiagnosis {
		score += weightPrincipal
	}
	if overlaps(cond.ProcedureCodes, claim.ProcedureCodes()) {
		score += weightProcedure
	}
	if cond.ChargeAmountMin != nil || cond.ChargeAmountMax != nil {
		amount := claim.ChargeAmount()
		if cond.ChargeAmountMin != nil && amount < *cond.ChargeAmountMin {
			return 0
		}
		if cond.ChargeAmountMax != nil && amount > *cond.ChargeAmountMax {
			return 0
		}
		score += weightChargeBand
	}
	if cond.FacilityType != nil && claim.FacilityType != nil &&
		*cond.FacilityType == *claim.FacilityType {
		score += weightFacility
	}

	return clamp01(score * p.Confidence())
}

func overlaps(want, have []string) bool {
	if len(want) == 0 || len(have) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}
