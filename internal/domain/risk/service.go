package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
	"github.com/ehr/claimrisk/internal/platform/notify"
)

// Evaluator is one rule signal. The score is in [0, 100].
type Evaluator interface {
	Evaluate(ctx context.Context, claim *claims.Claim) (float64, []Factor, error)
}

// HistoricalModel estimates denial likelihood in [0, 1] from past outcomes.
type HistoricalModel interface {
	PredictRisk(ctx context.Context, claim *claims.Claim) (float64, error)
}

// PatternAnalyzer returns a claim's denial pattern matches, best first.
type PatternAnalyzer interface {
	AnalyzeClaim(ctx context.Context, claimID uuid.UUID) ([]pattern.MatchResult, error)
}

// Evaluators are the three rule signals. A nil slot scores 0.
type Evaluators struct {
	Payer         Evaluator
	Coding        Evaluator
	Documentation Evaluator
}

const (
	recommendThreshold = 50
	maxPatternFactors  = 3
	highMatchScore     = 0.7
)

func scoreKey(claimID uuid.UUID) string { return "risk_score:claim:" + claimID.String() }

// Scorer computes and stores claim risk scores. A failing signal source is
// logged and counted as 0; only a missing claim or a storage failure stops
// a calculation.
type Scorer struct {
	scores     Repository
	claims     claims.ClaimRepository
	evaluators Evaluators
	historical HistoricalModel
	patterns   PatternAnalyzer
	uow        db.UnitOfWork

	weights  Weights
	cache    *cache.Aside
	notifier notify.Dispatcher
	log      zerolog.Logger
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

func WithWeights(w Weights) Option { return func(s *Scorer) { s.weights = w } }

func WithCache(c *cache.Aside) Option { return func(s *Scorer) { s.cache = c } }

func WithNotifier(d notify.Dispatcher) Option { return func(s *Scorer) { s.notifier = d } }

func WithLogger(log zerolog.Logger) Option { return func(s *Scorer) { s.log = log } }

func WithTTL(ttl time.Duration) Option { return func(s *Scorer) { s.ttl = ttl } }

func NewScorer(scores Repository, claimRepo claims.ClaimRepository, evaluators Evaluators, historical HistoricalModel, patterns PatternAnalyzer, uow db.UnitOfWork, opts ...Option) *Scorer {
	s := &Scorer{
		scores:     scores,
		claims:     claimRepo,
		evaluators: evaluators,
		historical: historical,
		patterns:   patterns,
		uow:        uow,
		weights:    DefaultWeights(),
		notifier:   notify.Nop{},
		log:        zerolog.Nop(),
		ttl:        time.Hour,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if !s.weights.Balanced() {
		s.log.Warn().
			Float64("sum", s.weights.Sum()).
			Msg("risk weights do not sum to 1.0; scores will be skewed")
	}
	return s
}

func (s *Scorer) evaluate(ctx context.Context, name string, e Evaluator, claim *claims.Claim) (float64, []Factor) {
	if e == nil {
		return 0, nil
	}
	score, factors, err := e.Evaluate(ctx, claim)
	if err != nil {
		s.log.Warn().Err(err).
			Str("claim_id", claim.ID.String()).
			Str("signal", name).
			Msg("rule evaluation failed, scoring as 0")
		return 0, nil
	}
	return clampScore(score), factors
}

func (s *Scorer) historicalRisk(ctx context.Context, claim *claims.Claim) float64 {
	if s.historical == nil {
		return 0
	}
	p, err := s.historical.PredictRisk(ctx, claim)
	if err != nil {
		s.log.Warn().Err(err).Str("claim_id", claim.ID.String()).Msg("historical model failed, scoring as 0")
		return 0
	}
	return clampScore(p * 100)
}

func (s *Scorer) patternMatches(ctx context.Context, claimID uuid.UUID) []pattern.MatchResult {
	if s.patterns == nil {
		return nil
	}
	matches, err := s.patterns.AnalyzeClaim(ctx, claimID)
	if err != nil {
		s.log.Warn().Err(err).Str("claim_id", claimID.String()).Msg("pattern analysis failed, no pattern risk")
		return nil
	}
	sorted := append([]pattern.MatchResult(nil), matches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MatchScore > sorted[j].MatchScore })
	return sorted
}

// patternRisk is the best match's score scaled by its confidence.
func patternRisk(matches []pattern.MatchResult) float64 {
	if len(matches) == 0 {
		return 0
	}
	top := matches[0]
	return clampScore(top.MatchScore * 100 * top.ConfidenceScore)
}

func patternFactors(matches []pattern.MatchResult) []Factor {
	n := len(matches)
	if n > maxPatternFactors {
		n = maxPatternFactors
	}
	out := make([]Factor, 0, n)
	for _, m := range matches[:n] {
		sev := SeverityMedium
		if m.MatchScore > highMatchScore {
			sev = SeverityHigh
		}
		msg := fmt.Sprintf("Matches denial pattern %s (match score %.2f)", m.DenialReasonCode, m.MatchScore)
		if m.Description != "" {
			msg = fmt.Sprintf("Matches denial pattern %s: %s (match score %.2f)", m.DenialReasonCode, m.Description, m.MatchScore)
		}
		out = append(out, Factor{Type: FactorPatternMatch, Severity: sev, Message: msg})
	}
	return out
}

func recommend(score *RiskScore, matches []pattern.MatchResult) []string {
	recs := []string{}
	if score.CodingRisk > recommendThreshold {
		recs = append(recs, "Review diagnosis and procedure coding before submission")
	}
	if score.DocumentationRisk > recommendThreshold {
		recs = append(recs, "Verify that supporting clinical documentation is complete and attached")
	}
	if score.PayerRisk > recommendThreshold {
		recs = append(recs, "Confirm patient eligibility and payer-specific submission requirements")
	}
	if score.PatternRisk > recommendThreshold && len(matches) > 0 {
		recs = append(recs, fmt.Sprintf("Claim resembles past %s denials from this payer; address the cause before submitting", matches[0].DenialReasonCode))
	}
	for _, f := range score.RiskFactors {
		if f.Severity == SeverityCritical {
			recs = append(recs, "CRITICAL: "+f.Message)
		}
	}
	return recs
}

// Score calculates the claim's risk and stores it as the claim's single
// score row. The claim must exist; every other input degrades to 0.
func (s *Scorer) Score(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	claim, err := s.claims.GetDetail(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", claimID, err)
	}

	score := &RiskScore{ClaimID: claim.ID, RiskFactors: []Factor{}}
	var f []Factor

	score.PayerRisk, f = s.evaluate(ctx, "payer", s.evaluators.Payer, claim)
	score.RiskFactors = append(score.RiskFactors, f...)
	score.CodingRisk, f = s.evaluate(ctx, "coding", s.evaluators.Coding, claim)
	score.RiskFactors = append(score.RiskFactors, f...)
	score.DocumentationRisk, f = s.evaluate(ctx, "documentation", s.evaluators.Documentation, claim)
	score.RiskFactors = append(score.RiskFactors, f...)

	score.HistoricalRisk = s.historicalRisk(ctx, claim)

	matches := s.patternMatches(ctx, claim.ID)
	score.PatternRisk = patternRisk(matches)
	score.RiskFactors = append(score.RiskFactors, patternFactors(matches)...)

	score.OverallScore = clampScore(s.weights.blend(score))
	score.RiskLevel = LevelFor(score.OverallScore)
	score.Recommendations = recommend(score, matches)
	score.CalculatedAt = s.now().UTC()

	err = s.uow.Do(ctx, func(ctx context.Context) error {
		return s.scores.Upsert(ctx, score)
	})
	if err != nil {
		return nil, err
	}

	s.cache.Put(ctx, scoreKey(claim.ID), score, s.ttl)
	s.log.Info().
		Str("claim_id", claim.ID.String()).
		Float64("overall_score", score.OverallScore).
		Str("risk_level", string(score.RiskLevel)).
		Msg("risk score calculated")
	notify.Fire(ctx, s.notifier, s.log, notify.EventRiskScoreCalculated, score)
	return score, nil
}

// Get returns the stored score for the claim, through the cache.
func (s *Scorer) Get(ctx context.Context, claimID uuid.UUID) (*RiskScore, error) {
	key := scoreKey(claimID)
	var cached RiskScore
	if s.cache.Fetch(ctx, key, &cached) && cached.ClaimID == claimID {
		return &cached, nil
	}
	score, err := s.scores.GetByClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, key, score, s.ttl)
	return score, nil
}

// List returns up to limit stored scores, most recent first.
func (s *Scorer) List(ctx context.Context, limit int) ([]*RiskScore, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.scores.List(ctx, limit)
}
