package risk

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/domain/pattern"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
)

// -- Mocks --

type mockScoreRepo struct {
	byClaim map[uuid.UUID]*RiskScore
	upserts int
	err     error
}

func newMockScoreRepo() *mockScoreRepo {
	return &mockScoreRepo{byClaim: make(map[uuid.UUID]*RiskScore)}
}

func (m *mockScoreRepo) Upsert(_ context.Context, s *RiskScore) error {
	if m.err != nil {
		return m.err
	}
	m.upserts++
	if existing, ok := m.byClaim[s.ClaimID]; ok {
		s.ID = existing.ID
	} else {
		s.ID = uuid.New()
	}
	cp := *s
	m.byClaim[s.ClaimID] = &cp
	return nil
}

func (m *mockScoreRepo) GetByClaim(_ context.Context, claimID uuid.UUID) (*RiskScore, error) {
	s, ok := m.byClaim[claimID]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return s, nil
}

func (m *mockScoreRepo) List(context.Context, int) ([]*RiskScore, error) {
	var out []*RiskScore
	for _, s := range m.byClaim {
		out = append(out, s)
	}
	return out, nil
}

type mockClaimRepo struct {
	claims map[uuid.UUID]*claims.Claim
}

func (m *mockClaimRepo) GetByID(_ context.Context, id uuid.UUID) (*claims.Claim, error) {
	c, ok := m.claims[id]
	if !ok {
		return nil, claims.ErrNotFound
	}
	return c, nil
}

func (m *mockClaimRepo) GetWithLines(ctx context.Context, id uuid.UUID) (*claims.Claim, error) {
	return m.GetByID(ctx, id)
}

func (m *mockClaimRepo) GetDetail(ctx context.Context, id uuid.UUID) (*claims.Claim, error) {
	return m.GetByID(ctx, id)
}

func (m *mockClaimRepo) ListByControlNumber(context.Context, string) ([]*claims.Claim, error) {
	return nil, nil
}

func (m *mockClaimRepo) ListByPayerServiceWindow(context.Context, uuid.UUID, time.Time, time.Time) ([]*claims.Claim, error) {
	return nil, nil
}

func (m *mockClaimRepo) ListUnlinked(context.Context, int) ([]*claims.Claim, error) {
	return nil, nil
}

type fixedEvaluator struct {
	score   float64
	factors []Factor
	err     error
}

func (e fixedEvaluator) Evaluate(context.Context, *claims.Claim) (float64, []Factor, error) {
	return e.score, e.factors, e.err
}

type fixedModel struct {
	p   float64
	err error
}

func (m fixedModel) PredictRisk(context.Context, *claims.Claim) (float64, error) { return m.p, m.err }

type fixedAnalyzer struct {
	matches []pattern.MatchResult
	err     error
}

func (a fixedAnalyzer) AnalyzeClaim(context.Context, uuid.UUID) ([]pattern.MatchResult, error) {
	return a.matches, a.err
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) Notify(context.Context, string, interface{}) error {
	n.calls++
	return errors.New("webhook down")
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newClaimRepo() (*mockClaimRepo, uuid.UUID) {
	id := uuid.New()
	return &mockClaimRepo{claims: map[uuid.UUID]*claims.Claim{id: {ID: id, ControlNumber: "CLM001"}}}, id
}

// -- Tests --

func TestScore_WeightedBlend(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	s := NewScorer(repo, claimRepo,
		Evaluators{
			Payer:         fixedEvaluator{score: 60},
			Coding:        fixedEvaluator{score: 80},
			Documentation: fixedEvaluator{score: 40},
		},
		fixedModel{p: 0.5},
		fixedAnalyzer{matches: []pattern.MatchResult{
			{DenialReasonCode: "CO45", MatchScore: 0.8, ConfidenceScore: 0.5},
		}},
		db.Inline{},
	)

	got, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// 60*.20 + 80*.25 + 40*.20 + 50*.15 + 40*.20
	want := 12.0 + 20 + 8 + 7.5 + 8
	if !approx(got.OverallScore, want) {
		t.Errorf("expected overall %v, got %v", want, got.OverallScore)
	}
	if got.RiskLevel != LevelHigh {
		t.Errorf("expected HIGH, got %s", got.RiskLevel)
	}
	if !approx(got.HistoricalRisk, 50) || !approx(got.PatternRisk, 40) {
		t.Errorf("unexpected components: historical=%v pattern=%v", got.HistoricalRisk, got.PatternRisk)
	}
	if len(got.Recommendations) != 2 {
		t.Errorf("expected coding and payer recommendations, got %v", got.Recommendations)
	}
}

func TestScore_SignalFailuresAreIsolated(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	var logs bytes.Buffer
	s := NewScorer(repo, claimRepo,
		Evaluators{
			Payer:         fixedEvaluator{err: errors.New("payer rules unavailable")},
			Coding:        fixedEvaluator{score: 100},
			Documentation: nil,
		},
		fixedModel{err: errors.New("model timeout")},
		fixedAnalyzer{err: errors.New("pattern store down")},
		db.Inline{},
		WithLogger(zerolog.New(&logs)),
	)

	got, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("signal failures must not abort scoring: %v", err)
	}
	if got.PayerRisk != 0 || got.HistoricalRisk != 0 || got.PatternRisk != 0 {
		t.Errorf("failed signals must score 0: %+v", got)
	}
	if !approx(got.OverallScore, 25) || got.RiskLevel != LevelMedium {
		t.Errorf("expected 25/MEDIUM from coding alone, got %v/%s", got.OverallScore, got.RiskLevel)
	}
	if n := strings.Count(logs.String(), `"level":"warn"`); n != 3 {
		t.Errorf("expected 3 warnings, got %d: %s", n, logs.String())
	}
}

func TestScore_PatternFactors(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	s := NewScorer(repo, claimRepo, Evaluators{}, nil,
		fixedAnalyzer{matches: []pattern.MatchResult{
			{DenialReasonCode: "CO16", MatchScore: 0.3, ConfidenceScore: 1},
			{DenialReasonCode: "CO45", MatchScore: 0.9, ConfidenceScore: 1},
			{DenialReasonCode: "CO97", MatchScore: 0.71, ConfidenceScore: 1},
			{DenialReasonCode: "CO50", MatchScore: 0.1, ConfidenceScore: 1},
		}},
		db.Inline{},
	)

	got, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(got.RiskFactors) != 3 {
		t.Fatalf("expected top 3 pattern factors, got %+v", got.RiskFactors)
	}
	wantSev := []Severity{SeverityHigh, SeverityHigh, SeverityMedium}
	wantCode := []string{"CO45", "CO97", "CO16"}
	for i, f := range got.RiskFactors {
		if f.Type != FactorPatternMatch || f.Severity != wantSev[i] || !strings.Contains(f.Message, wantCode[i]) {
			t.Errorf("factor %d: %+v", i, f)
		}
	}
	if !approx(got.PatternRisk, 90) {
		t.Errorf("expected pattern risk from the best match, got %v", got.PatternRisk)
	}
	if len(got.Recommendations) != 1 || !strings.Contains(got.Recommendations[0], "CO45") {
		t.Errorf("expected a pattern recommendation, got %v", got.Recommendations)
	}
}

func TestScore_CriticalFactorRecommendation(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	s := NewScorer(repo, claimRepo,
		Evaluators{Payer: fixedEvaluator{score: 10, factors: []Factor{
			{Type: "missing_payer", Severity: SeverityCritical, Message: "Claim has no payer"},
		}}},
		nil, nil, db.Inline{},
	)
	got, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0] != "CRITICAL: Claim has no payer" {
		t.Errorf("unexpected recommendations %v", got.Recommendations)
	}
}

func TestScore_RecalculationUpdatesSameRow(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	notifier := &failingNotifier{}
	coding := &fixedEvaluator{score: 20}
	s := NewScorer(repo, claimRepo, Evaluators{Coding: coding}, nil, nil, db.Inline{},
		WithNotifier(notifier))

	first, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("first Score: %v", err)
	}
	coding.score = 100
	second, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("second Score: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same row id, got %s and %s", first.ID, second.ID)
	}
	if len(repo.byClaim) != 1 || repo.upserts != 2 {
		t.Errorf("expected one row written twice, rows=%d upserts=%d", len(repo.byClaim), repo.upserts)
	}
	if !approx(repo.byClaim[claimID].CodingRisk, 100) {
		t.Errorf("expected stored score to be replaced")
	}
	if notifier.calls != 2 {
		t.Errorf("expected a notification attempt per calculation, got %d", notifier.calls)
	}
}

func TestScore_Errors(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	s := NewScorer(repo, claimRepo, Evaluators{}, nil, nil, db.Inline{})

	if _, err := s.Score(context.Background(), uuid.New()); !errors.Is(err, claims.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	boom := errors.New("deadlock detected")
	repo.err = boom
	if _, err := s.Score(context.Background(), claimID); !errors.Is(err, boom) {
		t.Errorf("expected storage error to propagate, got %v", err)
	}
}

func TestGet_ReadsThroughCache(t *testing.T) {
	repo := newMockScoreRepo()
	claimRepo, claimID := newClaimRepo()
	store := cache.NewMemory()
	metrics := cache.NewMetrics()
	s := NewScorer(repo, claimRepo, Evaluators{Coding: fixedEvaluator{score: 40}}, nil, nil, db.Inline{},
		WithCache(cache.NewAside(store, metrics, zerolog.Nop())))

	if _, err := s.Get(context.Background(), claimID); !errors.Is(err, claims.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before scoring, got %v", err)
	}
	scored, err := s.Score(context.Background(), claimID)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	delete(repo.byClaim, claimID)
	got, err := s.Get(context.Background(), claimID)
	if err != nil {
		t.Fatalf("expected cached score, got %v", err)
	}
	if got.ID != scored.ID || !approx(got.OverallScore, scored.OverallScore) {
		t.Errorf("cached score mismatch: %+v", got)
	}
	if c := metrics.Get("risk_score"); c.Hits != 1 || c.Misses != 1 {
		t.Errorf("unexpected counters %+v", c)
	}
}

func TestNewScorer_WarnsOnUnbalancedWeights(t *testing.T) {
	var logs bytes.Buffer
	w := DefaultWeights()
	w.Historical = 0.5
	NewScorer(newMockScoreRepo(), &mockClaimRepo{}, Evaluators{}, nil, nil, db.Inline{},
		WithWeights(w), WithLogger(zerolog.New(&logs)))
	if !strings.Contains(logs.String(), "risk weights do not sum") {
		t.Errorf("expected startup warning, got %q", logs.String())
	}
}
