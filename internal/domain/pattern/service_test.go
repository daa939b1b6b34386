package pattern

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
)

// -- Mock Repositories --

type mockRepo struct {
	denied   map[uuid.UUID][]claims.ReasonList
	deniedAt map[uuid.UUID][]time.Time
	patterns map[uuid.UUID]*DenialPattern
	byIDs    int
	failFor  uuid.UUID
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		denied:   make(map[uuid.UUID][]claims.ReasonList),
		deniedAt: make(map[uuid.UUID][]time.Time),
		patterns: make(map[uuid.UUID]*DenialPattern),
	}
}

// DeniedReasons filters by remittance time when deniedAt is seeded for the
// payer; undated lists always fall inside the window.
func (m *mockRepo) DeniedReasons(_ context.Context, payerID uuid.UUID, since time.Time) ([]claims.ReasonList, error) {
	if payerID == m.failFor {
		return nil, errors.New("connection lost")
	}
	at := m.deniedAt[payerID]
	var out []claims.ReasonList
	for i, l := range m.denied[payerID] {
		if i < len(at) && at[i].Before(since) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *mockRepo) GetByPayerCode(_ context.Context, payerID uuid.UUID, code string) (*DenialPattern, error) {
	for _, p := range m.patterns {
		if p.PayerID == payerID && p.DenialReasonCode == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, claims.ErrNotFound
}

func (m *mockRepo) Create(_ context.Context, p *DenialPattern) error {
	p.ID = uuid.New()
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *mockRepo) Update(_ context.Context, p *DenialPattern) error {
	if _, ok := m.patterns[p.ID]; !ok {
		return claims.ErrNotFound
	}
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *mockRepo) ListByPayer(_ context.Context, payerID uuid.UUID) ([]*DenialPattern, error) {
	var out []*DenialPattern
	for _, p := range m.patterns {
		if p.PayerID == payerID {
			out = append(out, p)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Frequency > out[j-1].Frequency; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (m *mockRepo) GetByIDs(_ context.Context, ids []uuid.UUID) ([]*DenialPattern, error) {
	m.byIDs++
	var out []*DenialPattern
	for _, id := range ids {
		if p, ok := m.patterns[id]; ok {
			out = append(out, p)
		}
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

type mockPayerRepo struct{ ids []uuid.UUID }

func (m *mockPayerRepo) GetByID(_ context.Context, id uuid.UUID) (*claims.Payer, error) {
	return &claims.Payer{ID: id}, nil
}

func (m *mockPayerRepo) ListIDs(context.Context) ([]uuid.UUID, error) { return m.ids, nil }

// countingUOW records how many units of work were opened.
type countingUOW struct{ units int }

func (u *countingUOW) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	u.units++
	return fn(ctx)
}

var _ db.UnitOfWork = (*countingUOW)(nil)

// -- Fixtures --

type fixture struct {
	detector *Detector
	repo     *mockRepo
	claims   *mockClaimRepo
	payers   *mockPayerRepo
	uow      *countingUOW
	store    *cache.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newMockRepo(),
		claims: &mockClaimRepo{claims: make(map[uuid.UUID]*claims.Claim)},
		payers: &mockPayerRepo{},
		uow:    &countingUOW{},
		store:  cache.NewMemory(),
	}
	f.detector = NewDetector(f.repo, f.claims, f.payers, f.uow,
		WithCache(cache.NewAside(f.store, nil, zerolog.Nop())))
	return f
}

func bare(codes ...string) claims.ReasonList {
	l := make(claims.ReasonList, len(codes))
	for i, c := range codes {
		l[i] = claims.ReasonEntry{Kind: claims.ReasonBare, Code: c}
	}
	return l
}

// seedDenials gives the payer `shared` episodes denied with CO45 and fills
// the rest of total with unique codes.
func (f *fixture) seedDenials(payerID uuid.UUID, shared, total int) {
	var lists []claims.ReasonList
	for i := 0; i < shared; i++ {
		lists = append(lists, bare("CO45"))
	}
	for i := shared; i < total; i++ {
		lists = append(lists, bare(fmt.Sprintf("U%03d", i)))
	}
	f.repo.denied[payerID] = lists
}

// -- Tests --

func TestDetectForPayer_FrequencyThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()

	f.seedDenials(payer, 4, 100)
	found, err := f.detector.DetectForPayer(ctx, payer, 0)
	if err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}
	if len(found) != 0 || len(f.repo.patterns) != 0 {
		t.Fatalf("4/100 must not create a pattern, got %d", len(f.repo.patterns))
	}

	f.seedDenials(payer, 5, 100)
	found, err = f.detector.DetectForPayer(ctx, payer, 0)
	if err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}
	if len(found) != 1 || found[0].DenialReasonCode != "CO45" {
		t.Fatalf("expected CO45 pattern, got %+v", found)
	}
	p := found[0]
	if p.OccurrenceCount != 5 || !approx(p.Frequency, 0.05) || !approx(p.Confidence(), 0.075) {
		t.Errorf("unexpected stats: %+v", p)
	}
	if !p.FirstSeen.Equal(p.LastSeen) {
		t.Errorf("new pattern must have first_seen = last_seen")
	}
}

func TestDetectForPayer_UpdatesInPlaceAndClampsConfidence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.detector.now = func() time.Time { return start }

	f.seedDenials(payer, 10, 100)
	first, err := f.detector.DetectForPayer(ctx, payer, 90)
	if err != nil || len(first) != 1 {
		t.Fatalf("first detection: %v %+v", err, first)
	}

	f.detector.now = func() time.Time { return start.Add(24 * time.Hour) }
	f.seedDenials(payer, 10, 10)
	second, err := f.detector.DetectForPayer(ctx, payer, 90)
	if err != nil || len(second) != 1 {
		t.Fatalf("second detection: %v %+v", err, second)
	}
	if len(f.repo.patterns) != 1 {
		t.Fatalf("expected update in place, have %d rows", len(f.repo.patterns))
	}
	p := second[0]
	if p.ID != first[0].ID {
		t.Errorf("expected same pattern id")
	}
	if p.Confidence() != 1.0 {
		t.Errorf("expected confidence clamped to 1, got %v", p.Confidence())
	}
	if !p.FirstSeen.Equal(start) || !p.LastSeen.Equal(start.Add(24*time.Hour)) {
		t.Errorf("unexpected seen range %s..%s", p.FirstSeen, p.LastSeen)
	}
}

func TestDetectForPayer_WindowExcludesOldRemittances(t *testing.T) {
	f := newFixture(t)
	payer := uuid.New()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	f.detector.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		f.repo.denied[payer] = append(f.repo.denied[payer], bare("CO45"))
		f.repo.deniedAt[payer] = append(f.repo.deniedAt[payer], now.AddDate(0, 0, -10))
	}
	for i := 0; i < 20; i++ {
		f.repo.denied[payer] = append(f.repo.denied[payer], bare("CO99"))
		f.repo.deniedAt[payer] = append(f.repo.deniedAt[payer], now.AddDate(0, 0, -60))
	}

	found, err := f.detector.DetectForPayer(context.Background(), payer, 30)
	if err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}
	if len(found) != 1 || found[0].DenialReasonCode != "CO45" {
		t.Fatalf("expected only CO45 inside the window, got %+v", found)
	}
	if found[0].OccurrenceCount != 5 || found[0].Frequency != 1 {
		t.Errorf("old remittances leaked into the tally: %+v", found[0])
	}
}

func TestDetectForPayer_SkipsEmptyAndStructuredCodes(t *testing.T) {
	f := newFixture(t)
	payer := uuid.New()
	f.repo.denied[payer] = []claims.ReasonList{
		claims.ParseReasons([]byte(`[{"code":"CO16","description":"Missing information"}, null, ""]`)),
		claims.ParseReasons([]byte(`["CO16", {"code": null}]`)),
	}
	found, err := f.detector.DetectForPayer(context.Background(), payer, 30)
	if err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}
	if len(found) != 1 {
		t.Fatalf("expected only CO16, got %+v", found)
	}
	if found[0].OccurrenceCount != 2 || found[0].Frequency != 1 {
		t.Errorf("unexpected stats: %+v", found[0])
	}
	if found[0].Description != "Missing information" {
		t.Errorf("expected description from structured reason, got %q", found[0].Description)
	}
}

func TestPatternsForPayer_CacheReloadsRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	f.repo.denied[payer] = []claims.ReasonList{bare("CO45", "CO97"), bare("CO45")}
	if _, err := f.detector.DetectForPayer(ctx, payer, 0); err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}

	first, err := f.detector.PatternsForPayer(ctx, payer)
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 patterns, got %d (%v)", len(first), err)
	}
	if first[0].DenialReasonCode != "CO45" {
		t.Errorf("expected highest frequency first, got %s", first[0].DenialReasonCode)
	}
	if f.repo.byIDs != 0 {
		t.Fatalf("cold read must not batch-load")
	}

	// Rows deleted behind the cache are dropped on the next hit.
	delete(f.repo.patterns, first[1].ID)
	second, err := f.detector.PatternsForPayer(ctx, payer)
	if err != nil {
		t.Fatalf("PatternsForPayer: %v", err)
	}
	if f.repo.byIDs != 1 {
		t.Errorf("expected one batch load, got %d", f.repo.byIDs)
	}
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Errorf("expected only surviving pattern, got %+v", second)
	}
}

func TestPatternsForPayer_InvalidCacheShapeRequeries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	f.repo.denied[payer] = []claims.ReasonList{bare("CO45")}
	f.detector.DetectForPayer(ctx, payer, 0) //nolint:errcheck

	f.store.Set(ctx, payerKey(payer), []map[string]string{{"code": "CO45"}}, time.Hour) //nolint:errcheck
	got, err := f.detector.PatternsForPayer(ctx, payer)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected requery, got %d (%v)", len(got), err)
	}
	if f.repo.byIDs != 0 {
		t.Errorf("invalid projection must not be batch-loaded")
	}
}

func TestAnalyzeClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	claim := &claims.Claim{ID: uuid.New(), PayerID: &payer, TotalChargeAmount: f64(500), DiagnosisCodes: []string{"I10"}}
	f.claims.claims[claim.ID] = claim

	seed := []*DenialPattern{
		{PayerID: payer, DenialReasonCode: "CO45", Frequency: 0.3, ConfidenceScore: f64(0.45)},
		{PayerID: payer, DenialReasonCode: "CO97", Frequency: 0.1, ConfidenceScore: f64(1),
			Conditions: &Conditions{DiagnosisCodes: []string{"I10"}, ChargeAmountMin: f64(100)}},
		{PayerID: payer, DenialReasonCode: "CO50", Frequency: 0.2, ConfidenceScore: f64(1),
			Conditions: &Conditions{ChargeAmountMin: f64(1000), DiagnosisCodes: []string{"I10"}}},
	}
	for _, p := range seed {
		if err := f.repo.Create(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	got, err := f.detector.AnalyzeClaim(ctx, claim.ID)
	if err != nil {
		t.Fatalf("AnalyzeClaim: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 non-zero matches, got %+v", got)
	}
	if got[0].DenialReasonCode != "CO97" || !approx(got[0].MatchScore, 0.4) {
		t.Errorf("expected CO97 at 0.4 first, got %+v", got[0])
	}
	if got[1].DenialReasonCode != "CO45" || !approx(got[1].MatchScore, 0.3) {
		t.Errorf("expected CO45 at 0.3 second, got %+v", got[1])
	}

	// A cached result is served without touching the claim.
	delete(f.claims.claims, claim.ID)
	again, err := f.detector.AnalyzeClaim(ctx, claim.ID)
	if err != nil || len(again) != 2 {
		t.Errorf("expected cached matches, got %d (%v)", len(again), err)
	}
}

func TestAnalyzeClaim_RedetectionDropsCachedMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payer := uuid.New()
	f.payers.ids = []uuid.UUID{payer}
	claim := &claims.Claim{ID: uuid.New(), PayerID: &payer}
	f.claims.claims[claim.ID] = claim

	f.seedDenials(payer, 5, 100)
	if _, err := f.detector.DetectForPayer(ctx, payer, 0); err != nil {
		t.Fatalf("DetectForPayer: %v", err)
	}
	before, err := f.detector.AnalyzeClaim(ctx, claim.ID)
	if err != nil || len(before) != 1 {
		t.Fatalf("expected one match, got %+v (%v)", before, err)
	}

	f.seedDenials(payer, 50, 100)
	if _, err := f.detector.DetectAll(ctx, 0); err != nil {
		t.Fatalf("DetectAll: %v", err)
	}
	after, err := f.detector.AnalyzeClaim(ctx, claim.ID)
	if err != nil || len(after) != 1 {
		t.Fatalf("expected one match, got %+v (%v)", after, err)
	}
	if after[0].MatchScore <= before[0].MatchScore || !approx(after[0].Frequency, 0.5) {
		t.Errorf("expected fresh match after detection, before %+v after %+v", before[0], after[0])
	}
}

func TestAnalyzeClaim_MissingClaimOrPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.detector.AnalyzeClaim(ctx, uuid.New())
	if err != nil || len(got) != 0 {
		t.Errorf("missing claim: expected empty, got %v (%v)", got, err)
	}

	c := &claims.Claim{ID: uuid.New()}
	f.claims.claims[c.ID] = c
	got, err = f.detector.AnalyzeClaim(ctx, c.ID)
	if err != nil || len(got) != 0 {
		t.Errorf("no payer: expected empty, got %v (%v)", got, err)
	}
}

func TestDetectAll_Batches(t *testing.T) {
	f := newFixture(t)
	f.detector.batchSize = 2
	for i := 0; i < 5; i++ {
		id := uuid.New()
		f.payers.ids = append(f.payers.ids, id)
		f.repo.denied[id] = []claims.ReasonList{bare("CO45")}
	}

	got, err := f.detector.DetectAll(context.Background(), 0)
	if err != nil {
		t.Fatalf("DetectAll: %v", err)
	}
	if len(got) != 5 {
		t.Errorf("expected results for 5 payers, got %d", len(got))
	}
	if f.uow.units != 3 {
		t.Errorf("expected 3 batches, got %d", f.uow.units)
	}
}

func TestDetectAll_FailurePropagates(t *testing.T) {
	f := newFixture(t)
	ok, bad := uuid.New(), uuid.New()
	f.payers.ids = []uuid.UUID{ok, bad}
	f.repo.denied[ok] = []claims.ReasonList{bare("CO45")}
	f.repo.failFor = bad

	if _, err := f.detector.DetectAll(context.Background(), 0); err == nil {
		t.Fatal("expected batch failure to propagate")
	}
}
