package pattern

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
)

func payerKey(payerID uuid.UUID) string { return "patterns:payer:" + payerID.String() }

// matchPrefix covers every cached claim analysis; detection drops them all
// since any claim of the payer may now match differently.
const matchPrefix = "pattern_match:"

func matchKey(claimID uuid.UUID) string { return matchPrefix + "claim:" + claimID.String() }

// Detector learns denial patterns from completed episodes and matches
// claims against them.
type Detector struct {
	patterns Repository
	claims   claims.ClaimRepository
	payers   claims.PayerRepository
	uow      db.UnitOfWork

	cache      *cache.Aside
	log        zerolog.Logger
	patternTTL time.Duration
	matchTTL   time.Duration
	batchSize  int
	now        func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

func WithCache(c *cache.Aside) Option { return func(d *Detector) { d.cache = c } }

func WithLogger(log zerolog.Logger) Option { return func(d *Detector) { d.log = log } }

func WithTTL(patterns, matches time.Duration) Option {
	return func(d *Detector) {
		d.patternTTL = patterns
		d.matchTTL = matches
	}
}

func WithBatchSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func NewDetector(patterns Repository, claimRepo claims.ClaimRepository, payers claims.PayerRepository, uow db.UnitOfWork, opts ...Option) *Detector {
	d := &Detector{
		patterns:   patterns,
		claims:     claimRepo,
		payers:     payers,
		uow:        uow,
		log:        zerolog.Nop(),
		patternTTL: 6 * time.Hour,
		matchTTL:   30 * time.Minute,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type tally struct {
	code        string
	description string
	count       int
}

// countReasons counts, per code, how many episodes carried it. A code listed
// twice on one remittance counts once, which keeps frequency within [0, 1].
func countReasons(lists []claims.ReasonList) []*tally {
	byCode := make(map[string]*tally)
	var order []*tally
	for _, l := range lists {
		seen := make(map[string]bool)
		for _, r := range l.Codes() {
			if seen[r.Code] {
				continue
			}
			seen[r.Code] = true
			t, ok := byCode[r.Code]
			if !ok {
				t = &tally{code: r.Code}
				byCode[r.Code] = t
				order = append(order, t)
			}
			if t.description == "" {
				t.description = r.Description
			}
			t.count++
		}
	}
	return order
}

// detect does the work of DetectForPayer inside the caller's unit of work.
func (d *Detector) detect(ctx context.Context, payerID uuid.UUID, daysBack int) ([]*DenialPattern, error) {
	now := d.now().UTC()
	since := now.AddDate(0, 0, -daysBack)

	lists, err := d.patterns.DeniedReasons(ctx, payerID, since)
	if err != nil {
		return nil, fmt.Errorf("load denied episodes: %w", err)
	}
	total := len(lists)
	if total == 0 {
		return nil, nil
	}

	var out []*DenialPattern
	for _, t := range countReasons(lists) {
		freq := float64(t.count) / float64(total)
		if freq < MinFrequency {
			continue
		}
		conf := ConfidenceFor(freq)

		p, err := d.patterns.GetByPayerCode(ctx, payerID, t.code)
		switch {
		case errors.Is(err, claims.ErrNotFound):
			p = &DenialPattern{
				PayerID:          payerID,
				PatternType:      TypeDenialReason,
				DenialReasonCode: t.code,
				Description:      describe(t),
				OccurrenceCount:  t.count,
				Frequency:        freq,
				ConfidenceScore:  &conf,
				FirstSeen:        now,
				LastSeen:         now,
			}
			if err := d.patterns.Create(ctx, p); err != nil {
				return nil, fmt.Errorf("create pattern %s: %w", t.code, err)
			}
		case err != nil:
			return nil, fmt.Errorf("load pattern %s: %w", t.code, err)
		default:
			p.OccurrenceCount = t.count
			p.Frequency = freq
			p.ConfidenceScore = &conf
			p.LastSeen = now
			if p.Description == "" {
				p.Description = describe(t)
			}
			if err := d.patterns.Update(ctx, p); err != nil {
				return nil, fmt.Errorf("update pattern %s: %w", t.code, err)
			}
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Frequency > out[j].Frequency })
	d.log.Info().
		Str("payer_id", payerID.String()).
		Int("episodes", total).
		Int("patterns", len(out)).
		Msg("denial patterns detected")
	return out, nil
}

func describe(t *tally) string {
	if t.description != "" {
		return t.description
	}
	return "Denial reason " + t.code
}

// DetectForPayer recomputes the payer's patterns from COMPLETE, denied
// episodes whose remittance arrived in the last daysBack days. Codes seen on
// fewer than 5% of those episodes are not persisted.
func (d *Detector) DetectForPayer(ctx context.Context, payerID uuid.UUID, daysBack int) ([]*DenialPattern, error) {
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	var out []*DenialPattern
	err := d.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = d.detect(ctx, payerID, daysBack)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.cache.Invalidate(ctx, payerKey(payerID))
	d.cache.InvalidatePrefix(ctx, matchPrefix)
	return out, nil
}

// DetectAll runs detection for every payer, one unit of work per batch. A
// failure aborts the run; batches already committed stay committed.
func (d *Detector) DetectAll(ctx context.Context, daysBack int) (map[uuid.UUID][]*DenialPattern, error) {
	if daysBack <= 0 {
		daysBack = DefaultDaysBack
	}
	ids, err := d.payers.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list payers: %w", err)
	}

	results := make(map[uuid.UUID][]*DenialPattern, len(ids))
	for start := 0; start < len(ids); start += d.batchSize {
		end := start + d.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		err := d.uow.Do(ctx, func(ctx context.Context) error {
			for _, id := range batch {
				found, err := d.detect(ctx, id, daysBack)
				if err != nil {
					return fmt.Errorf("payer %s: %w", id, err)
				}
				results[id] = found
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("detect batch at %d: %w", start, err)
		}

		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = payerKey(id)
		}
		d.cache.Invalidate(ctx, keys...)
		d.cache.InvalidatePrefix(ctx, matchPrefix)
	}
	return results, nil
}

// PatternsForPayer returns the payer's patterns, highest frequency first.
// The cache holds only ids; rows are always reloaded so a hit never serves
// stale counts.
func (d *Detector) PatternsForPayer(ctx context.Context, payerID uuid.UUID) ([]*DenialPattern, error) {
	key := payerKey(payerID)
	var cached []cachedPattern
	if d.cache.Fetch(ctx, key, &cached) && validProjection(cached) {
		rows, err := d.reload(ctx, cached)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			return rows, nil
		}
	}

	rows, err := d.patterns.ListByPayer(ctx, payerID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	if len(rows) > 0 {
		proj := make([]cachedPattern, len(rows))
		for i, p := range rows {
			proj[i] = cachedPattern{ID: p.ID, Code: p.DenialReasonCode, Frequency: p.Frequency}
		}
		d.cache.Put(ctx, key, proj, d.patternTTL)
	}
	return rows, nil
}

func validProjection(cached []cachedPattern) bool {
	if len(cached) == 0 {
		return false
	}
	for _, c := range cached {
		if c.ID == uuid.Nil {
			return false
		}
	}
	return true
}

// reload loads the cached ids in one query, keeping the cached order and
// dropping rows that have since been deleted.
func (d *Detector) reload(ctx context.Context, cached []cachedPattern) ([]*DenialPattern, error) {
	ids := make([]uuid.UUID, len(cached))
	for i, c := range cached {
		ids[i] = c.ID
	}
	rows, err := d.patterns.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("reload cached patterns: %w", err)
	}
	byID := make(map[uuid.UUID]*DenialPattern, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}
	out := make([]*DenialPattern, 0, len(rows))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// AnalyzeClaim scores the claim against its payer's patterns and returns the
// non-zero matches, best first. A missing claim, or one without a payer,
// yields no matches.
func (d *Detector) AnalyzeClaim(ctx context.Context, claimID uuid.UUID) ([]MatchResult, error) {
	key := matchKey(claimID)
	var cached []MatchResult
	if d.cache.Fetch(ctx, key, &cached) {
		return cached, nil
	}

	claim, err := d.claims.GetWithLines(ctx, claimID)
	if errors.Is(err, claims.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load claim: %w", err)
	}
	if claim.PayerID == nil {
		return nil, nil
	}

	patterns, err := d.PatternsForPayer(ctx, *claim.PayerID)
	if err != nil {
		return nil, err
	}

	results := make([]MatchResult, 0, len(patterns))
	for _, p := range patterns {
		s := MatchScore(claim, p)
		if s <= 0 {
			continue
		}
		results = append(results, MatchResult{
			PatternID:        p.ID,
			DenialReasonCode: p.DenialReasonCode,
			Description:      p.Description,
			MatchScore:       s,
			ConfidenceScore:  p.Confidence(),
			Frequency:        p.Frequency,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].MatchScore > results[j].MatchScore })

	d.cache.Put(ctx, key, results, d.matchTTL)
	return results, nil
}
