package episode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/cache"
	"github.com/ehr/claimrisk/internal/platform/db"
	"github.com/ehr/claimrisk/internal/platform/notify"
)

const (
	// DefaultToleranceDays is the service-date window used by the
	// payer/date fallback.
	DefaultToleranceDays = 30
	// DefaultUnlinkedLimit caps UnlinkedClaims when the caller passes no limit.
	DefaultUnlinkedLimit = 100

	countPrefix = "episode_count:"
	countKey    = countPrefix + "status"
)

func episodeKey(id uuid.UUID) string { return "episode:" + id.String() }

// Linker owns the claim/remittance association. Each public mutation is
// one unit of work; cache invalidation and notifications happen after it
// commits.
type Linker struct {
	episodes    Repository
	claims      claims.ClaimRepository
	remittances claims.RemittanceRepository
	uow         db.UnitOfWork

	cache         *cache.Aside
	notifier      notify.Dispatcher
	log           zerolog.Logger
	toleranceDays int
	episodeTTL    time.Duration
	countTTL      time.Duration
	now           func() time.Time
}

// Option configures a Linker.
type Option func(*Linker)

func WithCache(c *cache.Aside) Option { return func(l *Linker) { l.cache = c } }

func WithNotifier(d notify.Dispatcher) Option { return func(l *Linker) { l.notifier = d } }

func WithLogger(log zerolog.Logger) Option { return func(l *Linker) { l.log = log } }

// WithToleranceDays sets the window LinkRemittance uses for its fallback.
func WithToleranceDays(days int) Option { return func(l *Linker) { l.toleranceDays = days } }

func WithTTL(episode, counts time.Duration) Option {
	return func(l *Linker) {
		l.episodeTTL = episode
		l.countTTL = counts
	}
}

func NewLinker(episodes Repository, claimRepo claims.ClaimRepository, remittances claims.RemittanceRepository, uow db.UnitOfWork, opts ...Option) *Linker {
	l := &Linker{
		episodes:      episodes,
		claims:        claimRepo,
		remittances:   remittances,
		uow:           uow,
		notifier:      notify.Nop{},
		log:           zerolog.Nop(),
		toleranceDays: DefaultToleranceDays,
		episodeTTL:    time.Hour,
		countTTL:      5 * time.Minute,
		now:           time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// linkPair returns the pair's episode, creating it when absent. Concurrent
// workers may both miss the lookup; the loser of the insert race gets
// ErrDuplicate from the repository and re-reads the winner's row.
func (l *Linker) linkPair(ctx context.Context, claim *claims.Claim, rem *claims.Remittance) (*Episode, bool, error) {
	existing, err := l.episodes.GetByPair(ctx, claim.ID, rem.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, claims.ErrNotFound) {
		return nil, false, fmt.Errorf("look up episode: %w", err)
	}

	remID := rem.ID
	e := &Episode{
		ClaimID:         claim.ID,
		RemittanceID:    &remID,
		Status:          StatusLinked,
		PaymentAmount:   rem.PaymentAmount,
		DenialCount:     rem.DenialReasons.Len(),
		AdjustmentCount: rem.AdjustmentReasons.Len(),
	}
	if err := l.episodes.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			existing, err := l.episodes.GetByPair(ctx, claim.ID, rem.ID)
			if err != nil {
				return nil, false, fmt.Errorf("re-read raced episode: %w", err)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create episode: %w", err)
	}
	return e, true, nil
}

func (l *Linker) afterLink(ctx context.Context, created []*Episode) {
	if len(created) == 0 {
		return
	}
	keys := make([]string, len(created))
	for i, e := range created {
		keys[i] = episodeKey(e.ID)
	}
	l.cache.Invalidate(ctx, keys...)
	l.cache.InvalidatePrefix(ctx, countPrefix)

	for _, e := range created {
		l.log.Info().
			Str("episode_id", e.ID.String()).
			Str("claim_id", e.ClaimID.String()).
			Int("denial_count", e.DenialCount).
			Msg("episode linked")
		notify.Fire(ctx, l.notifier, l.log, notify.EventEpisodeLinked, e)
	}
}

// LinkByIDs links one claim to one remittance. Both must exist, otherwise
// the error wraps claims.ErrNotFound. Linking an already-linked pair returns
// the existing episode unchanged.
func (l *Linker) LinkByIDs(ctx context.Context, claimID, remittanceID uuid.UUID) (*Episode, error) {
	var (
		ep      *Episode
		created bool
	)
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		claim, err := l.claims.GetByID(ctx, claimID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", claimID, err)
		}
		rem, err := l.remittances.GetByID(ctx, remittanceID)
		if err != nil {
			return fmt.Errorf("remittance %s: %w", remittanceID, err)
		}
		ep, created, err = l.linkPair(ctx, claim, rem)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		l.afterLink(ctx, []*Episode{ep})
	}
	return ep, nil
}

// AutoLinkByControlNumber links the remittance to every claim carrying its
// claim control number. Existing episodes are returned alongside new ones.
func (l *Linker) AutoLinkByControlNumber(ctx context.Context, rem *claims.Remittance) ([]*Episode, error) {
	if rem.ClaimControlNumber == nil || *rem.ClaimControlNumber == "" {
		return nil, nil
	}

	var all, created []*Episode
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		matches, err := l.claims.ListByControlNumber(ctx, *rem.ClaimControlNumber)
		if err != nil {
			return fmt.Errorf("find claims by control number: %w", err)
		}
		for _, claim := range matches {
			ep, isNew, err := l.linkPair(ctx, claim, rem)
			if err != nil {
				return err
			}
			all = append(all, ep)
			if isNew {
				created = append(created, ep)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.afterLink(ctx, created)
	return all, nil
}

// AutoLinkByPatientAndDate is the fallback when no control number matches:
// every claim of the remittance's payer whose service date is within
// toleranceDays (inclusive) of the payment date gets linked. Pairs that are
// already linked are skipped, so only new episodes are returned. Several
// claims can match one remittance; all of them are linked.
func (l *Linker) AutoLinkByPatientAndDate(ctx context.Context, rem *claims.Remittance, toleranceDays int) ([]*Episode, error) {
	if rem.PayerID == nil || rem.PaymentDate == nil {
		return nil, nil
	}
	if toleranceDays < 0 {
		toleranceDays = DefaultToleranceDays
	}

	paid := claims.Date(*rem.PaymentDate)
	from := paid.AddDate(0, 0, -toleranceDays)
	to := paid.AddDate(0, 0, toleranceDays)

	var created []*Episode
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		candidates, err := l.claims.ListByPayerServiceWindow(ctx, *rem.PayerID, from, to)
		if err != nil {
			return fmt.Errorf("find claims by payer and service date: %w", err)
		}
		for _, claim := range candidates {
			if claim.ServiceDate == nil || claims.DaysApart(*claim.ServiceDate, paid) > toleranceDays {
				continue
			}
			ep, isNew, err := l.linkPair(ctx, claim, rem)
			if err != nil {
				return err
			}
			if isNew {
				created = append(created, ep)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(created) > 1 {
		l.log.Warn().
			Str("remittance_id", rem.ID.String()).
			Int("claims", len(created)).
			Msg("payer/date fallback linked one remittance to several claims")
	}
	l.afterLink(ctx, created)
	return created, nil
}

// LinkRemittance runs control-number linking and falls back to payer/date
// matching when that finds nothing.
func (l *Linker) LinkRemittance(ctx context.Context, remittanceID uuid.UUID) ([]*Episode, error) {
	rem, err := l.remittances.GetByID(ctx, remittanceID)
	if err != nil {
		return nil, fmt.Errorf("remittance %s: %w", remittanceID, err)
	}
	eps, err := l.AutoLinkByControlNumber(ctx, rem)
	if err != nil || len(eps) > 0 {
		return eps, err
	}
	return l.AutoLinkByPatientAndDate(ctx, rem, l.toleranceDays)
}

// UpdateStatus moves an episode along the transition table. The first move
// to COMPLETE stamps linked_at; later ones leave it alone.
func (l *Linker) UpdateStatus(ctx context.Context, episodeID uuid.UUID, status Status) (*Episode, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var (
		ep        *Episode
		completed bool
	)
	err := l.uow.Do(ctx, func(ctx context.Context) error {
		var err error
		ep, err = l.episodes.GetByID(ctx, episodeID)
		if err != nil {
			return fmt.Errorf("episode %s: %w", episodeID, err)
		}
		if !ep.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ep.Status, status)
		}
		completed = status == StatusComplete && ep.Status != StatusComplete
		ep.Status = status
		if status == StatusComplete && ep.LinkedAt == nil {
			now := l.now().UTC()
			ep.LinkedAt = &now
		}
		if err := l.episodes.Update(ctx, ep); err != nil {
			return fmt.Errorf("update episode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.cache.Invalidate(ctx, episodeKey(ep.ID))
	l.cache.InvalidatePrefix(ctx, countPrefix)
	if completed {
		l.log.Info().Str("episode_id", ep.ID.String()).Msg("episode completed")
		notify.Fire(ctx, l.notifier, l.log, notify.EventEpisodeCompleted, ep)
	}
	return ep, nil
}

func (l *Linker) MarkComplete(ctx context.Context, episodeID uuid.UUID) (*Episode, error) {
	return l.UpdateStatus(ctx, episodeID, StatusComplete)
}

// CompleteIfReady completes the episode once its remittance is PROCESSED
// and otherwise returns it unchanged.
func (l *Linker) CompleteIfReady(ctx context.Context, episodeID uuid.UUID) (*Episode, error) {
	ep, err := l.episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("episode %s: %w", episodeID, err)
	}
	if ep.RemittanceID == nil || ep.Status == StatusComplete {
		return ep, nil
	}
	rem, err := l.remittances.GetByID(ctx, *ep.RemittanceID)
	if errors.Is(err, claims.ErrNotFound) {
		return ep, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remittance %s: %w", *ep.RemittanceID, err)
	}
	if !rem.Processed() {
		return ep, nil
	}
	return l.MarkComplete(ctx, episodeID)
}

// UnlinkedClaims returns up to limit claims with no episode.
func (l *Linker) UnlinkedClaims(ctx context.Context, limit int) ([]*claims.Claim, error) {
	if limit <= 0 {
		limit = DefaultUnlinkedLimit
	}
	return l.claims.ListUnlinked(ctx, limit)
}

// Get is a cache-aside read of one episode.
func (l *Linker) Get(ctx context.Context, episodeID uuid.UUID) (*Episode, error) {
	key := episodeKey(episodeID)
	var cached Episode
	if l.cache.Fetch(ctx, key, &cached) && cached.ID == episodeID {
		return &cached, nil
	}
	ep, err := l.episodes.GetByID(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	l.cache.Put(ctx, key, ep, l.episodeTTL)
	return ep, nil
}

func (l *Linker) ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*Episode, error) {
	return l.episodes.ListByClaim(ctx, claimID)
}

// CountByStatus returns the number of episodes in each state. The result is
// cached until the next link or status change.
func (l *Linker) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var cached map[Status]int
	if l.cache.Fetch(ctx, countKey, &cached) && cached != nil {
		return cached, nil
	}
	counts, err := l.episodes.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	l.cache.Put(ctx, countKey, counts, l.countTTL)
	return counts, nil
}
