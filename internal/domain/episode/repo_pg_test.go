package episode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/claimrisk/internal/domain/claims"
	"github.com/ehr/claimrisk/internal/platform/db"
	"github.com/ehr/claimrisk/internal/platform/db/dbtest"
)

func TestMain(m *testing.M) { dbtest.Main(m) }

func seedPair(t *testing.T, pool *pgxpool.Pool) (claimID, remID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	payerID, claimID, remID := uuid.New(), uuid.New(), uuid.New()
	svc := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO payers (id, name) VALUES ($1, 'Acme Health')`, []any{payerID}},
		{`INSERT INTO claims (id, control_number, payer_id, service_date, diagnosis_codes)
			VALUES ($1, 'CLM001', $2, $3, $4)`, []any{claimID, payerID, svc, []string{"E11.9"}}},
		{`INSERT INTO remittances (id, control_number, claim_control_number, payer_id, payment_amount,
			payment_date, denial_reasons, status)
			VALUES ($1, 'ERA001', 'CLM001', $2, 0, $3, '["CO45", {"code": "CO97"}]', 'PROCESSED')`,
			[]any{remID, payerID, svc.AddDate(0, 0, 20)}},
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s.sql, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return claimID, remID
}

func TestRepoPG_ConcurrentLinkCreatesOneRow(t *testing.T) {
	pool := dbtest.Open(t)
	claimID, remID := seedPair(t, pool)
	linker := NewLinker(NewRepoPG(pool), claims.NewClaimRepoPG(pool), claims.NewRemittanceRepoPG(pool),
		db.NewUnitOfWork(pool))

	const workers = 4
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, err := linker.LinkByIDs(context.Background(), claimID, remID)
			errs[i] = err
			if ep != nil {
				ids[i] = ep.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("worker %d got episode %s, want %s", i, ids[i], ids[0])
		}
	}

	var rows int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM episodes`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("expected 1 episode row, got %d", rows)
	}
}

func TestRepoPG_LifecycleAndDenialRate(t *testing.T) {
	pool := dbtest.Open(t)
	ctx := context.Background()
	claimID, remID := seedPair(t, pool)
	repo := NewRepoPG(pool)
	linker := NewLinker(repo, claims.NewClaimRepoPG(pool), claims.NewRemittanceRepoPG(pool),
		db.NewUnitOfWork(pool))

	eps, err := linker.LinkRemittance(ctx, remID)
	if err != nil || len(eps) != 1 {
		t.Fatalf("LinkRemittance: %v %+v", err, eps)
	}
	if eps[0].DenialCount != 2 || eps[0].ClaimID != claimID {
		t.Errorf("unexpected episode %+v", eps[0])
	}

	done, err := linker.CompleteIfReady(ctx, eps[0].ID)
	if err != nil {
		t.Fatalf("CompleteIfReady: %v", err)
	}
	if done.Status != StatusComplete || done.LinkedAt == nil {
		t.Errorf("expected COMPLETE with linked_at, got %+v", done)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil || counts[StatusComplete] != 1 {
		t.Errorf("unexpected counts %v (%v)", counts, err)
	}

	var payerID uuid.UUID
	if err := pool.QueryRow(ctx, `SELECT payer_id FROM claims WHERE id = $1`, claimID).Scan(&payerID); err != nil {
		t.Fatalf("payer: %v", err)
	}
	rate, sample, err := repo.DenialRate(ctx, payerID)
	if err != nil || rate != 1 || sample != 1 {
		t.Errorf("expected rate 1 over 1 episode, got %v/%d (%v)", rate, sample, err)
	}

	unlinked, err := linker.UnlinkedClaims(ctx, 10)
	if err != nil || len(unlinked) != 0 {
		t.Errorf("expected no unlinked claims, got %d (%v)", len(unlinked), err)
	}
}
