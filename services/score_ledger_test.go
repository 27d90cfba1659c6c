package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/monitor"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/state"
)

// mapCache is an in-process cache.Cache that counts reads and writes.
type mapCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	hits, sets  int
	invalidated int
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	c.sets++
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.invalidated++
	return nil
}

func TestScoreLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	entries, err := f.svc.ScoreLog(ctx, policeID)
	if err != nil {
		t.Fatalf("ScoreLog failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Delta != PointsPoliceAssignment || entries[0].Reason != CreditPoliceAssignment || entries[0].CaseID != f.caseID {
		t.Errorf("Unexpected police entries: %+v", entries)
	}

	_, err = f.svc.ScoreLog(ctx, 404)
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)
}

func TestCredit_OperatorAdjustment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: 0, Reason: "bonus"})
	assertKind(t, err, ErrInvalidInput, ReasonInvalidDelta)

	_, err = f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: 3, Reason: " "})
	assertKind(t, err, ErrInvalidInput, ReasonMissingReason)

	_, err = f.svc.Credit(ctx, CreditRequest{UserID: 404, Delta: 3, Reason: "bonus"})
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)

	_, err = f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, CaseID: 9999, Delta: 3, Reason: "bonus"})
	assertKind(t, err, ErrNotFound, ReasonNoSuchCase)

	entry, err := f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, CaseID: f.caseID, Delta: 5, Reason: "bonus"})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if entry.ID == 0 || entry.Delta != 5 || entry.Reason != "bonus" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if _, err := f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: -2, Reason: "penalty"}); err != nil {
		t.Fatalf("Negative credit failed: %v", err)
	}

	if got := f.score(t, bystanderID); got != 3 {
		t.Errorf("Expected total 3, got %d", got)
	}
	if log, _ := f.svc.ScoreLog(ctx, bystanderID); len(log) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(log))
	}
	f.assertLedgerConsistent(t)
}

func TestReconcile_SurfacesDriftWithoutRepair(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics("test", reg)
	f := newFixture(t, WithMetrics(metrics))
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	if mm, err := f.svc.ReconcileAll(ctx); err != nil || len(mm) != 0 {
		t.Fatalf("Expected a clean ledger, got %v (%v)", mm, err)
	}

	// bump the cached total behind the ledger's back
	err := f.store.Transaction(ctx, func(tx persistence.Tx) error { return tx.AddUserScore(detectiveID, 7) })
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}

	err = f.svc.Reconcile(ctx, detectiveID)
	var lie *LedgerInconsistencyError
	if !errors.As(err, &lie) || !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("Expected LedgerInconsistencyError, got: %v", err)
	}
	want := []models.LedgerMismatch{{UserID: detectiveID, Cached: 8, Ledger: 1}}
	if diff := cmp.Diff(want, lie.Mismatches); diff != "" {
		t.Errorf("Mismatch differs (-want +got):\n%s", diff)
	}

	mm, err := f.svc.ReconcileAll(ctx)
	if !errors.Is(err, ErrLedgerInconsistency) || len(mm) != 1 {
		t.Fatalf("Expected one mismatch, got %v (%v)", mm, err)
	}
	if got := testutil.ToFloat64(metrics.LedgerInconsistencies); got != 1 {
		t.Errorf("Expected inconsistency gauge 1, got %v", got)
	}
	if got := f.score(t, detectiveID); got != 8 {
		t.Errorf("Reconciliation must not repair the total, got %d", got)
	}
}

// creditingStore commits a credit through svc right after the first lock-free
// user read, landing it between any two reads a caller makes outside a transaction.
type creditingStore struct {
	persistence.Store
	svc  *CaseService
	once sync.Once
	err  error
}

func (s *creditingStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.Store.GetUser(ctx, userID)
	s.once.Do(func() {
		_, s.err = s.svc.Credit(ctx, CreditRequest{UserID: userID, Delta: 3, Reason: "bonus"})
	})
	return u, err
}

func (s *creditingStore) ListScoreEntries(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	s.once.Do(func() {
		_, s.err = s.svc.Credit(ctx, CreditRequest{UserID: userID, Delta: 3, Reason: "bonus"})
	})
	return s.Store.ListScoreEntries(ctx, userID)
}

func TestReconcile_CreditBetweenReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	store := &creditingStore{Store: f.store, svc: f.svc}
	svc := NewCaseService(store)

	if err := svc.Reconcile(ctx, policeID); err != nil {
		t.Errorf("A committed credit is not drift, got: %v", err)
	}

	// a plain read outside a transaction lets the credit land
	if _, err := svc.TotalFor(ctx, policeID); err != nil {
		t.Fatalf("TotalFor failed: %v", err)
	}
	if store.err != nil {
		t.Fatalf("Interleaved credit failed: %v", store.err)
	}
	if got := f.score(t, policeID); got != PointsPoliceAssignment+3 {
		t.Errorf("Expected the interleaved credit to commit, total %d", got)
	}
	if err := svc.Reconcile(ctx, policeID); err != nil {
		t.Errorf("Ledger should still balance, got: %v", err)
	}
}

func TestReconcile_ConcurrentCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			_, err := f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: 2, Reason: "bonus"})
			return err
		})
		g.Go(func() error { return f.svc.Reconcile(ctx, bystanderID) })
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Reconcile reported drift under concurrent credits: %v", err)
	}
	if got := f.score(t, bystanderID); got != 100 {
		t.Errorf("Expected total 100, got %d", got)
	}
}

type stubAuditor struct {
	mismatches []models.LedgerMismatch
	err        error
}

func (a stubAuditor) LedgerMismatches(context.Context) ([]models.LedgerMismatch, error) {
	return a.mismatches, a.err
}

func TestReconcileAll_UsesAuditor(t *testing.T) {
	auditErr := errors.New("replica down")
	f := newFixture(t, WithAuditor(stubAuditor{err: auditErr}))

	_, err := f.svc.ReconcileAll(context.Background())
	if !errors.Is(err, auditErr) {
		t.Errorf("Expected auditor error, got: %v", err)
	}
	if errors.Is(err, ErrLedgerInconsistency) {
		t.Error("An audit failure is not an inconsistency")
	}
}

func TestLeaderboard_CachedUntilCredit(t *testing.T) {
	c := newMapCache()
	f := newFixture(t, WithCache(c, time.Minute))
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	board, err := f.svc.Leaderboard(ctx, 3)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	want := []LeaderboardEntry{
		{Rank: 1, UserID: policeID, Nickname: "pike", Score: 2},
		{Rank: 2, UserID: culpritID, Nickname: "cole", Score: 1},
		{Rank: 3, UserID: detectiveID, Nickname: "dana", Score: 1},
	}
	if diff := cmp.Diff(want, board); diff != "" {
		t.Errorf("Leaderboard mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.svc.Leaderboard(ctx, 3); err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if c.hits != 1 {
		t.Errorf("Second read should be served from cache, got %d hits", c.hits)
	}

	if _, err := f.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: 10, Reason: "bonus"}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	board, _ = f.svc.Leaderboard(ctx, 3)
	if board[0].UserID != bystanderID {
		t.Errorf("Credit should invalidate the cached board, top is %d", board[0].UserID)
	}
}

// lateCreditStore reads the top users and then commits a credit before returning them.
type lateCreditStore struct {
	persistence.Store
	svc  *CaseService
	once sync.Once
	err  error
}

func (s *lateCreditStore) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	users, err := s.Store.TopUsers(ctx, limit)
	s.once.Do(func() {
		_, s.err = s.svc.Credit(ctx, CreditRequest{UserID: bystanderID, Delta: 10, Reason: "bonus"})
	})
	return users, err
}

func TestLeaderboard_StalePageNotCached(t *testing.T) {
	c := newMapCache()
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	store := &lateCreditStore{Store: f.store}
	svc := NewCaseService(store, WithCache(c, time.Minute))
	store.svc = svc

	board, err := svc.Leaderboard(ctx, 3)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if store.err != nil {
		t.Fatalf("Late credit failed: %v", store.err)
	}
	if board[0].UserID == bystanderID {
		t.Fatal("First read should predate the credit")
	}
	if c.sets != 0 || c.invalidated != 1 {
		t.Errorf("Stale page must not be cached: %d sets, %d invalidations", c.sets, c.invalidated)
	}

	board, _ = svc.Leaderboard(ctx, 3)
	if board[0].UserID != bystanderID || board[0].Score != 10 {
		t.Errorf("Expected the credited user on top, got %+v", board[0])
	}
	if c.sets != 1 {
		t.Errorf("Fresh page should be cached, got %d sets", c.sets)
	}
}

func TestLeaderboard_LimitBounds(t *testing.T) {
	f := newFixture(t)

	board, err := f.svc.Leaderboard(context.Background(), 0)
	if err != nil {
		t.Fatalf("Leaderboard failed: %v", err)
	}
	if len(board) != 5 {
		t.Errorf("Default limit should cover all 5 users, got %d", len(board))
	}
}
