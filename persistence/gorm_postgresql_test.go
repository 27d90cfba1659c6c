package persistence

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/wfunc/casefile/config"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

// startPostgres runs a throwaway PostgreSQL. Set CASEFILE_PG_TESTS=1 to enable; it needs Docker.
func startPostgres(t *testing.T) string {
	t.Helper()
	if os.Getenv("CASEFILE_PG_TESTS") != "1" {
		t.Skip("CASEFILE_PG_TESTS not set")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("casefile_test"),
		tcpostgres.WithUsername("casefile"),
		tcpostgres.WithPassword("casefile"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}
	return dsn
}

func TestGormPostgreSQL_LockedCulpritJoin(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := OpenGormPostgreSQL(dsn, config.DatabaseConfig{MaxOpenConns: 20, MaxIdleConns: 5})
	if err != nil {
		t.Fatalf("OpenGormPostgreSQL failed: %v", err)
	}
	defer store.Close()

	for i := int64(1); i <= 11; i++ {
		if err := store.CreateUser(ctx, &models.User{ID: i, Nickname: "u"}); err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
	}
	c := &models.Case{Title: "Harbour", TrueCulpritID: 2}
	if err := store.CreateCase(ctx, c, []models.EvidenceItem{{Description: "rope", IsTrue: true}}); err != nil {
		t.Fatalf("CreateCase failed: %v", err)
	}
	if err := store.Transaction(ctx, func(tx Tx) error {
		return tx.CreateParticipation(&models.Participation{CaseID: c.ID, ClientID: 1})
	}); err != nil {
		t.Fatalf("CreateParticipation failed: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for user := int64(2); user <= 11; user++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			err := store.Transaction(ctx, func(tx Tx) error {
				if _, err := tx.LockCase(c.ID); err != nil {
					return err
				}
				p, err := tx.LockParticipation(c.ID)
				if err != nil {
					return err
				}
				if !p.Bind(models.RoleCulprit, user) {
					return errors.New("taken")
				}
				if err := tx.SaveParticipation(p); err != nil {
					return err
				}
				if err := tx.AppendScoreEntry(&models.ScoreEntry{UserID: user, CaseID: c.ID, Delta: 1, Reason: "culprit_join"}); err != nil {
					return err
				}
				return tx.AddUserScore(user, 1)
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(user)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one culprit, got %d", winners)
	}
	if mm, err := store.LedgerMismatches(ctx); err != nil || len(mm) != 0 {
		t.Errorf("Expected consistent ledger, got %+v (%v)", mm, err)
	}

	var credited int64
	err = store.Transaction(ctx, func(tx Tx) error {
		for user := int64(2); user <= 11; user++ {
			b, err := tx.LedgerBalance(user)
			if err != nil {
				return err
			}
			if b.Cached != b.Ledger {
				t.Errorf("User %d balance disagrees: %+v", user, b)
			}
			credited += b.Ledger
		}
		_, err := tx.LedgerBalance(404)
		if !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound for an unknown user, got: %v", err)
		}
		return nil
	})
	if err != nil || credited != 1 {
		t.Errorf("Expected one point credited in total, got %d (%v)", credited, err)
	}

	auditor, err := OpenPostgreSQLAuditor(dsn)
	if err != nil {
		t.Fatalf("OpenPostgreSQLAuditor failed: %v", err)
	}
	defer auditor.Close()

	counts, err := auditor.StatusCounts(ctx)
	if err != nil || counts[state.StatusRegistered] != 1 {
		t.Errorf("Expected one REGISTERED case, got %v (%v)", counts, err)
	}
	if mm, err := auditor.LedgerMismatches(ctx); err != nil || len(mm) != 0 {
		t.Errorf("Auditor should agree with the store, got %+v (%v)", mm, err)
	}
}

func TestGormPostgreSQL_DuplicateParticipation(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := OpenGormPostgreSQL(dsn, config.DatabaseConfig{})
	if err != nil {
		t.Fatalf("OpenGormPostgreSQL failed: %v", err)
	}
	defer store.Close()

	_ = store.CreateUser(ctx, &models.User{ID: 1, Nickname: "client"})
	c := &models.Case{Title: "Attic", TrueCulpritID: 1}
	_ = store.CreateCase(ctx, c, nil)

	create := func() error {
		return store.Transaction(ctx, func(tx Tx) error {
			return tx.CreateParticipation(&models.Participation{CaseID: c.ID, ClientID: 1})
		})
	}
	if err := create(); err != nil {
		t.Fatalf("First participation failed: %v", err)
	}
	if err := create(); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Expected ErrDuplicate, got: %v", err)
	}
	if err := store.Transaction(ctx, func(tx Tx) error { return tx.AddUserScore(404, 1) }); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound for unknown user, got: %v", err)
	}
}
