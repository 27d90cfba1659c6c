// services/score_ledger.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/wfunc/casefile/cache"
	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/persistence"
)

// Credit reasons written to score entries.
const (
	CreditCulpritJoin         = "culprit_join"
	CreditPoliceAssignment    = "police_assignment"
	CreditDetectiveAssignment = "detective_assignment"
)

// Points per credit reason.
const (
	PointsCulpritJoin         int64 = 1
	PointsPoliceAssignment    int64 = 2
	PointsDetectiveAssignment int64 = 1
)

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// CreditRequest is an operator adjustment. CaseID may be zero when the
// adjustment is not tied to a case.
type CreditRequest struct {
	UserID int64
	CaseID int64
	Delta  int64
	Reason string
}

type LeaderboardEntry struct {
	Rank     int    `json:"rank"`
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Score    int64  `json:"score"`
}

// credit appends an entry and moves the cached total in the same transaction.
func (s *CaseService) credit(tx *caseTx, userID, caseID, delta int64, reason string) error {
	entry := &models.ScoreEntry{UserID: userID, CaseID: caseID, Delta: delta, Reason: reason}
	if err := tx.AppendScoreEntry(entry); err != nil {
		return fmt.Errorf("append score entry for user %d: %w", userID, err)
	}

	err := tx.AddUserScore(userID, delta)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return notFound(ReasonUnknownUser, caseID, userID)
	}
	if err != nil {
		return fmt.Errorf("update score for user %d: %w", userID, err)
	}

	tx.credits = append(tx.credits, *entry)
	return nil
}

// Credit records a manual adjustment in its own transaction.
func (s *CaseService) Credit(ctx context.Context, req CreditRequest) (*models.ScoreEntry, error) {
	if req.Delta == 0 {
		return nil, invalidInput(ReasonInvalidDelta, req.CaseID, req.UserID)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalidInput(ReasonMissingReason, req.CaseID, req.UserID)
	}

	var entry models.ScoreEntry
	err := s.run(ctx, "credit", func(tx *caseTx) error {
		if req.CaseID != 0 {
			_, err := tx.LockCase(req.CaseID)
			if errors.Is(err, persistence.ErrRecordNotFound) {
				return notFound(ReasonNoSuchCase, req.CaseID, req.UserID)
			}
			if err != nil {
				return fmt.Errorf("lock case %d: %w", req.CaseID, err)
			}
		}
		if _, err := s.requireUser(tx, req.CaseID, req.UserID); err != nil {
			return err
		}
		if err := s.credit(tx, req.UserID, req.CaseID, req.Delta, reason); err != nil {
			return err
		}
		entry = tx.credits[len(tx.credits)-1]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// TotalFor returns the cached running total.
func (s *CaseService) TotalFor(ctx context.Context, userID int64) (int64, error) {
	u, err := s.loadUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Score, nil
}

// ScoreLog returns the user's entries, oldest first.
func (s *CaseService) ScoreLog(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListScoreEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list score entries for user %d: %w", userID, err)
	}
	return entries, nil
}

// Reconcile recomputes one user's total from the ledger inside a transaction,
// so a credit committing concurrently is seen entirely or not at all. A
// mismatch is returned as *LedgerInconsistencyError and left as is.
func (s *CaseService) Reconcile(ctx context.Context, userID int64) error {
	var balance models.LedgerMismatch
	err := s.run(ctx, "reconcile", func(tx *caseTx) error {
		b, err := tx.LedgerBalance(userID)
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return notFound(ReasonUnknownUser, 0, userID)
		}
		if err != nil {
			return fmt.Errorf("ledger balance for user %d: %w", userID, err)
		}
		balance = b
		return nil
	})
	if err != nil {
		return err
	}
	if balance.Cached != balance.Ledger {
		logger.Log.Errorw("ledger inconsistency", "user_id", userID, "cached", balance.Cached, "ledger", balance.Ledger)
		return &LedgerInconsistencyError{Mismatches: []models.LedgerMismatch{balance}}
	}
	return nil
}

// ReconcileAll audits every user. It updates the inconsistency gauge and
// returns the mismatches, wrapped in *LedgerInconsistencyError when there are any.
func (s *CaseService) ReconcileAll(ctx context.Context) ([]models.LedgerMismatch, error) {
	mismatches, err := s.auditor.LedgerMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger audit: %w", err)
	}
	s.metrics.SetLedgerInconsistencies(len(mismatches))
	if len(mismatches) == 0 {
		logger.Log.Debugw("ledger consistent")
		return nil, nil
	}

	for _, m := range mismatches {
		logger.Log.Errorw("ledger inconsistency", "user_id", m.UserID, "cached", m.Cached, "ledger", m.Ledger)
	}
	return mismatches, &LedgerInconsistencyError{Mismatches: mismatches}
}

// Leaderboard ranks users by cached score. Pages are cached until the next credit commits or the TTL expires.
func (s *CaseService) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	key := cache.LeaderboardKey(limit)

	if raw, ok, err := s.cache.Get(ctx, key); err != nil {
		logger.Log.Warnw("leaderboard cache read failed", "error", err)
	} else if ok {
		var cached []LeaderboardEntry
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
	}

	gen := s.board.generation()
	users, err := s.store.TopUsers(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("top users: %w", err)
	}
	board := make([]LeaderboardEntry, len(users))
	for i, u := range users {
		board[i] = LeaderboardEntry{Rank: i + 1, UserID: u.ID, Nickname: u.Nickname, Score: u.Score}
	}

	if raw, err := json.Marshal(board); err == nil {
		err := s.board.setIfCurrent(gen, func() error {
			return s.cache.Set(ctx, key, raw, s.cacheTTL)
		})
		if err != nil {
			logger.Log.Warnw("leaderboard cache write failed", "error", err)
		}
	}
	return board, nil
}

// boardGeneration counts committed credits. A page read before a credit
// committed is never written to the cache after that credit's invalidation.
type boardGeneration struct {
	mu  sync.Mutex
	gen uint64
}

func (b *boardGeneration) generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// bump must run before the cache is invalidated.
func (b *boardGeneration) bump() {
	b.mu.Lock()
	b.gen++
	b.mu.Unlock()
}

// setIfCurrent runs set only if no credit committed since gen was read.
func (b *boardGeneration) setIfCurrent(gen uint64, set func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return nil
	}
	return set()
}

func (s *CaseService) loadUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, notFound(ReasonUnknownUser, 0, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u, nil
}
