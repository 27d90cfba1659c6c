// services/case_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/casefile/cache"
	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/monitor"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/state"
)

// Notifier receives case events after the transaction that produced them commits.
type Notifier interface {
	Publish(event models.CaseEvent)
}

// CaseService is the only writer of case status, role slots, submitted
// evidence and scores. Every mutating method runs in one store transaction.
type CaseService struct {
	store     persistence.Store
	auditor   persistence.LedgerAuditor
	lifecycle state.StateMachine
	metrics   *monitor.Metrics
	notifier  Notifier
	cache     cache.Cache
	cacheTTL  time.Duration
	board     boardGeneration
	now       func() time.Time
}

type Option func(*CaseService)

func WithLifecycle(sm state.StateMachine) Option {
	return func(s *CaseService) { s.lifecycle = sm }
}

func WithMetrics(m *monitor.Metrics) Option {
	return func(s *CaseService) { s.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(s *CaseService) { s.notifier = n }
}

// WithCache caches leaderboard pages for ttl.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *CaseService) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithAuditor sends ReconcileAll to a, typically a read-only connection.
func WithAuditor(a persistence.LedgerAuditor) Option {
	return func(s *CaseService) { s.auditor = a }
}

func WithClock(now func() time.Time) Option {
	return func(s *CaseService) { s.now = now }
}

func NewCaseService(store persistence.Store, opts ...Option) *CaseService {
	s := &CaseService{
		store:     store,
		auditor:   store,
		lifecycle: state.NewCaseLifecycle(),
		cache:     cache.Noop{},
		cacheTTL:  15 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// caseTx is a store transaction that also collects what to announce once it commits.
type caseTx struct {
	persistence.Tx
	events  []models.CaseEvent
	credits []models.ScoreEntry
}

// run executes fn in a transaction and then publishes its events and credits.
func (s *CaseService) run(ctx context.Context, op string, fn func(tx *caseTx) error) error {
	start := s.now()
	var done *caseTx
	err := s.store.Transaction(ctx, func(tx persistence.Tx) error {
		ct := &caseTx{Tx: tx}
		if err := fn(ct); err != nil {
			return err
		}
		done = ct
		return nil
	})
	s.metrics.ObserveOperation(op, s.now().Sub(start))

	if err != nil {
		s.recordFailure(op, err)
		return err
	}
	s.afterCommit(ctx, done)
	return nil
}

func (s *CaseService) recordFailure(op string, err error) {
	kind := KindName(err)
	s.metrics.IncOperationError(op, kind)

	var ce *CaseError
	if errors.As(err, &ce) && errors.Is(err, ErrRoleAlreadyFilled) {
		s.metrics.IncRoleConflict(string(ce.Role))
	}
	if kind == "internal" {
		logger.Log.Warnw("operation failed", "op", op, "error", err)
		return
	}
	logger.Log.Debugw("operation rejected", "op", op, "kind", kind, "reason", ReasonOf(err))
}

func (s *CaseService) afterCommit(ctx context.Context, tx *caseTx) {
	for _, ev := range tx.events {
		s.metrics.ObserveTransition(ev.From.String(), ev.To.String())
		logger.Log.Infow("case advanced",
			"case_id", ev.CaseID,
			"from", ev.From,
			"to", ev.To,
			"action", ev.Action,
			"actor_id", ev.ActorID)
		if s.notifier != nil {
			s.notifier.Publish(ev)
		}
	}

	for _, c := range tx.credits {
		s.metrics.AddScorePoints(c.Reason, c.Delta)
	}
	if len(tx.credits) > 0 {
		s.board.bump()
		if err := s.cache.Invalidate(ctx, cache.LeaderboardPrefix); err != nil {
			logger.Log.Warnw("leaderboard cache invalidation failed", "error", err)
		}
	}
}

// lockCase locks the case and then its participation, in that order.
func (s *CaseService) lockCase(tx *caseTx, caseID, actorID int64) (*models.Case, *models.Participation, error) {
	c, err := tx.LockCase(caseID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, nil, notFound(ReasonNoSuchCase, caseID, actorID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock case %d: %w", caseID, err)
	}

	p, err := tx.LockParticipation(caseID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, nil, notFound(ReasonNoParticipation, caseID, actorID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock participation %d: %w", caseID, err)
	}
	return c, p, nil
}

func (s *CaseService) requireUser(tx *caseTx, caseID, userID int64) (*models.User, error) {
	if userID == 0 {
		return nil, invalidInput(ReasonMissingActor, caseID, 0)
	}
	u, err := tx.GetUser(userID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, notFound(ReasonUnknownUser, caseID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u, nil
}

// advance moves c to the next status through the lifecycle and records the
// event. Guards see p as bound so far and the evidence the store holds for c.
func (s *CaseService) advance(tx *caseTx, c *models.Case, p *models.Participation, to state.Status, action string, actorID int64) error {
	submitted, err := tx.HasSubmittedEvidence(c.ID)
	if err != nil {
		return fmt.Errorf("check submitted evidence for case %d: %w", c.ID, err)
	}
	if err := s.lifecycle.Advance(c.Status, to, p.Facts(submitted)); err != nil {
		reason := ReasonWrongStatus
		var te *state.TransitionError
		if errors.As(err, &te) && te.Reason == state.ReasonGuardFailed {
			reason = ReasonMissingActor
		}
		return invalidTransition(reason, c.ID, actorID, err)
	}
	if err := tx.SetCaseStatus(c.ID, to); err != nil {
		return fmt.Errorf("set case %d status: %w", c.ID, err)
	}

	tx.events = append(tx.events, models.CaseEvent{
		CaseID:  c.ID,
		From:    c.Status,
		To:      to,
		Action:  action,
		ActorID: actorID,
		At:      s.now(),
	})
	c.Status = to
	return nil
}

func (s *CaseService) save(tx *caseTx, p *models.Participation) error {
	if err := tx.SaveParticipation(p); err != nil {
		return fmt.Errorf("save participation %d: %w", p.CaseID, err)
	}
	return nil
}
