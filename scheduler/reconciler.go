package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/services"
)

// LedgerReconciler is the part of CaseService the reconciler drives.
type LedgerReconciler interface {
	ReconcileAll(ctx context.Context) ([]models.LedgerMismatch, error)
}

// Reconciler audits the score ledger on a fixed interval. It only reports;
// repairs are left to an operator.
type Reconciler struct {
	sched    gocron.Scheduler
	ledger   LedgerReconciler
	interval time.Duration
	timeout  time.Duration
}

func NewReconciler(ledger LedgerReconciler, interval time.Duration) (*Reconciler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		sched:    sched,
		ledger:   ledger,
		interval: interval,
		timeout:  time.Minute,
	}, nil
}

// Start schedules the audit, running it once immediately. Runs never overlap.
func (r *Reconciler) Start(ctx context.Context) error {
	_, err := r.sched.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			r.RunOnce(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithName("ledger-reconcile"),
	)
	if err != nil {
		return err
	}
	r.sched.Start()
	logger.Log.Infow("ledger reconciler started", "interval", r.interval)
	return nil
}

// RunOnce performs one audit and returns the number of mismatched users.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	mismatches, err := r.ledger.ReconcileAll(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, services.ErrLedgerInconsistency):
		logger.Log.Errorw("ledger audit found drift", "users", len(mismatches))
		return len(mismatches)
	default:
		logger.Log.Warnw("ledger audit failed", "error", err)
		return 0
	}
}

func (r *Reconciler) Stop() error {
	return r.sched.Shutdown()
}
