package rpc

import (
	"context"
	"errors"
	"time"

	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/services"
	"github.com/wfunc/casefile/state"
)

// ServiceName is the name CaseRPC is registered under.
const ServiceName = "Case"

const defaultCallTimeout = 10 * time.Second

// CaseRPC exposes the case core over net/rpc. Every method follows the
// net/rpc shape: exported args, pointer reply, error return.
type CaseRPC struct {
	cases   *services.CaseService
	timeout time.Duration
}

func NewCaseRPC(cases *services.CaseService, timeout time.Duration) *CaseRPC {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &CaseRPC{cases: cases, timeout: timeout}
}

func (r *CaseRPC) call(method string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && services.KindName(err) == "internal" {
		logger.Log.Warnw("rpc call failed", "method", method, "error", err)
	}
	return toFault(err)
}

type StartCaseArgs struct {
	CaseID   int64
	ClientID int64
}

type ParticipationReply struct {
	Participation models.Participation
}

func (r *CaseRPC) StartCase(args *StartCaseArgs, reply *ParticipationReply) error {
	return r.call("StartCase", func(ctx context.Context) error {
		p, err := r.cases.StartCase(ctx, services.StartCaseRequest{CaseID: args.CaseID, ClientID: args.ClientID})
		if err != nil {
			return err
		}
		reply.Participation = *p
		return nil
	})
}

type JoinArgs struct {
	CaseID int64
	UserID int64
}

func (r *CaseRPC) JoinAsCulprit(args *JoinArgs, reply *ParticipationReply) error {
	return r.call("JoinAsCulprit", func(ctx context.Context) error {
		p, err := r.cases.JoinAsCulprit(ctx, services.JoinRequest{CaseID: args.CaseID, UserID: args.UserID})
		if err != nil {
			return err
		}
		reply.Participation = *p
		return nil
	})
}

type FabricateArgs struct {
	CaseID           int64
	CulpritID        int64
	DecoyDescription string
}

type FabricateReply struct {
	Submitted []models.SubmittedEvidence
}

func (r *CaseRPC) Fabricate(args *FabricateArgs, reply *FabricateReply) error {
	return r.call("Fabricate", func(ctx context.Context) error {
		set, err := r.cases.Fabricate(ctx, services.FabricateRequest{
			CaseID: args.CaseID, CulpritID: args.CulpritID, DecoyDescription: args.DecoyDescription,
		})
		reply.Submitted = set
		return err
	})
}

type AcceptArgs struct {
	CaseID   int64
	PoliceID int64
}

type CaseReply struct {
	Case models.Case
}

func (r *CaseRPC) AcceptAsPolice(args *AcceptArgs, reply *CaseReply) error {
	return r.call("AcceptAsPolice", func(ctx context.Context) error {
		c, err := r.cases.AcceptAsPolice(ctx, services.AcceptRequest{CaseID: args.CaseID, PoliceID: args.PoliceID})
		if err != nil {
			return err
		}
		reply.Case = *c
		return nil
	})
}

type AssignArgs struct {
	CaseID      int64
	PoliceID    int64
	DetectiveID int64
}

func (r *CaseRPC) AssignDetective(args *AssignArgs, reply *CaseReply) error {
	return r.call("AssignDetective", func(ctx context.Context) error {
		c, err := r.cases.AssignDetective(ctx, services.AssignRequest{
			CaseID: args.CaseID, PoliceID: args.PoliceID, DetectiveID: args.DetectiveID,
		})
		if err != nil {
			return err
		}
		reply.Case = *c
		return nil
	})
}

type ResolveArgs struct {
	CaseID      int64
	DetectiveID int64
	GuessID     int64
}

func (r *CaseRPC) Resolve(args *ResolveArgs, reply *ParticipationReply) error {
	return r.call("Resolve", func(ctx context.Context) error {
		p, err := r.cases.Resolve(ctx, services.ResolveRequest{
			CaseID: args.CaseID, DetectiveID: args.DetectiveID, GuessID: args.GuessID,
		})
		if err != nil {
			return err
		}
		reply.Participation = *p
		return nil
	})
}

type CaseIDArgs struct {
	CaseID int64
}

type CaseViewReply struct {
	View services.CaseView
}

func (r *CaseRPC) CaseView(args *CaseIDArgs, reply *CaseViewReply) error {
	return r.call("CaseView", func(ctx context.Context) error {
		v, err := r.cases.CaseView(ctx, args.CaseID)
		if err != nil {
			return err
		}
		reply.View = *v
		return nil
	})
}

type ListCasesArgs struct {
	Statuses []state.Status
}

type CaseListReply struct {
	Cases []services.CaseView
}

func (r *CaseRPC) ListCases(args *ListCasesArgs, reply *CaseListReply) error {
	return r.call("ListCases", func(ctx context.Context) error {
		views, err := r.cases.ListCases(ctx, args.Statuses...)
		reply.Cases = views
		return err
	})
}

type RoleCasesArgs struct {
	Role   models.Role
	UserID int64
}

// CasesForRole lists the cases in which UserID holds Role.
func (r *CaseRPC) CasesForRole(args *RoleCasesArgs, reply *CaseListReply) error {
	return r.call("CasesForRole", func(ctx context.Context) error {
		var list func(context.Context, int64) ([]services.CaseView, error)
		switch args.Role {
		case models.RoleClient:
			list = r.cases.CasesForClient
		case models.RoleCulprit:
			list = r.cases.CasesForCulprit
		case models.RolePolice:
			list = r.cases.CasesForPolice
		case models.RoleDetective:
			list = r.cases.CasesForDetective
		default:
			return &services.CaseError{Kind: services.ErrInvalidInput, Reason: ReasonUnknownRole, UserID: args.UserID, Role: args.Role}
		}
		views, err := list(ctx, args.UserID)
		reply.Cases = views
		return err
	})
}

// ReasonUnknownRole is reported by CasesForRole for a role outside the four slots.
const ReasonUnknownRole = "unknown_role"

type Empty struct{}

func (r *CaseRPC) AvailableForCulprit(_ *Empty, reply *CaseListReply) error {
	return r.call("AvailableForCulprit", func(ctx context.Context) error {
		views, err := r.cases.AvailableForCulprit(ctx)
		reply.Cases = views
		return err
	})
}

func (r *CaseRPC) PendingForPolice(_ *Empty, reply *CaseListReply) error {
	return r.call("PendingForPolice", func(ctx context.Context) error {
		views, err := r.cases.PendingForPolice(ctx)
		reply.Cases = views
		return err
	})
}

type FabricationDetailsReply struct {
	Details services.FabricationDetails
}

func (r *CaseRPC) FabricationDetails(args *CaseIDArgs, reply *FabricationDetailsReply) error {
	return r.call("FabricationDetails", func(ctx context.Context) error {
		d, err := r.cases.FabricationDetails(ctx, args.CaseID)
		if err != nil {
			return err
		}
		reply.Details = *d
		return nil
	})
}

type SubmittedEvidenceReply struct {
	Evidence []services.EvidenceView
}

func (r *CaseRPC) SubmittedEvidence(args *CaseIDArgs, reply *SubmittedEvidenceReply) error {
	return r.call("SubmittedEvidence", func(ctx context.Context) error {
		views, err := r.cases.SubmittedEvidence(ctx, args.CaseID)
		reply.Evidence = views
		return err
	})
}

type LeaderboardArgs struct {
	Limit int
}

type LeaderboardReply struct {
	Entries []services.LeaderboardEntry
}

func (r *CaseRPC) Leaderboard(args *LeaderboardArgs, reply *LeaderboardReply) error {
	return r.call("Leaderboard", func(ctx context.Context) error {
		entries, err := r.cases.Leaderboard(ctx, args.Limit)
		reply.Entries = entries
		return err
	})
}

type UserArgs struct {
	UserID int64
}

type TotalScoreReply struct {
	Score int64
}

func (r *CaseRPC) TotalScore(args *UserArgs, reply *TotalScoreReply) error {
	return r.call("TotalScore", func(ctx context.Context) error {
		total, err := r.cases.TotalFor(ctx, args.UserID)
		reply.Score = total
		return err
	})
}

type ScoreLogReply struct {
	Entries []models.ScoreEntry
}

func (r *CaseRPC) ScoreLog(args *UserArgs, reply *ScoreLogReply) error {
	return r.call("ScoreLog", func(ctx context.Context) error {
		entries, err := r.cases.ScoreLog(ctx, args.UserID)
		reply.Entries = entries
		return err
	})
}

type CreditArgs struct {
	UserID int64
	CaseID int64
	Delta  int64
	Reason string
}

type CreditReply struct {
	Entry models.ScoreEntry
}

func (r *CaseRPC) Credit(args *CreditArgs, reply *CreditReply) error {
	return r.call("Credit", func(ctx context.Context) error {
		entry, err := r.cases.Credit(ctx, services.CreditRequest{
			UserID: args.UserID, CaseID: args.CaseID, Delta: args.Delta, Reason: args.Reason,
		})
		if err != nil {
			return err
		}
		reply.Entry = *entry
		return nil
	})
}

type ReconcileReply struct {
	Consistent bool
	Mismatches []models.LedgerMismatch
}

// ReconcileAll reports drift in the reply rather than as a fault, since
// net/rpc drops the reply body of a failed call.
func (r *CaseRPC) ReconcileAll(_ *Empty, reply *ReconcileReply) error {
	return r.call("ReconcileAll", func(ctx context.Context) error {
		mismatches, err := r.cases.ReconcileAll(ctx)
		if err != nil && !errors.Is(err, services.ErrLedgerInconsistency) {
			return err
		}
		reply.Consistent = len(mismatches) == 0
		reply.Mismatches = mismatches
		return nil
	})
}
