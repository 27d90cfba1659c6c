package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/monitor"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/state"
)

func TestStartCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID, ClientID: clientID})
	if err != nil {
		t.Fatalf("StartCase failed: %v", err)
	}
	if p.ClientID != clientID || p.CaseID != f.caseID {
		t.Errorf("Unexpected participation: %+v", p)
	}

	_, err = f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID, ClientID: bystanderID})
	assertKind(t, err, ErrInvalidTransition, ReasonAlreadyStarted)

	_, err = f.svc.StartCase(ctx, StartCaseRequest{CaseID: 9999, ClientID: clientID})
	assertKind(t, err, ErrNotFound, ReasonNoSuchCase)
}

func TestStartCase_UnknownClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID, ClientID: 404})
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)

	_, err = f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID})
	assertKind(t, err, ErrInvalidInput, ReasonMissingActor)
}

func TestJoinAsCulprit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.JoinAsCulprit(ctx, JoinRequest{CaseID: f.caseID, UserID: culpritID})
	assertKind(t, err, ErrNotFound, ReasonNoParticipation)

	f.advanceTo(t, state.StatusRegistered)
	// advanceTo already joined culpritID
	if got := f.score(t, culpritID); got != 1 {
		t.Errorf("Joining as culprit should credit 1 point, got %d", got)
	}
	if st := f.status(t); st != state.StatusRegistered {
		t.Errorf("Joining must not change status, got %s", st)
	}

	_, err = f.svc.JoinAsCulprit(ctx, JoinRequest{CaseID: f.caseID, UserID: bystanderID})
	assertKind(t, err, ErrRoleAlreadyFilled, ReasonRoleTaken)
	if got := f.score(t, bystanderID); got != 0 {
		t.Errorf("A refused join must not credit, got %d", got)
	}

	p, _ := f.store.GetParticipation(ctx, f.caseID)
	if id, _ := p.Holder(models.RoleCulprit); id != culpritID {
		t.Errorf("Culprit should remain %d, got %d", culpritID, id)
	}
}

func TestJoinAsCulprit_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics("test", reg)
	f := newFixture(t, WithMetrics(metrics))
	ctx := context.Background()

	const contenders = 40
	for i := int64(0); i < contenders; i++ {
		_ = f.store.CreateUser(ctx, &models.User{ID: 100 + i, Nickname: "contender"})
	}
	if _, err := f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID, ClientID: clientID}); err != nil {
		t.Fatalf("StartCase failed: %v", err)
	}

	var wins, conflicts, other atomic.Int64
	var g errgroup.Group
	for i := int64(0); i < contenders; i++ {
		user := 100 + i
		g.Go(func() error {
			_, err := f.svc.JoinAsCulprit(ctx, JoinRequest{CaseID: f.caseID, UserID: user})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrRoleAlreadyFilled):
				conflicts.Add(1)
			default:
				other.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if wins.Load() != 1 || conflicts.Load() != contenders-1 || other.Load() != 0 {
		t.Fatalf("Expected 1 win and %d conflicts, got %d wins, %d conflicts, %d other",
			contenders-1, wins.Load(), conflicts.Load(), other.Load())
	}

	var total int64
	for i := int64(0); i < contenders; i++ {
		total += f.score(t, 100+i)
	}
	if total != 1 {
		t.Errorf("Exactly one point should be credited across contenders, got %d", total)
	}
	if got := testutil.ToFloat64(metrics.RoleConflicts.WithLabelValues("culprit")); got != contenders-1 {
		t.Errorf("Expected %d role conflicts recorded, got %v", contenders-1, got)
	}
}

func TestAcceptAsPolice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusRegistered)

	_, err := f.svc.AcceptAsPolice(ctx, AcceptRequest{CaseID: f.caseID, PoliceID: policeID})
	assertKind(t, err, ErrInvalidTransition, ReasonWrongStatus)

	_, _ = f.svc.Fabricate(ctx, FabricateRequest{CaseID: f.caseID, CulpritID: culpritID, DecoyDescription: "knife"})

	c, err := f.svc.AcceptAsPolice(ctx, AcceptRequest{CaseID: f.caseID, PoliceID: policeID})
	if err != nil {
		t.Fatalf("AcceptAsPolice failed: %v", err)
	}
	if c.Status != state.StatusAccepted {
		t.Errorf("Expected ACCEPTED, got %s", c.Status)
	}
	if got := f.score(t, policeID); got != 0 {
		t.Errorf("Accepting must not credit, got %d", got)
	}

	_, err = f.svc.AcceptAsPolice(ctx, AcceptRequest{CaseID: f.caseID, PoliceID: bystanderID})
	assertKind(t, err, ErrRoleAlreadyFilled, "")
}

func TestAssignDetective(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAccepted)

	_, err := f.svc.AssignDetective(ctx, AssignRequest{CaseID: f.caseID, PoliceID: bystanderID, DetectiveID: detectiveID})
	assertKind(t, err, ErrInvalidInput, ReasonActorMismatch)

	_, err = f.svc.AssignDetective(ctx, AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: 404})
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)

	c, err := f.svc.AssignDetective(ctx, AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: detectiveID})
	if err != nil {
		t.Fatalf("AssignDetective failed: %v", err)
	}
	if c.Status != state.StatusAssigned {
		t.Errorf("Expected ASSIGNED, got %s", c.Status)
	}
	if f.score(t, policeID) != 2 || f.score(t, detectiveID) != 1 {
		t.Errorf("Expected police +2 and detective +1, got %d and %d", f.score(t, policeID), f.score(t, detectiveID))
	}

	before, _ := f.store.GetParticipation(ctx, f.caseID)
	_, err = f.svc.AssignDetective(ctx, AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: bystanderID})
	assertKind(t, err, ErrRoleAlreadyFilled, ReasonRoleTaken)

	after, _ := f.store.GetParticipation(ctx, f.caseID)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("Refused assignment changed the participation (-before +after):\n%s", diff)
	}
	if f.score(t, policeID) != 2 {
		t.Error("A refused assignment must not credit the police again")
	}
	f.assertLedgerConsistent(t)
}

func TestAssignDetective_CreditsInUserIDOrder(t *testing.T) {
	tests := []struct {
		name      string
		detective int64
		want      []int64
	}{
		{"police first", detectiveID, []int64{policeID, detectiveID}},
		{"detective first", clientID, []int64{clientID, policeID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.advanceTo(t, state.StatusAccepted)

			var order []int64
			svc := NewCaseService(&wrapStore{Store: f.store, wrap: func(tx persistence.Tx) persistence.Tx {
				return scoreOrderTx{Tx: tx, order: &order}
			}})
			_, err := svc.AssignDetective(context.Background(), AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: tt.detective})
			if err != nil {
				t.Fatalf("AssignDetective failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, order); diff != "" {
				t.Errorf("Credit order mismatch (-want +got):\n%s", diff)
			}
			if f.score(t, policeID) != PointsPoliceAssignment || f.score(t, tt.detective) != PointsDetectiveAssignment {
				t.Errorf("Unexpected totals: police %d, detective %d", f.score(t, policeID), f.score(t, tt.detective))
			}
			f.assertLedgerConsistent(t)
		})
	}
}

func TestAdvance_EvidenceFactComesFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusRegistered)

	blind := NewCaseService(&wrapStore{Store: f.store, wrap: func(tx persistence.Tx) persistence.Tx {
		return noEvidenceTx{Tx: tx}
	}})
	_, err := blind.Fabricate(ctx, FabricateRequest{CaseID: f.caseID, CulpritID: culpritID, DecoyDescription: "rope"})
	assertKind(t, err, ErrInvalidTransition, ReasonMissingActor)
	if st := f.status(t); st != state.StatusRegistered {
		t.Errorf("Refused fabrication moved the case to %s", st)
	}
	if set, _ := f.store.ListSubmittedEvidence(ctx, f.caseID); len(set) != 0 {
		t.Errorf("Refused fabrication left %d submitted items", len(set))
	}

	if _, err := f.svc.Fabricate(ctx, FabricateRequest{CaseID: f.caseID, CulpritID: culpritID, DecoyDescription: "rope"}); err != nil {
		t.Fatalf("Fabricate failed: %v", err)
	}
	_, err = blind.AcceptAsPolice(ctx, AcceptRequest{CaseID: f.caseID, PoliceID: policeID})
	assertKind(t, err, ErrInvalidTransition, ReasonMissingActor)
	if p, _ := f.store.GetParticipation(ctx, f.caseID); p.PoliceID != nil {
		t.Errorf("Refused acceptance bound police %d", *p.PoliceID)
	}

	broken := NewCaseService(&wrapStore{Store: f.store, wrap: func(tx persistence.Tx) persistence.Tx {
		return noEvidenceTx{Tx: tx, err: errDiskFull}
	}})
	_, err = broken.AcceptAsPolice(ctx, AcceptRequest{CaseID: f.caseID, PoliceID: policeID})
	if !errors.Is(err, errDiskFull) || KindName(err) != "internal" {
		t.Errorf("Expected an internal store failure, got: %v", err)
	}
}

func TestAssignDetective_RequiresAccepted(t *testing.T) {
	f := newFixture(t)
	f.advanceTo(t, state.StatusFabricated)

	_, err := f.svc.AssignDetective(context.Background(), AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: detectiveID})
	assertKind(t, err, ErrInvalidTransition, ReasonWrongStatus)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAccepted)

	_, err := f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: detectiveID, GuessID: culpritID})
	assertKind(t, err, ErrInvalidTransition, ReasonWrongStatus)

	_, _ = f.svc.AssignDetective(ctx, AssignRequest{CaseID: f.caseID, PoliceID: policeID, DetectiveID: detectiveID})

	_, err = f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: bystanderID, GuessID: culpritID})
	assertKind(t, err, ErrInvalidInput, ReasonActorMismatch)

	_, err = f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: detectiveID, GuessID: 404})
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)

	p, err := f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: detectiveID, GuessID: bystanderID})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.IsSolved == nil || *p.IsSolved {
		t.Error("A wrong guess should leave the case unsolved")
	}
	if *p.DetectiveGuessID != bystanderID {
		t.Errorf("Expected guess %d, got %d", bystanderID, *p.DetectiveGuessID)
	}

	_, err = f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: detectiveID, GuessID: culpritID})
	assertKind(t, err, ErrInvalidTransition, ReasonWrongStatus)
}
