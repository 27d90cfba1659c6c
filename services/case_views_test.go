package services

import (
	"context"
	"testing"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

func caseIDs(views []CaseView) []int64 {
	out := make([]int64, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func TestCaseView_HidesAnswerUntilResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.advanceTo(t, state.StatusAssigned)

	v, err := f.svc.CaseView(ctx, f.caseID)
	if err != nil {
		t.Fatalf("CaseView failed: %v", err)
	}
	if v.ClientNickname != "clara" || v.CulpritNickname != "cole" || v.PoliceNickname != "pike" || v.DetectiveNickname != "dana" {
		t.Errorf("Unexpected nicknames: %+v", v)
	}
	if v.ActualCulpritID != 0 || v.Outcome != "" {
		t.Errorf("Answer leaked before resolution: %+v", v)
	}
	if !v.EvidenceFabricated {
		t.Error("An ASSIGNED case has fabricated evidence")
	}

	_, _ = f.svc.Resolve(ctx, ResolveRequest{CaseID: f.caseID, DetectiveID: detectiveID, GuessID: bystanderID})
	v, _ = f.svc.CaseView(ctx, f.caseID)
	if v.Outcome != OutcomeUnsolved || v.GuessNickname != "ben" || v.ActualCulpritNickname != "cole" {
		t.Errorf("Unexpected resolved view: %+v", v)
	}

	_, err = f.svc.CaseView(ctx, 9999)
	assertKind(t, err, ErrNotFound, ReasonNoSuchCase)
}

func TestRoleScopedListings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := &models.Case{Title: "Second", TrueCulpritID: bystanderID}
	_ = f.store.CreateCase(ctx, other, []models.EvidenceItem{{Description: "a", IsTrue: true}, {Description: "b", IsDecoyCandidate: true}})
	_, _ = f.svc.StartCase(ctx, StartCaseRequest{CaseID: other.ID, ClientID: bystanderID})

	f.advanceTo(t, state.StatusResolved)

	tests := []struct {
		name string
		list func(context.Context, int64) ([]CaseView, error)
		user int64
		want int
	}{
		{"client", f.svc.CasesForClient, clientID, 1},
		{"client of the second case", f.svc.CasesForClient, bystanderID, 1},
		{"culprit", f.svc.CasesForCulprit, culpritID, 1},
		{"police", f.svc.CasesForPolice, policeID, 1},
		{"detective", f.svc.CasesForDetective, detectiveID, 1},
		{"uninvolved", f.svc.CasesForDetective, bystanderID, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			views, err := tt.list(ctx, tt.user)
			if err != nil {
				t.Fatalf("Listing failed: %v", err)
			}
			if len(views) != tt.want {
				t.Errorf("Expected %d cases, got %v", tt.want, caseIDs(views))
			}
		})
	}

	detective, _ := f.svc.CasesForDetective(ctx, detectiveID)
	if detective[0].Outcome != OutcomeSolved || detective[0].ActualCulpritNickname != "cole" {
		t.Errorf("Detective should see the solved outcome, got %+v", detective[0])
	}

	_, err := f.svc.CasesForClient(ctx, 404)
	assertKind(t, err, ErrNotFound, ReasonUnknownUser)
}

func TestDashboards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unstarted := &models.Case{Title: "Unstarted", TrueCulpritID: culpritID}
	_ = f.store.CreateCase(ctx, unstarted, nil)

	_, _ = f.svc.StartCase(ctx, StartCaseRequest{CaseID: f.caseID, ClientID: clientID})
	available, err := f.svc.AvailableForCulprit(ctx)
	if err != nil {
		t.Fatalf("AvailableForCulprit failed: %v", err)
	}
	if ids := caseIDs(available); len(ids) != 1 || ids[0] != f.caseID {
		t.Errorf("Only the started case without a culprit is available, got %v", ids)
	}

	_, _ = f.svc.JoinAsCulprit(ctx, JoinRequest{CaseID: f.caseID, UserID: culpritID})
	if available, _ := f.svc.AvailableForCulprit(ctx); len(available) != 0 {
		t.Errorf("A joined case is no longer available, got %v", caseIDs(available))
	}

	if pending, _ := f.svc.PendingForPolice(ctx); len(pending) != 0 {
		t.Errorf("Nothing is pending before fabrication, got %v", caseIDs(pending))
	}
	_, _ = f.svc.Fabricate(ctx, FabricateRequest{CaseID: f.caseID, CulpritID: culpritID, DecoyDescription: "rope"})
	pending, _ := f.svc.PendingForPolice(ctx)
	if len(pending) != 1 || pending[0].CulpritNickname != "cole" || pending[0].ClientNickname != "clara" {
		t.Errorf("Expected the fabricated case pending with nicknames, got %+v", pending)
	}

	registered, _ := f.svc.ListCases(ctx, state.StatusRegistered)
	if len(registered) != 1 || registered[0].ID != unstarted.ID || registered[0].Started {
		t.Errorf("Expected only the unstarted case as REGISTERED, got %+v", registered)
	}

	_, err = f.svc.ListCases(ctx, state.Status("ARCHIVED"))
	assertKind(t, err, ErrInvalidInput, ReasonUnknownStatus)
}
