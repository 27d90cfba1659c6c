// services/case_views.go
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

type Outcome string

const (
	OutcomeSolved   Outcome = "solved"
	OutcomeUnsolved Outcome = "unsolved"
)

// CaseView joins a case with its participation and nicknames. The actual
// culprit and the outcome are filled only once the case is RESOLVED.
type CaseView struct {
	ID                    int64        `json:"id"`
	Title                 string       `json:"title"`
	Description           string       `json:"description"`
	Difficulty            int          `json:"difficulty"`
	Status                state.Status `json:"status"`
	Started               bool         `json:"started"`
	ClientID              int64        `json:"client_id,omitempty"`
	ClientNickname        string       `json:"client_nickname,omitempty"`
	CulpritID             int64        `json:"culprit_id,omitempty"`
	CulpritNickname       string       `json:"culprit_nickname,omitempty"`
	PoliceID              int64        `json:"police_id,omitempty"`
	PoliceNickname        string       `json:"police_nickname,omitempty"`
	DetectiveID           int64        `json:"detective_id,omitempty"`
	DetectiveNickname     string       `json:"detective_nickname,omitempty"`
	GuessID               int64        `json:"guess_id,omitempty"`
	GuessNickname         string       `json:"guess_nickname,omitempty"`
	ActualCulpritID       int64        `json:"actual_culprit_id,omitempty"`
	ActualCulpritNickname string       `json:"actual_culprit_nickname,omitempty"`
	Outcome               Outcome      `json:"outcome,omitempty"`
	EvidenceFabricated    bool         `json:"evidence_fabricated"`
	CreatedAt             time.Time    `json:"created_at"`
}

// ListCases returns cases in any of statuses; all cases when none are given.
func (s *CaseService) ListCases(ctx context.Context, statuses ...state.Status) ([]CaseView, error) {
	for _, st := range statuses {
		if !st.Valid() {
			return nil, invalidInput(ReasonUnknownStatus, 0, 0)
		}
	}
	cases, err := s.store.ListCases(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return s.project(ctx, cases)
}

func (s *CaseService) CaseView(ctx context.Context, caseID int64) (*CaseView, error) {
	c, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	views, err := s.project(ctx, []models.Case{*c})
	if err != nil {
		return nil, err
	}
	return &views[0], nil
}

func (s *CaseService) CasesForClient(ctx context.Context, userID int64) ([]CaseView, error) {
	return s.casesForRole(ctx, models.RoleClient, userID)
}

func (s *CaseService) CasesForCulprit(ctx context.Context, userID int64) ([]CaseView, error) {
	return s.casesForRole(ctx, models.RoleCulprit, userID)
}

func (s *CaseService) CasesForPolice(ctx context.Context, userID int64) ([]CaseView, error) {
	return s.casesForRole(ctx, models.RolePolice, userID)
}

func (s *CaseService) CasesForDetective(ctx context.Context, userID int64) ([]CaseView, error) {
	return s.casesForRole(ctx, models.RoleDetective, userID)
}

// AvailableForCulprit lists started REGISTERED cases nobody has joined as culprit yet.
func (s *CaseService) AvailableForCulprit(ctx context.Context) ([]CaseView, error) {
	views, err := s.ListCases(ctx, state.StatusRegistered)
	if err != nil {
		return nil, err
	}
	out := views[:0]
	for _, v := range views {
		if v.Started && v.CulpritID == 0 {
			out = append(out, v)
		}
	}
	return out, nil
}

// PendingForPolice lists cases waiting on police: FABRICATED to accept, ACCEPTED to assign.
func (s *CaseService) PendingForPolice(ctx context.Context) ([]CaseView, error) {
	return s.ListCases(ctx, state.StatusFabricated, state.StatusAccepted)
}

func (s *CaseService) casesForRole(ctx context.Context, role models.Role, userID int64) ([]CaseView, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	parts, err := s.store.ListParticipationsByRole(ctx, role, userID)
	if err != nil {
		return nil, fmt.Errorf("list %s participations for user %d: %w", role, userID, err)
	}
	ids := make([]int64, len(parts))
	for i, p := range parts {
		ids[i] = p.CaseID
	}
	cases, err := s.store.ListCasesByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return s.project(ctx, cases)
}

// project loads participations and nicknames for cases in two batched reads.
func (s *CaseService) project(ctx context.Context, cases []models.Case) ([]CaseView, error) {
	views := make([]CaseView, 0, len(cases))
	if len(cases) == 0 {
		return views, nil
	}

	ids := make([]int64, len(cases))
	for i, c := range cases {
		ids[i] = c.ID
	}
	parts, err := s.store.ListParticipations(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	byCase := make(map[int64]*models.Participation, len(parts))
	for i := range parts {
		byCase[parts[i].CaseID] = &parts[i]
	}

	var userIDs []int64
	for _, c := range cases {
		if c.Status.Terminal() {
			userIDs = append(userIDs, c.TrueCulpritID)
		}
		p, ok := byCase[c.ID]
		if !ok {
			continue
		}
		for _, role := range []models.Role{models.RoleClient, models.RoleCulprit, models.RolePolice, models.RoleDetective} {
			if id, bound := p.Holder(role); bound {
				userIDs = append(userIDs, id)
			}
		}
		if p.DetectiveGuessID != nil {
			userIDs = append(userIDs, *p.DetectiveGuessID)
		}
	}
	users, err := s.store.GetUsers(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	nick := func(id int64) string { return users[id].Nickname }

	for _, c := range cases {
		v := CaseView{
			ID:                 c.ID,
			Title:              c.Title,
			Description:        c.Description,
			Difficulty:         c.Difficulty,
			Status:             c.Status,
			EvidenceFabricated: c.Status.Reached(state.StatusFabricated),
			CreatedAt:          c.CreatedAt,
		}
		if p, ok := byCase[c.ID]; ok {
			v.Started = true
			v.ClientID = p.ClientID
			v.ClientNickname = nick(p.ClientID)
			if id, ok := p.Holder(models.RoleCulprit); ok {
				v.CulpritID, v.CulpritNickname = id, nick(id)
			}
			if id, ok := p.Holder(models.RolePolice); ok {
				v.PoliceID, v.PoliceNickname = id, nick(id)
			}
			if id, ok := p.Holder(models.RoleDetective); ok {
				v.DetectiveID, v.DetectiveNickname = id, nick(id)
			}
			if p.DetectiveGuessID != nil {
				v.GuessID, v.GuessNickname = *p.DetectiveGuessID, nick(*p.DetectiveGuessID)
			}
			if c.Status.Terminal() && p.IsSolved != nil {
				v.Outcome = OutcomeUnsolved
				if *p.IsSolved {
					v.Outcome = OutcomeSolved
				}
			}
		}
		if c.Status.Terminal() {
			v.ActualCulpritID, v.ActualCulpritNickname = c.TrueCulpritID, nick(c.TrueCulpritID)
		}
		views = append(views, v)
	}
	return views, nil
}
