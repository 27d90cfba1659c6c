// services/role_coordinator.go
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/state"
)

type StartCaseRequest struct {
	CaseID   int64
	ClientID int64
}

type JoinRequest struct {
	CaseID int64
	UserID int64
}

type AcceptRequest struct {
	CaseID   int64
	PoliceID int64
}

type AssignRequest struct {
	CaseID      int64
	PoliceID    int64
	DetectiveID int64
}

type ResolveRequest struct {
	CaseID      int64
	DetectiveID int64
	GuessID     int64
}

// StartCase opens the case's participation with the client bound. The case must be REGISTERED and not yet started.
func (s *CaseService) StartCase(ctx context.Context, req StartCaseRequest) (*models.Participation, error) {
	var out *models.Participation
	err := s.run(ctx, "start_case", func(tx *caseTx) error {
		c, err := tx.LockCase(req.CaseID)
		if errors.Is(err, persistence.ErrRecordNotFound) {
			return notFound(ReasonNoSuchCase, req.CaseID, req.ClientID)
		}
		if err != nil {
			return fmt.Errorf("lock case %d: %w", req.CaseID, err)
		}
		if c.Status != state.StatusRegistered {
			return invalidTransition(ReasonAlreadyStarted, c.ID, req.ClientID, nil)
		}
		if _, err := s.requireUser(tx, c.ID, req.ClientID); err != nil {
			return err
		}

		_, err = tx.LockParticipation(c.ID)
		switch {
		case err == nil:
			return invalidTransition(ReasonAlreadyStarted, c.ID, req.ClientID, nil)
		case !errors.Is(err, persistence.ErrRecordNotFound):
			return fmt.Errorf("lock participation %d: %w", c.ID, err)
		}

		p := &models.Participation{CaseID: c.ID}
		p.Bind(models.RoleClient, req.ClientID)
		err = tx.CreateParticipation(p)
		if errors.Is(err, persistence.ErrDuplicate) {
			return invalidTransition(ReasonAlreadyStarted, c.ID, req.ClientID, err)
		}
		if err != nil {
			return fmt.Errorf("create participation %d: %w", c.ID, err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// JoinAsCulprit binds the culprit slot and credits the user. Status does not change.
func (s *CaseService) JoinAsCulprit(ctx context.Context, req JoinRequest) (*models.Participation, error) {
	var out *models.Participation
	err := s.run(ctx, "join_culprit", func(tx *caseTx) error {
		if req.UserID == 0 {
			return invalidInput(ReasonMissingActor, req.CaseID, 0)
		}
		c, p, err := s.lockCase(tx, req.CaseID, req.UserID)
		if err != nil {
			return err
		}
		if _, taken := p.Holder(models.RoleCulprit); taken {
			return roleFilled(models.RoleCulprit, c.ID, req.UserID)
		}
		if c.Status != state.StatusRegistered {
			return invalidTransition(ReasonWrongStatus, c.ID, req.UserID, nil)
		}
		if _, err := s.requireUser(tx, c.ID, req.UserID); err != nil {
			return err
		}

		p.Bind(models.RoleCulprit, req.UserID)
		if err := s.save(tx, p); err != nil {
			return err
		}
		if err := s.credit(tx, req.UserID, c.ID, PointsCulpritJoin, CreditCulpritJoin); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptAsPolice binds the police slot and advances FABRICATED to ACCEPTED. No credit.
func (s *CaseService) AcceptAsPolice(ctx context.Context, req AcceptRequest) (*models.Case, error) {
	var out *models.Case
	err := s.run(ctx, "accept_police", func(tx *caseTx) error {
		if req.PoliceID == 0 {
			return invalidInput(ReasonMissingActor, req.CaseID, 0)
		}
		c, p, err := s.lockCase(tx, req.CaseID, req.PoliceID)
		if err != nil {
			return err
		}
		if _, taken := p.Holder(models.RolePolice); taken {
			return roleFilled(models.RolePolice, c.ID, req.PoliceID)
		}
		if c.Status != state.StatusFabricated {
			return invalidTransition(ReasonWrongStatus, c.ID, req.PoliceID, nil)
		}
		if _, err := s.requireUser(tx, c.ID, req.PoliceID); err != nil {
			return err
		}

		p.Bind(models.RolePolice, req.PoliceID)
		if err := s.advance(tx, c, p, state.StatusAccepted, "accept", req.PoliceID); err != nil {
			return err
		}
		if err := s.save(tx, p); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AssignDetective binds the detective chosen by the case's police, credits
// both and advances ACCEPTED to ASSIGNED.
func (s *CaseService) AssignDetective(ctx context.Context, req AssignRequest) (*models.Case, error) {
	var out *models.Case
	err := s.run(ctx, "assign_detective", func(tx *caseTx) error {
		if req.PoliceID == 0 || req.DetectiveID == 0 {
			return invalidInput(ReasonMissingActor, req.CaseID, req.DetectiveID)
		}
		c, p, err := s.lockCase(tx, req.CaseID, req.DetectiveID)
		if err != nil {
			return err
		}
		if _, taken := p.Holder(models.RoleDetective); taken {
			return roleFilled(models.RoleDetective, c.ID, req.DetectiveID)
		}
		if c.Status != state.StatusAccepted {
			return invalidTransition(ReasonWrongStatus, c.ID, req.PoliceID, nil)
		}
		if police, _ := p.Holder(models.RolePolice); police != req.PoliceID {
			return invalidInput(ReasonActorMismatch, c.ID, req.PoliceID)
		}
		if _, err := s.requireUser(tx, c.ID, req.DetectiveID); err != nil {
			return err
		}

		p.Bind(models.RoleDetective, req.DetectiveID)
		if err := s.advance(tx, c, p, state.StatusAssigned, "assign", req.PoliceID); err != nil {
			return err
		}
		if err := s.save(tx, p); err != nil {
			return err
		}
		// users rows are locked in ascending id order across every transaction
		credits := []struct {
			userID int64
			points int64
			reason string
		}{
			{req.PoliceID, PointsPoliceAssignment, CreditPoliceAssignment},
			{req.DetectiveID, PointsDetectiveAssignment, CreditDetectiveAssignment},
		}
		if credits[1].userID < credits[0].userID {
			credits[0], credits[1] = credits[1], credits[0]
		}
		for _, cr := range credits {
			if err := s.credit(tx, cr.userID, c.ID, cr.points, cr.reason); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve records the bound detective's guess and closes the case. IsSolved is
// whether the guess names the true culprit. No credit.
func (s *CaseService) Resolve(ctx context.Context, req ResolveRequest) (*models.Participation, error) {
	var out *models.Participation
	err := s.run(ctx, "resolve", func(tx *caseTx) error {
		if req.DetectiveID == 0 || req.GuessID == 0 {
			return invalidInput(ReasonMissingActor, req.CaseID, req.DetectiveID)
		}
		c, p, err := s.lockCase(tx, req.CaseID, req.DetectiveID)
		if err != nil {
			return err
		}
		if c.Status != state.StatusAssigned {
			return invalidTransition(ReasonWrongStatus, c.ID, req.DetectiveID, nil)
		}
		if detective, _ := p.Holder(models.RoleDetective); detective != req.DetectiveID {
			return invalidInput(ReasonActorMismatch, c.ID, req.DetectiveID)
		}
		if _, err := s.requireUser(tx, c.ID, req.GuessID); err != nil {
			return err
		}

		guess := req.GuessID
		solved := guess == c.TrueCulpritID
		p.DetectiveGuessID = &guess
		p.IsSolved = &solved
		if err := s.advance(tx, c, p, state.StatusResolved, "resolve", req.DetectiveID); err != nil {
			return err
		}
		if err := s.save(tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
