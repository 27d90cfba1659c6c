// services/evidence_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/persistence"
	"github.com/wfunc/casefile/state"
)

type FabricateRequest struct {
	CaseID           int64
	CulpritID        int64
	DecoyDescription string
}

// FabricationDetails is what the culprit chooses from.
type FabricationDetails struct {
	CaseID      int64                 `json:"case_id"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Status      state.Status          `json:"status"`
	Evidence    []models.EvidenceItem `json:"evidence"`
}

// EvidenceView is a submitted item as the detective sees it. IsTrue stays nil until the case is resolved.
type EvidenceView struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	IsTrue      *bool  `json:"is_true,omitempty"`
}

// Fabricate replaces the case's submitted set with every true item plus the
// chosen decoy. The first fabrication advances REGISTERED to FABRICATED;
// repeats while FABRICATED replace the set and keep the status.
func (s *CaseService) Fabricate(ctx context.Context, req FabricateRequest) ([]models.SubmittedEvidence, error) {
	decoy := strings.TrimSpace(req.DecoyDescription)
	if decoy == "" {
		err := invalidInput(ReasonEmptySelection, req.CaseID, req.CulpritID)
		s.recordFailure("fabricate", err)
		return nil, err
	}

	var set []models.SubmittedEvidence
	err := s.run(ctx, "fabricate", func(tx *caseTx) error {
		c, p, err := s.lockCase(tx, req.CaseID, req.CulpritID)
		if err != nil {
			return err
		}

		culprit, bound := p.Holder(models.RoleCulprit)
		if !bound {
			return invalidTransition(ReasonMissingActor, c.ID, req.CulpritID, nil)
		}
		if culprit != req.CulpritID {
			return invalidInput(ReasonActorMismatch, c.ID, req.CulpritID)
		}
		if c.Status != state.StatusRegistered && c.Status != state.StatusFabricated {
			return invalidTransition(ReasonWrongStatus, c.ID, req.CulpritID, nil)
		}

		items, err := tx.ListEvidence(c.ID)
		if err != nil {
			return fmt.Errorf("list evidence for case %d: %w", c.ID, err)
		}
		set, err = buildSubmittedSet(c.ID, req.CulpritID, items, decoy)
		if err != nil {
			return err
		}
		if err := tx.ReplaceSubmittedEvidence(c.ID, set); err != nil {
			return fmt.Errorf("replace submitted evidence for case %d: %w", c.ID, err)
		}

		if c.Status == state.StatusRegistered {
			return s.advance(tx, c, p, state.StatusFabricated, "fabricate", req.CulpritID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// buildSubmittedSet picks every true item, in catalogue order, followed by the named decoy candidate.
func buildSubmittedSet(caseID, culpritID int64, items []models.EvidenceItem, decoy string) ([]models.SubmittedEvidence, error) {
	var (
		set   []models.SubmittedEvidence
		chose *models.EvidenceItem
	)
	for i := range items {
		it := &items[i]
		if it.IsTrue {
			set = append(set, models.SubmittedEvidence{
				CaseID:           caseID,
				SourceEvidenceID: it.ID,
				Description:      it.Description,
				IsTrue:           true,
			})
			continue
		}
		if chose == nil && it.IsDecoyCandidate && it.Description == decoy {
			chose = it
		}
	}

	if chose == nil {
		return nil, notFound(ReasonUnknownDecoy, caseID, culpritID)
	}
	if len(set) == 0 {
		return nil, notFound(ReasonNoTrueEvidence, caseID, culpritID)
	}
	return append(set, models.SubmittedEvidence{
		CaseID:           caseID,
		SourceEvidenceID: chose.ID,
		Description:      chose.Description,
		IsTrue:           false,
	}), nil
}

// FabricationDetails returns the case and its whole evidence catalogue.
func (s *CaseService) FabricationDetails(ctx context.Context, caseID int64) (*FabricationDetails, error) {
	c, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListEvidence(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list evidence for case %d: %w", caseID, err)
	}
	return &FabricationDetails{
		CaseID:      c.ID,
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		Evidence:    items,
	}, nil
}

// SubmittedEvidence is the detective's view of the submitted set; empty before fabrication.
func (s *CaseService) SubmittedEvidence(ctx context.Context, caseID int64) ([]EvidenceView, error) {
	c, err := s.loadCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	set, err := s.store.ListSubmittedEvidence(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list submitted evidence for case %d: %w", caseID, err)
	}

	reveal := c.Status.Terminal()
	views := make([]EvidenceView, len(set))
	for i, it := range set {
		views[i] = EvidenceView{ID: it.ID, Description: it.Description}
		if reveal {
			truth := it.IsTrue
			views[i].IsTrue = &truth
		}
	}
	return views, nil
}

func (s *CaseService) loadCase(ctx context.Context, caseID int64) (*models.Case, error) {
	c, err := s.store.GetCase(ctx, caseID)
	if errors.Is(err, persistence.ErrRecordNotFound) {
		return nil, notFound(ReasonNoSuchCase, caseID, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("load case %d: %w", caseID, err)
	}
	return c, nil
}
