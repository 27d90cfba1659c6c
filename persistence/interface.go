// persistence/interface.go
package persistence

import (
	"context"
	"errors"

	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

// Store is the Ledger Store: transactional writes plus read-only projections.
type Store interface {
	// Transaction runs fn in one transaction. A non-nil return rolls back every write made through tx.
	Transaction(ctx context.Context, fn func(tx Tx) error) error

	Queries
	Setup
	LedgerAuditor

	Close() error
}

// Tx is the write surface available inside a transaction. Lock* methods take
// row locks held until commit; callers lock the case before its participation.
type Tx interface {
	LockCase(caseID int64) (*models.Case, error)
	LockParticipation(caseID int64) (*models.Participation, error)
	CreateParticipation(p *models.Participation) error
	SaveParticipation(p *models.Participation) error
	SetCaseStatus(caseID int64, status state.Status) error

	GetUser(userID int64) (*models.User, error)
	ListEvidence(caseID int64) ([]models.EvidenceItem, error)
	HasSubmittedEvidence(caseID int64) (bool, error)
	ReplaceSubmittedEvidence(caseID int64, items []models.SubmittedEvidence) error

	// LedgerBalance reads the user's cached total and entry sum from one
	// snapshot; ErrRecordNotFound if the user does not exist.
	LedgerBalance(userID int64) (models.LedgerMismatch, error)
	AppendScoreEntry(entry *models.ScoreEntry) error
	// AddUserScore adds delta to the cached total; ErrRecordNotFound if the user does not exist.
	AddUserScore(userID int64, delta int64) error
}

// Queries are lock-free reads used by projections. They may observe a case
// between two committed operations but never half of one.
type Queries interface {
	GetCase(ctx context.Context, caseID int64) (*models.Case, error)
	// ListCases returns cases in any of statuses, all cases when none are given, ordered by id.
	ListCases(ctx context.Context, statuses ...state.Status) ([]models.Case, error)
	ListCasesByID(ctx context.Context, caseIDs []int64) ([]models.Case, error)
	GetParticipation(ctx context.Context, caseID int64) (*models.Participation, error)
	ListParticipationsByRole(ctx context.Context, role models.Role, userID int64) ([]models.Participation, error)
	ListParticipations(ctx context.Context, caseIDs []int64) ([]models.Participation, error)

	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetUsers(ctx context.Context, userIDs []int64) (map[int64]models.User, error)
	TopUsers(ctx context.Context, limit int) ([]models.User, error)

	ListEvidence(ctx context.Context, caseID int64) ([]models.EvidenceItem, error)
	ListSubmittedEvidence(ctx context.Context, caseID int64) ([]models.SubmittedEvidence, error)

	ListScoreEntries(ctx context.Context, userID int64) ([]models.ScoreEntry, error)
}

// Setup authors users and cases. Case authoring is outside the lifecycle core;
// this is the path fixtures and administration use.
type Setup interface {
	CreateUser(ctx context.Context, user *models.User) error
	CreateCase(ctx context.Context, c *models.Case, evidence []models.EvidenceItem) error
}

// LedgerAuditor finds users whose cached score disagrees with their entries.
type LedgerAuditor interface {
	LedgerMismatches(ctx context.Context) ([]models.LedgerMismatch, error)
}

// Errors returned by every Store implementation.
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicate      = errors.New("duplicate record")
)
