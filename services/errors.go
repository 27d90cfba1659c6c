package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wfunc/casefile/models"
)

// Error kinds. Every error returned by CaseService matches at most one of
// these with errors.Is; storage failures match none.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrRoleAlreadyFilled   = errors.New("role already filled")
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

// Reasons refine a kind for callers that map errors to responses.
const (
	ReasonNoSuchCase      = "no_such_case"
	ReasonNoParticipation = "no_participation"
	ReasonUnknownUser     = "unknown_user"
	ReasonUnknownDecoy    = "unknown_decoy"
	ReasonEmptySelection  = "empty_selection"
	ReasonMissingActor    = "missing_actor"
	ReasonNoTrueEvidence  = "no_true_evidence"
	ReasonAlreadyStarted  = "already_started"
	ReasonWrongStatus     = "wrong_status"
	ReasonActorMismatch   = "actor_mismatch"
	ReasonUnknownStatus   = "unknown_status"
	ReasonInvalidDelta    = "invalid_delta"
	ReasonMissingReason   = "missing_reason"
	ReasonRoleTaken       = "role_taken"
)

// CaseError is a structured failure. It never carries user-facing text.
type CaseError struct {
	Kind   error
	Reason string
	CaseID int64
	UserID int64
	Role   models.Role
	Err    error
}

func (e *CaseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %s", e.Kind, e.Reason)
	if e.CaseID != 0 {
		fmt.Fprintf(&b, " case=%d", e.CaseID)
	}
	if e.UserID != 0 {
		fmt.Fprintf(&b, " user=%d", e.UserID)
	}
	if e.Role != "" {
		fmt.Fprintf(&b, " role=%s", e.Role)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *CaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func notFound(reason string, caseID, userID int64) *CaseError {
	return &CaseError{Kind: ErrNotFound, Reason: reason, CaseID: caseID, UserID: userID}
}

func invalidInput(reason string, caseID, userID int64) *CaseError {
	return &CaseError{Kind: ErrInvalidInput, Reason: reason, CaseID: caseID, UserID: userID}
}

func invalidTransition(reason string, caseID, userID int64, cause error) *CaseError {
	return &CaseError{Kind: ErrInvalidTransition, Reason: reason, CaseID: caseID, UserID: userID, Err: cause}
}

func roleFilled(role models.Role, caseID, userID int64) *CaseError {
	return &CaseError{Kind: ErrRoleAlreadyFilled, Reason: ReasonRoleTaken, CaseID: caseID, UserID: userID, Role: role}
}

// LedgerInconsistencyError lists users whose cached total disagrees with their entries.
type LedgerInconsistencyError struct {
	Mismatches []models.LedgerMismatch
}

func (e *LedgerInconsistencyError) Error() string {
	if len(e.Mismatches) == 1 {
		m := e.Mismatches[0]
		return fmt.Sprintf("%v: user %d cached %d ledger %d", ErrLedgerInconsistency, m.UserID, m.Cached, m.Ledger)
	}
	return fmt.Sprintf("%v: %d users", ErrLedgerInconsistency, len(e.Mismatches))
}

func (e *LedgerInconsistencyError) Unwrap() error { return ErrLedgerInconsistency }

// KindName is a stable label for err, for metrics and wire faults.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRoleAlreadyFilled):
		return "role_already_filled"
	case errors.Is(err, ErrLedgerInconsistency):
		return "ledger_inconsistency"
	}
	return "internal"
}

// ReasonOf returns the CaseError reason in err's chain, if any.
func ReasonOf(err error) string {
	var ce *CaseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return ""
}
