// models/models.go
package models

import (
	"time"

	"github.com/wfunc/casefile/state"
)

// Role is a slot on a Participation.
type Role string

const (
	RoleClient    Role = "client"
	RoleCulprit   Role = "culprit"
	RolePolice    Role = "police"
	RoleDetective Role = "detective"
)

// Column is the participations column holding the role's user id.
func (r Role) Column() string {
	switch r {
	case RoleClient:
		return "client_id"
	case RoleCulprit:
		return "culprit_id"
	case RolePolice:
		return "police_id"
	case RoleDetective:
		return "detective_id"
	}
	return ""
}

func (r Role) Valid() bool { return r.Column() != "" }

// Holder returns the user bound to role, if any.
func (p *Participation) Holder(role Role) (int64, bool) {
	switch role {
	case RoleClient:
		return p.ClientID, p.ClientID != 0
	case RoleCulprit:
		return deref(p.CulpritID)
	case RolePolice:
		return deref(p.PoliceID)
	case RoleDetective:
		return deref(p.DetectiveID)
	}
	return 0, false
}

// Bind fills an empty role slot. It returns false, leaving p unchanged, if the
// slot is already occupied.
func (p *Participation) Bind(role Role, userID int64) bool {
	if _, taken := p.Holder(role); taken {
		return false
	}
	id := userID
	switch role {
	case RoleClient:
		p.ClientID = id
	case RoleCulprit:
		p.CulpritID = &id
	case RolePolice:
		p.PoliceID = &id
	case RoleDetective:
		p.DetectiveID = &id
	default:
		return false
	}
	return true
}

// Resolved reports whether the detective's guess has been recorded.
func (p *Participation) Resolved() bool {
	return p.DetectiveGuessID != nil && p.IsSolved != nil
}

// Facts is the participation as seen by lifecycle guards.
func (p *Participation) Facts(evidenceSubmitted bool) state.Facts {
	_, culprit := p.Holder(RoleCulprit)
	_, police := p.Holder(RolePolice)
	_, detective := p.Holder(RoleDetective)
	return state.Facts{
		CulpritBound:      culprit,
		EvidenceSubmitted: evidenceSubmitted,
		PoliceBound:       police,
		DetectiveBound:    detective,
		GuessSubmitted:    p.Resolved(),
	}
}

// Clone copies p including its pointer fields.
func (p *Participation) Clone() *Participation {
	cp := *p
	cp.CulpritID = clonePtr(p.CulpritID)
	cp.PoliceID = clonePtr(p.PoliceID)
	cp.DetectiveID = clonePtr(p.DetectiveID)
	cp.DetectiveGuessID = clonePtr(p.DetectiveGuessID)
	cp.IsSolved = clonePtr(p.IsSolved)
	return &cp
}

func deref(v *int64) (int64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// CaseEvent is published after a status transition commits.
type CaseEvent struct {
	CaseID  int64        `json:"case_id"`
	From    state.Status `json:"from"`
	To      state.Status `json:"to"`
	Action  string       `json:"action"`
	ActorID int64        `json:"actor_id"`
	At      time.Time    `json:"at"`
}

// LedgerMismatch is a user whose cached score differs from the sum of their entries.
type LedgerMismatch struct {
	UserID int64 `json:"user_id"`
	Cached int64 `json:"cached"`
	Ledger int64 `json:"ledger"`
}
