package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Status is the lifecycle position of a case. It is persisted as its string value.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusFabricated Status = "FABRICATED"
	StatusAccepted   Status = "ACCEPTED"
	StatusAssigned   Status = "ASSIGNED"
	StatusResolved   Status = "RESOLVED"
)

// Lifecycle lists every status in order.
var Lifecycle = []Status{
	StatusRegistered,
	StatusFabricated,
	StatusAccepted,
	StatusAssigned,
	StatusResolved,
}

// Rank is the position of s in Lifecycle, or -1 for an unknown status.
func (s Status) Rank() int {
	for i, st := range Lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

// Reached reports whether s is at or past other.
func (s Status) Reached(other Status) bool {
	return s.Valid() && other.Valid() && s.Rank() >= other.Rank()
}

func (s Status) Terminal() bool { return s == StatusResolved }

func (s Status) String() string { return string(s) }

// ParseStatus accepts the persisted form, case-insensitively.
func ParseStatus(raw string) (Status, error) {
	for _, st := range Lifecycle {
		if strings.EqualFold(strings.TrimSpace(raw), string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// Facts is what a guard can see about a case at the moment of a transition.
type Facts struct {
	CulpritBound      bool
	EvidenceSubmitted bool
	PoliceBound       bool
	DetectiveBound    bool
	GuessSubmitted    bool
}

// Guard decides whether a registered transition may fire.
type Guard func(f Facts) bool

// StateMachine validates status changes. It holds no per-case state: the
// current status lives on the persisted case and is passed in.
type StateMachine interface {
	Advance(from, to Status, facts Facts) error
	AddTransition(from, to Status, guard Guard) error
}

var (
	// ErrTransitionNotAllowed is returned when a state transition is not allowed.
	ErrTransitionNotAllowed = errors.New("state transition not allowed")
	ErrUnknownStatus        = errors.New("unknown status")
)

// TransitionError describes a rejected transition. It unwraps to ErrTransitionNotAllowed.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrTransitionNotAllowed }

const (
	ReasonBackward    = "backward"
	ReasonNotAdjacent = "not_adjacent"
	ReasonGuardFailed = "guard_failed"
)

// CaseLifecycle is the transition graph of a case:
// REGISTERED -> FABRICATED -> ACCEPTED -> ASSIGNED -> RESOLVED.
type CaseLifecycle struct {
	transitions map[Status]map[Status]Guard // fromState -> toState -> guard
	mutex       sync.RWMutex
}

// NewCaseLifecycle returns the lifecycle with its default guards registered.
func NewCaseLifecycle() *CaseLifecycle {
	machine := NewBaseStateMachine()
	machine.mustAddTransition(StatusRegistered, StatusFabricated, func(f Facts) bool {
		return f.CulpritBound && f.EvidenceSubmitted
	})
	machine.mustAddTransition(StatusFabricated, StatusAccepted, func(f Facts) bool {
		return f.PoliceBound && f.EvidenceSubmitted
	})
	machine.mustAddTransition(StatusAccepted, StatusAssigned, func(f Facts) bool {
		return f.PoliceBound && f.DetectiveBound
	})
	machine.mustAddTransition(StatusAssigned, StatusResolved, func(f Facts) bool {
		return f.DetectiveBound && f.GuessSubmitted
	})
	return machine
}

// NewBaseStateMachine returns an empty graph; transitions must be added explicitly.
func NewBaseStateMachine() *CaseLifecycle {
	return &CaseLifecycle{
		transitions: make(map[Status]map[Status]Guard),
	}
}

// mustAddTransition is AddTransition for the built-in graph, where a refused edge is a programming error.
func (sm *CaseLifecycle) mustAddTransition(from, to Status, guard Guard) {
	if err := sm.AddTransition(from, to, guard); err != nil {
		panic(fmt.Sprintf("state: register %s -> %s: %v", from, to, err))
	}
}

func (sm *CaseLifecycle) AddTransition(from, to Status, guard Guard) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownStatus, from, to)
	}
	if to.Rank() <= from.Rank() {
		return &TransitionError{From: from, To: to, Reason: ReasonBackward}
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[Status]Guard)
	}
	sm.transitions[from][to] = guard
	return nil
}

// Advance checks that from -> to is a registered forward edge whose guard
// holds for facts. It never mutates anything; callers persist the new status.
func (sm *CaseLifecycle) Advance(from, to Status, facts Facts) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrUnknownStatus, from, to)
	}
	if to.Rank() <= from.Rank() {
		return &TransitionError{From: from, To: to, Reason: ReasonBackward}
	}

	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	guard, exists := sm.transitions[from][to]
	if !exists {
		return &TransitionError{From: from, To: to, Reason: ReasonNotAdjacent}
	}
	if guard != nil && !guard(facts) {
		return &TransitionError{From: from, To: to, Reason: ReasonGuardFailed}
	}
	return nil
}
