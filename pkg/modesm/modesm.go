// Package modesm implements the Storage Element mode state machine: the
// per-node lifecycle (EDIT/RW/RO/AR), its legal transitions, and the
// operation permissions each mode grants.
package modesm

import (
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

// Operation is one of the five actions gated by a Storage Element's mode.
type Operation string

const (
	OpCreate   Operation = "create"
	OpRead     Operation = "read"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpMetadata Operation = "metadata"
)

// validTransitions encodes the only legal mode changes: RW → RO and RO → AR.
// EDIT and AR are terminal via the API; AR can only be left by config change
// plus a restart, which bypasses this state machine entirely.
var validTransitions = map[domain.Mode]domain.Mode{
	domain.ModeRW: domain.ModeRO,
	domain.ModeRO: domain.ModeAR,
}

// operations maps each mode to the set of operations it permits.
var operations = map[domain.Mode]map[Operation]bool{
	domain.ModeEdit: {OpCreate: true, OpRead: true, OpUpdate: true, OpDelete: true, OpMetadata: true},
	domain.ModeRW:   {OpCreate: true, OpRead: true, OpUpdate: true, OpMetadata: true},
	domain.ModeRO:   {OpRead: true, OpMetadata: true},
	domain.ModeAR:   {OpMetadata: true},
}

// Transition is a recorded mode change, kept for the Storage Element's
// transition history.
type Transition struct {
	From      domain.Mode
	To        domain.Mode
	Timestamp time.Time
	Reason    string
}

// Machine is a Storage Element's mode state machine. It is not safe for
// concurrent use without external synchronization; callers hold it behind
// the same lock that guards the element's in-memory mode.
type Machine struct {
	mode    domain.Mode
	history []Transition
}

// New returns a Machine starting in the given mode.
func New(mode domain.Mode) *Machine {
	return &Machine{mode: mode}
}

// Mode returns the current mode.
func (m *Machine) Mode() domain.Mode {
	return m.mode
}

// CanTransitionTo reports whether target is reachable from the current mode.
func (m *Machine) CanTransitionTo(target domain.Mode) bool {
	return validTransitions[m.mode] == target
}

// PossibleTransitions returns the modes reachable from the current mode, if
// any (empty for EDIT and AR).
func (m *Machine) PossibleTransitions() []domain.Mode {
	if next, ok := validTransitions[m.mode]; ok {
		return []domain.Mode{next}
	}
	return nil
}

// TransitionTo moves the machine to target, recording the transition in its
// history. It fails closed: on any error the mode is left unchanged.
func (m *Machine) TransitionTo(target domain.Mode, reason string, now time.Time) error {
	if target == m.mode {
		return domain.NewError(domain.KindModeForbidden, "already in "+string(target)+" mode")
	}
	if !m.CanTransitionTo(target) {
		return domain.NewError(domain.KindModeForbidden, "cannot transition from "+string(m.mode)+" to "+string(target))
	}

	m.history = append(m.history, Transition{
		From:      m.mode,
		To:        target,
		Timestamp: now,
		Reason:    reason,
	})
	m.mode = target
	return nil
}

// CanPerform reports whether op is allowed in the current mode.
func (m *Machine) CanPerform(op Operation) bool {
	return operations[m.mode][op]
}

// Permits is the stateless form of CanPerform, for callers that only know a
// Storage Element's reported mode (e.g. Query's download path, reading it
// off Admin's registry) rather than holding the element's own in-process
// Machine.
func Permits(mode domain.Mode, op Operation) bool {
	return operations[mode][op]
}

// ValidateOperation returns a domain.Error with KindModeForbidden if op is
// not allowed in the current mode, nil otherwise. Callers invoke this at the
// top of every SE operation before touching any on-disk state.
func (m *Machine) ValidateOperation(op Operation) error {
	if m.CanPerform(op) {
		return nil
	}
	return domain.NewError(domain.KindModeForbidden, "operation '"+string(op)+"' not allowed in "+string(m.mode)+" mode")
}

// AllowedOperations returns the operations permitted in the current mode.
func (m *Machine) AllowedOperations() []Operation {
	var ops []Operation
	for _, op := range []Operation{OpCreate, OpRead, OpUpdate, OpDelete, OpMetadata} {
		if operations[m.mode][op] {
			ops = append(ops, op)
		}
	}
	return ops
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	h := make([]Transition, len(m.history))
	copy(h, m.history)
	return h
}
