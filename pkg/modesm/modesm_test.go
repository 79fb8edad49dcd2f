package modesm

import (
	"testing"
	"time"

	"github.com/wisbric/strata/pkg/domain"
)

func TestOperationMatrix(t *testing.T) {
	cases := []struct {
		mode    domain.Mode
		op      Operation
		allowed bool
	}{
		{domain.ModeEdit, OpCreate, true},
		{domain.ModeEdit, OpDelete, true},
		{domain.ModeRW, OpCreate, true},
		{domain.ModeRW, OpDelete, false},
		{domain.ModeRW, OpMetadata, true},
		{domain.ModeRO, OpRead, true},
		{domain.ModeRO, OpUpdate, false},
		{domain.ModeRO, OpCreate, false},
		{domain.ModeAR, OpMetadata, true},
		{domain.ModeAR, OpRead, false},
	}
	for _, c := range cases {
		m := New(c.mode)
		if got := m.CanPerform(c.op); got != c.allowed {
			t.Errorf("mode %s op %s: CanPerform() = %v, want %v", c.mode, c.op, got, c.allowed)
		}
	}
}

func TestValidateOperationReturnsModeForbidden(t *testing.T) {
	m := New(domain.ModeRO)
	err := m.ValidateOperation(OpDelete)
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindModeForbidden {
		t.Fatalf("KindOf(err) = %v, want %v", domain.KindOf(err), domain.KindModeForbidden)
	}
	// Rejecting the operation must not mutate state.
	if m.Mode() != domain.ModeRO {
		t.Fatalf("mode changed after rejected operation: %v", m.Mode())
	}
}

func TestLegalTransitions(t *testing.T) {
	m := New(domain.ModeRW)
	if !m.CanTransitionTo(domain.ModeRO) {
		t.Fatal("RW -> RO should be legal")
	}
	if m.CanTransitionTo(domain.ModeAR) {
		t.Fatal("RW -> AR should not be legal")
	}

	now := time.Now()
	if err := m.TransitionTo(domain.ModeRO, "scheduled maintenance", now); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if m.Mode() != domain.ModeRO {
		t.Fatalf("Mode() = %v, want ro", m.Mode())
	}

	if err := m.TransitionTo(domain.ModeAR, "archival", now.Add(time.Hour)); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}
	if m.Mode() != domain.ModeAR {
		t.Fatalf("Mode() = %v, want ar", m.Mode())
	}

	hist := m.History()
	if len(hist) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(hist))
	}
	if hist[0].From != domain.ModeRW || hist[0].To != domain.ModeRO {
		t.Fatalf("History()[0] = %+v", hist[0])
	}
}

func TestTerminalModesRejectAnyTransition(t *testing.T) {
	for _, mode := range []domain.Mode{domain.ModeEdit, domain.ModeAR} {
		m := New(mode)
		if len(m.PossibleTransitions()) != 0 {
			t.Fatalf("mode %s: PossibleTransitions() should be empty", mode)
		}
		for _, target := range []domain.Mode{domain.ModeEdit, domain.ModeRW, domain.ModeRO, domain.ModeAR} {
			if target == mode {
				continue
			}
			if err := m.TransitionTo(target, "", time.Now()); err == nil {
				t.Fatalf("mode %s: TransitionTo(%s) should fail", mode, target)
			}
		}
	}
}

func TestIllegalTransitionSkipsRORW(t *testing.T) {
	m := New(domain.ModeRO)
	if err := m.TransitionTo(domain.ModeRW, "", time.Now()); err == nil {
		t.Fatal("RO -> RW should be illegal")
	}
	if domain.KindOf(m.TransitionTo(domain.ModeRW, "", time.Now())) != domain.KindModeForbidden {
		t.Fatal("expected KindModeForbidden")
	}
}

func TestSameModeTransitionRejected(t *testing.T) {
	m := New(domain.ModeRW)
	if err := m.TransitionTo(domain.ModeRW, "", time.Now()); err == nil {
		t.Fatal("expected error transitioning to the same mode")
	}
}
