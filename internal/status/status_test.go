package status

import (
	"errors"
	"testing"
)

func TestAssertValidTransition_Allowed(t *testing.T) {
	cases := []struct{ from, to Status }{
		{Idle, Starting},
		{Idle, Draft},
		{Draft, Planning},
		{Planning, Running},
		{Starting, Running},
		{Running, Completed},
		{Running, MaxIterations},
		{Waiting, Running},
		{Completed, ResolvingConflicts},
		{Completed, Pushed},
		{Stopped, Starting},
		{Stopped, Stopped},
		{Failed, Planning},
		{MaxIterations, Pushed},
		{ResolvingConflicts, Pushed},
		{ResolvingConflicts, Completed},
		{Merged, Deleted},
		{Pushed, ResolvingConflicts},
	}
	for _, c := range cases {
		if err := AssertValidTransition(c.from, c.to); err != nil {
			t.Errorf("expected %s → %s to be valid: %v", c.from, c.to, err)
		}
	}
}

func TestAssertValidTransition_Rejected(t *testing.T) {
	cases := []struct{ from, to Status }{
		{Idle, Running},
		{Idle, Completed},
		{Running, Running},
		{Running, Merged},
		{Completed, Running},
		{Failed, Starting},
		{Merged, Idle + "x"},
		{Deleted, Idle},
		{Deleted, Deleted},
		{Pushed, Completed},
	}
	for _, c := range cases {
		err := AssertValidTransition(c.from, c.to)
		if err == nil {
			t.Errorf("expected %s → %s to be rejected", c.from, c.to)
			continue
		}
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("expected InvalidTransitionError, got %T", err)
		}
	}
}

func TestDeletedIsTerminal(t *testing.T) {
	for _, to := range []Status{Idle, Draft, Planning, Starting, Running, Waiting,
		Completed, Stopped, Failed, MaxIterations, ResolvingConflicts, Merged, Pushed, Deleted} {
		if CanTransition(Deleted, to) {
			t.Errorf("deleted must have no outgoing transitions, allows → %s", to)
		}
	}
}

func TestIsActive(t *testing.T) {
	active := map[Status]bool{
		Starting: true, Running: true, Planning: true, ResolvingConflicts: true,
	}
	for s := range transitions {
		if got := IsActive(s); got != active[s] {
			t.Errorf("IsActive(%s) = %v, want %v", s, got, active[s])
		}
	}
}

func TestValidTransitions_Copies(t *testing.T) {
	got := ValidTransitions(Idle)
	if len(got) == 0 {
		t.Fatal("expected transitions out of idle")
	}
	got[0] = "bogus"
	if !CanTransition(Idle, Starting) {
		t.Fatal("mutating the returned slice must not affect the table")
	}
}
