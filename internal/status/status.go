// Package status defines the loop lifecycle states and the authoritative
// transition table. Every status write in the system goes through
// AssertValidTransition.
package status

import "fmt"

// Status is the lifecycle state of a loop.
type Status string

const (
	Idle               Status = "idle"
	Draft              Status = "draft"
	Planning           Status = "planning"
	Starting           Status = "starting"
	Running            Status = "running"
	Waiting            Status = "waiting"
	Completed          Status = "completed"
	Stopped            Status = "stopped"
	Failed             Status = "failed"
	MaxIterations      Status = "max_iterations"
	ResolvingConflicts Status = "resolving_conflicts"
	Merged             Status = "merged"
	Pushed             Status = "pushed"
	Deleted            Status = "deleted"
)

// transitions is the authoritative table. Any (from, to) pair not present is
// rejected. Deleted has no outgoing transitions.
var transitions = map[Status][]Status{
	Idle:               {Starting, Planning, Draft, Deleted},
	Draft:              {Idle, Planning, Deleted},
	Planning:           {Running, Stopped, Failed, Deleted},
	Starting:           {Running, Failed, Stopped, Deleted},
	Running:            {Completed, Stopped, Failed, MaxIterations, Deleted},
	Waiting:            {Running, Completed, Stopped, Failed, MaxIterations, Deleted},
	Completed:          {Merged, Pushed, Deleted, ResolvingConflicts, Idle, Stopped, Planning},
	Stopped:            {Starting, Planning, Deleted, Stopped},
	Failed:             {Deleted, Stopped, Planning},
	MaxIterations:      {Merged, Pushed, Deleted, ResolvingConflicts, Stopped, Planning},
	ResolvingConflicts: {Starting, Stopped, Failed, Pushed, Completed, MaxIterations, Deleted},
	Merged:             {Deleted, Idle},
	Pushed:             {Deleted, Idle, ResolvingConflicts},
	Deleted:            {},
}

// InvalidTransitionError reports a status change rejected by the table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid loop status transition: %s → %s", e.From, e.To)
}

// Known reports whether s is a defined status.
func Known(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AssertValidTransition returns an *InvalidTransitionError when from → to is
// not in the table. A no-op transition (from == to) is only valid when the
// table lists it explicitly (stopped → stopped).
func AssertValidTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// ValidTransitions returns the statuses reachable from s.
func ValidTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// IsActive reports whether a loop in status s has (or is acquiring) a live
// iteration driver.
func IsActive(s Status) bool {
	switch s {
	case Starting, Running, Planning, ResolvingConflicts:
		return true
	}
	return false
}

// IsTerminal reports whether s is a resting state from which only deletion
// (or re-push for pushed) may follow.
func IsTerminal(s Status) bool {
	switch s {
	case Merged, Pushed, Deleted:
		return true
	}
	return false
}
