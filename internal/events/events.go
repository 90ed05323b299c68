// Package events carries the loop event stream: a typed publish/subscribe bus
// and its server-sent-event projection. Every event names the loop it belongs
// to and a UTC timestamp. Within one loop events are ordered (the engine is a
// single producer); across loops ordering is unspecified.
package events

import "time"

// Type identifies a loop event variant. The set is closed.
type Type string

const (
	LoopStarted        Type = "loop.started"
	LoopStopped        Type = "loop.stopped"
	LoopPaused         Type = "loop.paused"
	LoopResumed        Type = "loop.resumed"
	LoopCompleted      Type = "loop.completed"
	LoopError          Type = "loop.error"
	LoopIterationStart Type = "loop.iteration.start"
	LoopIterationEnd   Type = "loop.iteration.end"
	LoopMessage        Type = "loop.message"
	LoopProgress       Type = "loop.progress"
	LoopToolCall       Type = "loop.tool_call"
	LoopGitCommit      Type = "loop.git.commit"
	LoopLog            Type = "loop.log"
	LoopTodoUpdated    Type = "loop.todo.updated"
	LoopPlanReady      Type = "loop.plan.ready"
	LoopPendingUpdated Type = "loop.pending.updated"
	LoopSessionAborted Type = "loop.session_aborted"
	LoopSyncStarted    Type = "loop.sync.started"
	LoopSyncClean      Type = "loop.sync.clean"
	LoopSyncConflicts  Type = "loop.sync.conflicts"
	LoopPushed         Type = "loop.pushed"
)

// LoopEvent is one entry on the bus.
type LoopEvent struct {
	Type      Type           `json:"type"`
	LoopID    string         `json:"loopId"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// New builds a LoopEvent stamped with the current UTC time.
func New(t Type, loopID string, payload map[string]any) LoopEvent {
	return LoopEvent{
		Type:      t,
		LoopID:    loopID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
}
