package agent

// Event is the interface satisfied by all session event variants. The set is
// closed; the engine dispatches with a type switch.
type Event interface {
	agentEvent()
}

// MessageStart opens a new assistant message.
type MessageStart struct {
	MessageID string
}

func (MessageStart) agentEvent() {}

// MessageDelta carries a chunk of assistant text.
type MessageDelta struct {
	Content string
}

func (MessageDelta) agentEvent() {}

// MessageComplete closes the assistant message with its full content.
type MessageComplete struct {
	Content string
}

func (MessageComplete) agentEvent() {}

// ReasoningDelta carries a chunk of the agent's reasoning trace.
type ReasoningDelta struct {
	Content string
}

func (ReasoningDelta) agentEvent() {}

// ToolStart is emitted when the agent invokes a tool.
type ToolStart struct {
	ToolName string
	Input    map[string]any
}

func (ToolStart) agentEvent() {}

// ToolComplete is emitted when a tool invocation finishes.
type ToolComplete struct {
	ToolName string
	Output   any
}

func (ToolComplete) agentEvent() {}

// PermissionAsked requests a permission decision from the supervisor.
type PermissionAsked struct {
	RequestID  string
	Permission string
	Patterns   []string
}

func (PermissionAsked) agentEvent() {}

// QuestionAsked requests answers to one or more questions.
type QuestionAsked struct {
	RequestID string
	Questions []Question
}

func (QuestionAsked) agentEvent() {}

// Todo is one task-list entry reported by the agent.
type Todo struct {
	Content string
	Status  string
}

// TodoUpdated replaces the agent's task list.
type TodoUpdated struct {
	Todos []Todo
}

func (TodoUpdated) agentEvent() {}

// SessionStatus reports backend-side session state changes.
type SessionStatus struct {
	Status  string // idle | busy | retry
	Attempt int
	Message string
}

func (SessionStatus) agentEvent() {}

// Error reports a backend failure for the current generation.
type Error struct {
	Message string
}

func (Error) agentEvent() {}
