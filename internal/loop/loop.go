// Package loop holds the data model shared by the engine, the manager, and
// the persistence layer: loop configuration, mutable loop state, and the
// bounded sequences that keep state snapshots from growing without limit.
package loop

import (
	"crypto/rand"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ralphlabs/ralphd/internal/status"
)

// Mode selects between the iterating loop and single-turn chat behaviour.
type Mode string

const (
	ModeLoop Mode = "loop"
	ModeChat Mode = "chat"
)

// Sequence caps. Oldest entries are evicted on overflow.
const (
	MaxLogs             = 5000
	MaxMessages         = 2000
	MaxToolCalls        = 5000
	MaxRecentIterations = 10
)

// ModelConfig identifies the AI model driving a loop.
type ModelConfig struct {
	ProviderID string `json:"providerId"`
	ModelID    string `json:"modelId"`
	Variant    string `json:"variant,omitempty"`
}

// GitSettings configures branch and commit naming for a loop.
type GitSettings struct {
	BranchPrefix string `json:"branchPrefix"`
	CommitPrefix string `json:"commitPrefix"`
	BaseBranch   string `json:"baseBranch,omitempty"`
}

// Config is immutable after creation, except Model which a pending-model
// injection may replace.
type Config struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	WorkspaceID string      `json:"workspaceId"`
	Directory   string      `json:"directory"`
	Prompt      string      `json:"prompt"`
	Model       ModelConfig `json:"model"`
	StopPattern string      `json:"stopPattern,omitempty"`
	Git         GitSettings `json:"git"`

	MaxIterations          int `json:"maxIterations,omitempty"`       // 0 = unbounded
	MaxConsecutiveErrors   int `json:"maxConsecutiveErrors,omitempty"` // 0 = never failsafe
	ActivityTimeoutSeconds int `json:"activityTimeoutSeconds,omitempty"`

	ClearPlanningFolder bool `json:"clearPlanningFolder,omitempty"`
	PlanMode            bool `json:"planMode,omitempty"`
	Mode                Mode `json:"mode,omitempty"`
}

// LogEntry is one line of the loop's activity log. Streaming deltas for one
// message share a single entry id so the entry grows in place.
type LogEntry struct {
	ID        string `json:"id"`
	Level     string `json:"level"` // info | warn | error | agent
	Message   string `json:"message"`
	Iteration int    `json:"iteration,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Message is a persisted conversation message.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Iteration int    `json:"iteration,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ToolCall records one tool invocation observed on the agent stream. The id
// is stable between the running and completed records of the same call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"` // running | completed
	Input     any    `json:"input,omitempty"`
	Output    any    `json:"output,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Todo is one entry of the agent-maintained task list.
type Todo struct {
	Content string `json:"content"`
	Status  string `json:"status"`
}

// IterationSummary records one finished iteration.
type IterationSummary struct {
	Iteration     int    `json:"iteration"`
	StartedAt     string `json:"startedAt"`
	CompletedAt   string `json:"completedAt"`
	MessageCount  int    `json:"messageCount"`
	ToolCallCount int    `json:"toolCallCount"`
	Outcome       string `json:"outcome"` // continue | complete | plan_ready | error
}

// GitCommit records one per-iteration commit on the working branch.
type GitCommit struct {
	Iteration    int      `json:"iteration"`
	SHA          string   `json:"sha"`
	Message      string   `json:"message"`
	Timestamp    string   `json:"timestamp"`
	FilesChanged []string `json:"filesChanged,omitempty"`
}

// GitState is the loop's git isolation context, set by branch setup.
type GitState struct {
	OriginalBranch string      `json:"originalBranch"`
	WorkingBranch  string      `json:"workingBranch"`
	WorktreePath   string      `json:"worktreePath"`
	Commits        []GitCommit `json:"commits,omitempty"`
}

// SessionState identifies the live agent session.
type SessionState struct {
	ID        string `json:"id"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// ErrorInfo describes the most recent iteration error.
type ErrorInfo struct {
	Message   string `json:"message"`
	Iteration int    `json:"iteration"`
	Timestamp string `json:"timestamp"`
}

// ConsecutiveErrors tracks the failsafe counter. The count increments only
// while the error message repeats verbatim.
type ConsecutiveErrors struct {
	LastErrorMessage string `json:"lastErrorMessage"`
	Count            int    `json:"count"`
}

// PlanModeState tracks the two-phase planning workflow.
type PlanModeState struct {
	Active                bool   `json:"active"`
	FeedbackRounds        int    `json:"feedbackRounds"`
	PlanningFolderCleared bool   `json:"planningFolderCleared"`
	IsPlanReady           bool   `json:"isPlanReady"`
	PlanContent           string `json:"planContent,omitempty"`
}

// ReviewModeState tracks post-completion review cycles.
type ReviewModeState struct {
	ReviewCycles     int    `json:"reviewCycles"`
	CompletionAction string `json:"completionAction,omitempty"`
}

// SyncState tracks the base-branch sync flow around a push.
type SyncState struct {
	AutoPushOnComplete bool `json:"autoPushOnComplete"`
}

// State is the mutable half of a loop. It is written by exactly one iteration
// driver; status writes go through the transition table.
type State struct {
	Status status.Status `json:"status"`

	CurrentIteration int                `json:"currentIteration"`
	RecentIterations []IterationSummary `json:"recentIterations,omitempty"`

	Logs      []LogEntry `json:"logs,omitempty"`
	Messages  []Message  `json:"messages,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Todos     []Todo     `json:"todos,omitempty"`

	Git     *GitState     `json:"git,omitempty"`
	Session *SessionState `json:"session,omitempty"`

	StartedAt      string `json:"startedAt,omitempty"`
	CompletedAt    string `json:"completedAt,omitempty"`
	LastActivityAt string `json:"lastActivityAt,omitempty"`

	Error             *ErrorInfo         `json:"error,omitempty"`
	ConsecutiveErrors *ConsecutiveErrors `json:"consecutiveErrors,omitempty"`

	PendingPrompt string       `json:"pendingPrompt,omitempty"`
	PendingModel  *ModelConfig `json:"pendingModel,omitempty"`

	PlanMode   *PlanModeState   `json:"planMode,omitempty"`
	ReviewMode *ReviewModeState `json:"reviewMode,omitempty"`
	Sync       *SyncState       `json:"syncState,omitempty"`
}

// Snapshot is the unit of persistence: the full loop, config and state.
type Snapshot struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// Loop pairs a config with its state.
type Loop struct {
	Config Config `json:"config"`
	State  State  `json:"state"`
}

// Clone returns a deep copy of the state. Snapshots handed to other
// goroutines must not share slices or pointers with the original: the
// iteration driver rewrites log entries and tool calls in place.
func (s *State) Clone() State {
	out := *s
	out.RecentIterations = slices.Clone(s.RecentIterations)
	out.Logs = slices.Clone(s.Logs)
	out.Messages = slices.Clone(s.Messages)
	out.ToolCalls = slices.Clone(s.ToolCalls)
	out.Todos = slices.Clone(s.Todos)
	if s.Git != nil {
		git := *s.Git
		git.Commits = slices.Clone(s.Git.Commits)
		out.Git = &git
	}
	out.Session = clonePtr(s.Session)
	out.Error = clonePtr(s.Error)
	out.ConsecutiveErrors = clonePtr(s.ConsecutiveErrors)
	out.PendingModel = clonePtr(s.PendingModel)
	out.PlanMode = clonePtr(s.PlanMode)
	out.ReviewMode = clonePtr(s.ReviewMode)
	out.Sync = clonePtr(s.Sync)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AppendLog appends an entry, evicting the oldest beyond MaxLogs.
func (s *State) AppendLog(e LogEntry) {
	s.Logs = appendBounded(s.Logs, e, MaxLogs)
}

// UpdateLog rewrites the entry with the given id in place. Returns false when
// no entry matches (streaming entries may have been evicted).
func (s *State) UpdateLog(id string, message string) bool {
	for i := len(s.Logs) - 1; i >= 0; i-- {
		if s.Logs[i].ID == id {
			s.Logs[i].Message = message
			return true
		}
	}
	return false
}

// AppendMessage appends a message, evicting the oldest beyond MaxMessages.
func (s *State) AppendMessage(m Message) {
	s.Messages = appendBounded(s.Messages, m, MaxMessages)
}

// AppendToolCall appends a record, evicting the oldest beyond MaxToolCalls.
func (s *State) AppendToolCall(tc ToolCall) {
	s.ToolCalls = appendBounded(s.ToolCalls, tc, MaxToolCalls)
}

// AppendIteration appends a summary, keeping the latest MaxRecentIterations.
func (s *State) AppendIteration(sum IterationSummary) {
	s.RecentIterations = appendBounded(s.RecentIterations, sum, MaxRecentIterations)
}

func appendBounded[T any](seq []T, v T, max int) []T {
	seq = append(seq, v)
	if len(seq) > max {
		seq = seq[len(seq)-max:]
	}
	return seq
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewLogID returns a sortable unique id for log entries. Streaming deltas
// reuse one id per message so the UI sees a single growing entry.
func NewLogID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// Timestamp formats t the way every state field stores time.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Now returns the current UTC RFC-3339 timestamp.
func Now() string { return Timestamp(time.Now()) }
