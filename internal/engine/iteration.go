package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/gitops"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/status"
	"github.com/ralphlabs/ralphd/internal/stoppattern"
)

type outcome string

const (
	outcomeContinue  outcome = "continue"
	outcomeComplete  outcome = "complete"
	outcomePlanReady outcome = "plan_ready"
	outcomeError     outcome = "error"
)

type iterationResult struct {
	outcome outcome
	errMsg  string
}

// iterCtx accumulates the observable side of one iteration. Streaming deltas
// for one message share a single log entry id so the UI sees one growing
// entry instead of thousands.
type iterCtx struct {
	iteration int
	startedAt string

	response  strings.Builder
	reasoning strings.Builder

	messageCount  int
	toolCallCount int

	currentMessageID string

	// Per-message streaming accumulators, reset on message.start, tool.start
	// and message.complete.
	responseLogID  string
	responseChunk  strings.Builder
	reasoningLogID string
	reasoningChunk strings.Builder

	// Tool ids keyed by tool name so tool.complete reuses tool.start's id.
	toolIDs    map[string]string
	toolCounts map[string]int

	outcome outcome
	errMsg  string
}

func (ic *iterCtx) resetStreaming() {
	ic.responseLogID = ""
	ic.responseChunk.Reset()
	ic.reasoningLogID = ""
	ic.reasoningChunk.Reset()
}

// runIteration executes one prompt/response cycle and returns its outcome.
func (e *Engine) runIteration(ctx context.Context) iterationResult {
	iteration := e.state.CurrentIteration + 1
	e.mutate(func() { e.state.CurrentIteration = iteration })

	if !e.inPlanMode() && e.Status() != status.Running {
		if err := e.transition(status.Running); err != nil {
			return iterationResult{outcome: outcomeError, errMsg: err.Error()}
		}
	}

	ic := &iterCtx{
		iteration:  iteration,
		startedAt:  loop.Now(),
		outcome:    outcomeContinue,
		toolIDs:    make(map[string]string),
		toolCounts: make(map[string]int),
	}
	e.emit(events.LoopIterationStart, map[string]any{"iteration": iteration})
	iterStart := time.Now()

	prompt := e.buildPrompt()
	sessionID := e.state.Session.ID

	stream, err := e.backend.SubscribeToEvents(ctx, sessionID)
	if err != nil {
		ic.outcome = outcomeError
		ic.errMsg = fmt.Sprintf("subscribing to session events: %v", err)
		return e.finishIteration(ctx, ic, iterStart)
	}
	defer stream.Close()

	if err := e.backend.SendPromptAsync(ctx, sessionID, prompt); err != nil {
		ic.outcome = outcomeError
		ic.errMsg = fmt.Sprintf("sending prompt: %v", err)
		return e.finishIteration(ctx, ic, iterStart)
	}

	e.pumpEvents(ctx, stream, ic)

	if ic.outcome != outcomeError {
		e.evaluateStopPattern(ic)
	}

	return e.finishIteration(ctx, ic, iterStart)
}

// pumpEvents consumes the session stream until the message completes, an
// error arrives, the activity timeout fires, or the loop is aborted.
func (e *Engine) pumpEvents(ctx context.Context, stream agent.EventStream, ic *iterCtx) {
	timeout := e.activityTimeout()
	for {
		if e.aborted.Load() {
			return
		}

		evctx, cancel := context.WithTimeout(ctx, timeout)
		ev, err := stream.Next(evctx)
		cancel()

		if err != nil {
			switch {
			case e.aborted.Load():
				return
			case errors.Is(err, io.EOF):
				return
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				ic.outcome = outcomeError
				ic.errMsg = fmt.Sprintf("No activity for %d seconds", int(timeout.Seconds()))
				return
			default:
				ic.outcome = outcomeError
				ic.errMsg = fmt.Sprintf("reading session events: %v", err)
				return
			}
		}

		if done := e.dispatchEvent(ctx, ic, ev); done {
			return
		}
	}
}

// dispatchEvent applies one agent event to the iteration. Returns true when
// the pump must stop.
func (e *Engine) dispatchEvent(ctx context.Context, ic *iterCtx, ev agent.Event) bool {
	e.mutate(func() { e.state.LastActivityAt = loop.Now() })

	switch v := ev.(type) {
	case agent.MessageStart:
		ic.currentMessageID = v.MessageID
		ic.resetStreaming()
		ic.messageCount++
		e.appendLog(ic.iteration, "agent", "assistant message started")

	case agent.MessageDelta:
		ic.response.WriteString(v.Content)
		ic.responseChunk.WriteString(v.Content)
		if ic.responseLogID == "" {
			ic.responseLogID = loop.NewLogID()
			e.mutate(func() {
				e.state.AppendLog(loop.LogEntry{
					ID:        ic.responseLogID,
					Level:     "agent",
					Message:   ic.responseChunk.String(),
					Iteration: ic.iteration,
					Timestamp: loop.Now(),
				})
			})
		} else {
			e.mutate(func() { e.state.UpdateLog(ic.responseLogID, ic.responseChunk.String()) })
		}
		e.emit(events.LoopProgress, map[string]any{"content": v.Content, "logId": ic.responseLogID})

	case agent.ReasoningDelta:
		ic.reasoning.WriteString(v.Content)
		ic.reasoningChunk.WriteString(v.Content)
		if ic.reasoningLogID == "" {
			ic.reasoningLogID = loop.NewLogID()
			e.mutate(func() {
				e.state.AppendLog(loop.LogEntry{
					ID:        ic.reasoningLogID,
					Level:     "agent",
					Message:   ic.reasoningChunk.String(),
					Iteration: ic.iteration,
					Timestamp: loop.Now(),
				})
			})
		} else {
			e.mutate(func() { e.state.UpdateLog(ic.reasoningLogID, ic.reasoningChunk.String()) })
		}
		e.emit(events.LoopProgress, map[string]any{"content": v.Content, "logId": ic.reasoningLogID, "reasoning": true})

	case agent.MessageComplete:
		ic.resetStreaming()
		content := v.Content
		if content == "" {
			content = ic.response.String()
		} else if ic.response.Len() == 0 {
			ic.response.WriteString(content)
		}
		msg := loop.Message{
			ID:        ic.currentMessageID,
			Role:      "assistant",
			Content:   content,
			Iteration: ic.iteration,
			Timestamp: loop.Now(),
		}
		if msg.ID == "" {
			msg.ID = loop.NewLogID()
		}
		e.mutate(func() { e.state.AppendMessage(msg) })
		e.emit(events.LoopMessage, map[string]any{"role": "assistant", "content": content, "messageId": msg.ID})
		return true

	case agent.ToolStart:
		ic.resetStreaming()
		ic.toolCallCount++
		ic.toolCounts[v.ToolName]++
		id := fmt.Sprintf("tool-%d-%s-%d", ic.iteration, v.ToolName, ic.toolCounts[v.ToolName])
		ic.toolIDs[v.ToolName] = id
		e.mutate(func() {
			e.state.AppendToolCall(loop.ToolCall{
				ID:        id,
				Name:      v.ToolName,
				Status:    "running",
				Input:     v.Input,
				Iteration: ic.iteration,
				Timestamp: loop.Now(),
			})
		})
		e.emit(events.LoopToolCall, map[string]any{"id": id, "name": v.ToolName, "status": "running", "input": v.Input})

	case agent.ToolComplete:
		id := ic.toolIDs[v.ToolName]
		if id == "" {
			ic.toolCounts[v.ToolName]++
			id = fmt.Sprintf("tool-%d-%s-%d", ic.iteration, v.ToolName, ic.toolCounts[v.ToolName])
		}
		e.completeToolCall(id, v.Output)
		e.emit(events.LoopToolCall, map[string]any{"id": id, "name": v.ToolName, "status": "completed", "output": v.Output})
		e.persistState()

	case agent.PermissionAsked:
		// The loop is unattended; grant and move on.
		if err := e.backend.ReplyToPermission(ctx, v.RequestID, agent.PermissionAlways); err != nil {
			e.logger.Warn("replying to permission request", "error", err)
		}

	case agent.QuestionAsked:
		answers := make([]string, len(v.Questions))
		for i := range answers {
			answers[i] = "take the best course of action you recommend"
		}
		if err := e.backend.ReplyToQuestion(ctx, v.RequestID, answers); err != nil {
			e.logger.Warn("replying to question", "error", err)
		}

	case agent.TodoUpdated:
		todos := make([]loop.Todo, 0, len(v.Todos))
		for _, td := range v.Todos {
			todos = append(todos, loop.Todo{Content: td.Content, Status: td.Status})
		}
		e.mutate(func() { e.state.Todos = todos })
		e.emit(events.LoopTodoUpdated, map[string]any{"todos": todos})
		e.persistState()

	case agent.SessionStatus:
		e.logger.Debug("session status", "status", v.Status, "attempt", v.Attempt, "message", v.Message)

	case agent.Error:
		ic.outcome = outcomeError
		ic.errMsg = v.Message
		return true
	}

	return false
}

// completeToolCall marks the newest tool call with the given id as completed.
func (e *Engine) completeToolCall(id string, output any) {
	e.mutate(func() {
		for i := len(e.state.ToolCalls) - 1; i >= 0; i-- {
			if e.state.ToolCalls[i].ID == id {
				e.state.ToolCalls[i].Status = "completed"
				e.state.ToolCalls[i].Output = output
				return
			}
		}
	})
}

func (e *Engine) evaluateStopPattern(ic *iterCtx) {
	// Chat runs exactly one turn per user message.
	if e.cfg.Mode == loop.ModeChat {
		ic.outcome = outcomeComplete
		return
	}
	response := ic.response.String()
	if e.inPlanMode() {
		if stoppattern.MatchesPlanReady(response) {
			ic.outcome = outcomePlanReady
		}
		return
	}
	if e.stop.Matches(response) {
		ic.outcome = outcomeComplete
	}
}

// finishIteration runs the commit step, records the summary, and persists.
func (e *Engine) finishIteration(ctx context.Context, ic *iterCtx, iterStart time.Time) iterationResult {
	if ic.outcome != outcomeError {
		e.commitIterationChanges(ctx, ic)
	}

	e.mutate(func() {
		e.state.AppendIteration(loop.IterationSummary{
			Iteration:     ic.iteration,
			StartedAt:     ic.startedAt,
			CompletedAt:   loop.Now(),
			MessageCount:  ic.messageCount,
			ToolCallCount: ic.toolCallCount,
			Outcome:       string(ic.outcome),
		})
	})
	e.emit(events.LoopIterationEnd, map[string]any{"iteration": ic.iteration, "outcome": string(ic.outcome)})
	if e.metrics != nil {
		e.metrics.IterationDuration.WithLabelValues(string(e.cfg.Mode)).Observe(time.Since(iterStart).Seconds())
	}
	e.persistState()

	return iterationResult{outcome: ic.outcome, errMsg: ic.errMsg}
}

// commitIterationChanges commits the worktree after an iteration. Failures
// are logged, never escalated; the commit is advisory.
func (e *Engine) commitIterationChanges(ctx context.Context, ic *iterCtx) {
	if e.state.Git == nil || e.state.Git.WorktreePath == "" {
		return
	}
	worktree := e.state.Git.WorktreePath

	dirty, err := e.git.HasUncommittedChanges(ctx, worktree)
	if err != nil {
		e.logger.Warn("checking for uncommitted changes", "error", err)
		return
	}
	if !dirty {
		return
	}

	files, err := e.git.ChangedFiles(ctx, worktree)
	if err != nil {
		e.logger.Warn("listing changed files", "error", err)
	}

	message := e.generateCommitMessage(ctx, ic, files)

	if err := e.git.StageAll(ctx, worktree); err != nil {
		e.logger.Warn("staging iteration changes", "error", err)
		return
	}
	result, err := e.git.Commit(ctx, worktree, message, gitops.CommitOpts{
		ExpectedBranch: e.state.Git.WorkingBranch,
	})
	if err != nil {
		if errors.Is(err, gitops.ErrNoChangesToCommit) {
			return
		}
		e.logger.Warn("committing iteration changes", "error", err)
		return
	}

	commit := loop.GitCommit{
		Iteration:    ic.iteration,
		SHA:          result.SHA,
		Message:      result.Message,
		Timestamp:    loop.Now(),
		FilesChanged: result.FilesChanged,
	}
	e.mutate(func() { e.state.Git.Commits = append(e.state.Git.Commits, commit) })
	e.emit(events.LoopGitCommit, map[string]any{
		"sha":          result.SHA,
		"message":      result.Message,
		"filesChanged": result.FilesChanged,
		"iteration":    ic.iteration,
	})
	if e.metrics != nil {
		e.metrics.CommitsTotal.Inc()
	}
}

const commitSummaryLimit = 500

// generateCommitMessage asks the backend for a one-line summary of the
// iteration's changes, falling back to a deterministic message.
func (e *Engine) generateCommitMessage(ctx context.Context, ic *iterCtx, files []string) string {
	fallback := fallbackCommitMessage(e.cfg.Git.CommitPrefix, ic.iteration, files)

	response := ic.response.String()
	if len(response) > commitSummaryLimit {
		response = response[:commitSummaryLimit]
	}
	prompt := fmt.Sprintf(
		"Write a one-line git commit message (at most 60 characters, no quotes) summarising these changes.\nFiles changed: %s\nWork summary: %s",
		strings.Join(files, ", "), response,
	)

	session, err := e.backend.CreateSession(ctx, agent.CreateSessionOpts{
		Title:     "Commit message: " + e.cfg.Name,
		Directory: e.workDir(),
	})
	if err != nil {
		e.logger.Debug("creating commit-message session", "error", err)
		return fallback
	}
	reply, err := e.backend.SendPrompt(ctx, session.ID, prompt)
	if err != nil {
		e.logger.Debug("generating commit message", "error", err)
		return fallback
	}

	line, _, _ := strings.Cut(strings.TrimSpace(reply.Content), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return fallback
	}
	if !strings.HasPrefix(line, e.cfg.Git.CommitPrefix) {
		line = e.cfg.Git.CommitPrefix + " " + line
	}
	if len(line) > 72 {
		return fallback
	}
	return line
}

// fallbackCommitMessage is the deterministic commit message used when the
// backend cannot produce one: "<prefix> Iteration <N>: a, b, c (+2 more)".
func fallbackCommitMessage(prefix string, iteration int, files []string) string {
	base := fmt.Sprintf("%s Iteration %d", prefix, iteration)
	if len(files) == 0 {
		return base
	}
	shown := files
	extra := 0
	if len(shown) > 3 {
		extra = len(shown) - 3
		shown = shown[:3]
	}
	msg := fmt.Sprintf("%s: %s", base, strings.Join(shown, ", "))
	if extra > 0 {
		msg += fmt.Sprintf(" (+%d more)", extra)
	}
	return msg
}
