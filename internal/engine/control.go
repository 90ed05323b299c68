package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/status"
)

// Stop aborts the session, disarms persistence so stale writes cannot clobber
// a deleted loop, and moves the loop to stopped.
func (e *Engine) Stop(ctx context.Context, reason string) error {
	e.aborted.Store(true)
	e.abortSession(ctx)
	e.disarmPersist()

	if e.Status() != status.Stopped {
		if err := e.transition(status.Stopped); err != nil {
			return err
		}
	}
	e.emit(events.LoopStopped, map[string]any{"reason": reason})
	return nil
}

// AbortSessionOnly interrupts the backend session without a status change.
// Used by force-reset.
func (e *Engine) AbortSessionOnly(ctx context.Context, reason string) {
	e.aborted.Store(true)
	e.abortSession(ctx)
	e.emit(events.LoopSessionAborted, map[string]any{"reason": reason})
}

func (e *Engine) abortSession(ctx context.Context) {
	if e.state.Session == nil || e.state.Session.ID == "" {
		return
	}
	if err := e.backend.AbortSession(ctx, e.state.Session.ID); err != nil {
		e.logger.Warn("aborting session", "error", err)
	}
}

// SetPendingPrompt stages a one-shot prompt for the next iteration.
func (e *Engine) SetPendingPrompt(text string) {
	e.mutate(func() { e.state.PendingPrompt = text })
	e.emit(events.LoopPendingUpdated, map[string]any{"pendingPrompt": text})
	e.persistState()
}

// SetPendingModel stages a one-shot model override for the next iteration.
func (e *Engine) SetPendingModel(m loop.ModelConfig) {
	e.mutate(func() { e.state.PendingModel = &m })
	e.emit(events.LoopPendingUpdated, map[string]any{"pendingModel": m})
	e.persistState()
}

// ClearPending drops staged prompt and model overrides.
func (e *Engine) ClearPending() {
	e.mutate(func() {
		e.state.PendingPrompt = ""
		e.state.PendingModel = nil
	})
	e.emit(events.LoopPendingUpdated, map[string]any{"pendingPrompt": "", "pendingModel": nil})
	e.persistState()
}

// InjectPendingNow stages the given prompt and model, then interrupts the
// running iteration so the next one consumes them. The session survives the
// abort, keeping its conversation history.
func (e *Engine) InjectPendingNow(ctx context.Context, message string, model *loop.ModelConfig) {
	e.mutate(func() {
		if message != "" {
			e.state.PendingPrompt = message
		}
		if model != nil {
			e.state.PendingModel = model
		}
	})
	e.emit(events.LoopPendingUpdated, map[string]any{"pendingPrompt": message})

	if e.isLoopRunning.Load() {
		// The driver persists at iteration end; snapshotting here would race
		// with its state writes.
		e.injectionPending.Store(true)
		e.aborted.Store(true)
		e.abortSession(ctx)
		return
	}
	e.persistState()

	// Idle in planning: run one plan iteration with the new pending values.
	if e.Status() == status.Planning {
		go e.runLoop(context.WithoutCancel(ctx))
	}
}

// InjectPlanFeedback delivers user feedback to a planning loop and triggers a
// refreshed plan iteration.
func (e *Engine) InjectPlanFeedback(ctx context.Context, text string) error {
	if e.Status() != status.Planning {
		return fmt.Errorf("plan feedback requires status planning, loop is %q", e.Status())
	}
	if e.state.PlanMode == nil {
		return fmt.Errorf("loop has no plan mode state")
	}
	e.mutate(func() {
		e.state.PlanMode.FeedbackRounds++
		e.state.PlanMode.IsPlanReady = false
	})
	e.InjectPendingNow(ctx, text, nil)
	return nil
}

// SetupGitBranchForPlanAcceptance prepares the worktree when the user accepts
// a plan.
func (e *Engine) SetupGitBranchForPlanAcceptance(ctx context.Context) error {
	if err := e.setupGitBranch(ctx); err != nil {
		return err
	}
	e.mutate(func() {
		if e.state.PlanMode != nil {
			e.state.PlanMode.PlanningFolderCleared = true
		}
	})
	e.persistState()
	return nil
}

// ContinueExecution resumes a loop after plan acceptance. Idempotent against
// duplicate calls through the isLoopRunning guard.
func (e *Engine) ContinueExecution(ctx context.Context) error {
	if e.isLoopRunning.Load() {
		e.logger.Info("continue requested while loop already running")
		return nil
	}
	if e.Status() != status.Planning {
		return fmt.Errorf("continue requires status planning, loop is %q", e.Status())
	}

	e.aborted.Store(false)
	e.injectionPending.Store(false)
	e.mutate(func() {
		if e.state.PlanMode != nil {
			e.state.PlanMode.Active = false
		}
	})
	if err := e.setupSession(ctx); err != nil {
		return e.handleError(fmt.Errorf("setting up session: %w", err))
	}

	e.emit(events.LoopStarted, map[string]any{"name": e.cfg.Name, "afterPlan": true})
	e.persistState()
	e.runLoop(ctx)
	return nil
}

// ReconnectSession reattaches the loop to the backend after a daemon restart,
// reusing the stored session id when one exists.
func (e *Engine) ReconnectSession(ctx context.Context) error {
	if !e.backend.IsConnected() {
		if err := e.backend.Connect(ctx, e.connCfg); err != nil {
			return fmt.Errorf("connecting backend: %w", err)
		}
	}
	if e.state.Session != nil && e.state.Session.ID != "" {
		return nil
	}
	session, err := e.backend.CreateSession(ctx, agent.CreateSessionOpts{
		Title:     "Ralph Loop: " + e.cfg.Name,
		Directory: e.workDir(),
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	e.mutate(func() {
		e.state.Session = &loop.SessionState{ID: session.ID, ServerURL: e.connCfg.ServerURL}
	})
	e.persistState()
	return nil
}

// WaitForLoopIdle polls until the iteration driver exits or the timeout
// elapses.
func (e *Engine) WaitForLoopIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !e.isLoopRunning.Load() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return !e.isLoopRunning.Load()
}

// appendLog records a supervisor-side log line in the loop state and on the
// bus.
func (e *Engine) appendLog(iteration int, level, message string) {
	entry := loop.LogEntry{
		ID:        loop.NewLogID(),
		Level:     level,
		Message:   message,
		Iteration: iteration,
		Timestamp: loop.Now(),
	}
	e.mutate(func() { e.state.AppendLog(entry) })
	e.emit(events.LoopLog, map[string]any{"id": entry.ID, "level": level, "message": message})
}
