package engine

import (
	"fmt"
	"strings"

	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/stoppattern"
)

const planningInstructions = `Keep the planning folder up to date as you work:
- ./.planning/plan.md holds the implementation plan
- ./.planning/status.md tracks what is done and what remains`

// buildPrompt assembles the prompt for the next iteration and consumes the
// one-shot pending prompt and pending model in the same update.
func (e *Engine) buildPrompt() string {
	var pending string
	consumed := false
	e.mutate(func() {
		pending = e.state.PendingPrompt
		if pending == "" && e.state.PendingModel == nil {
			return
		}
		if e.state.PendingModel != nil {
			e.cfg.Model = *e.state.PendingModel
		}
		e.state.PendingPrompt = ""
		e.state.PendingModel = nil
		consumed = true
	})
	if consumed {
		e.emit(events.LoopPendingUpdated, map[string]any{"pendingPrompt": "", "pendingModel": nil})
	}

	switch {
	case e.cfg.Mode == loop.ModeChat:
		return e.chatPrompt(pending)
	case e.inPlanMode():
		return e.planPrompt(pending)
	default:
		return e.executionPrompt(pending)
	}
}

func (e *Engine) chatPrompt(pending string) string {
	message := pending
	if message == "" {
		message = e.cfg.Prompt
	}
	return fmt.Sprintf("You are working in directory: %s\n\n%s", e.workDir(), message)
}

func (e *Engine) executionPrompt(pending string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Original Goal: %s\n", e.cfg.Prompt)

	if pending != "" {
		fmt.Fprintf(&b, "\n**User Message**\n%s\n", pending)
	}
	if ce := e.state.ConsecutiveErrors; ce != nil && ce.Count > 0 {
		fmt.Fprintf(&b, "\n**Previous Iteration Error**\nThe previous iteration failed with: %s (seen %d time(s) in a row). Review the error and take a different approach.\n", ce.LastErrorMessage, ce.Count)
	}

	fmt.Fprintf(&b, "\n%s\n", planningInstructions)
	fmt.Fprintf(&b, "\nWhen the original goal is fully achieved, end your reply with:\n%s\n", "<promise>COMPLETE</promise>")
	return b.String()
}

func (e *Engine) planPrompt(pending string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Original Goal: %s\n", e.cfg.Prompt)

	if e.state.PlanMode != nil && e.state.PlanMode.FeedbackRounds > 0 {
		fmt.Fprintf(&b, "\nYou already produced a plan. Refresh it based on the feedback below.\n")
		if pending != "" {
			fmt.Fprintf(&b, "\n**User Feedback**\n%s\n", pending)
		}
		if ce := e.state.ConsecutiveErrors; ce != nil && ce.Count > 0 {
			fmt.Fprintf(&b, "\n**Previous Iteration Error**\n%s\n", ce.LastErrorMessage)
		}
	} else {
		fmt.Fprintf(&b, "\nDo not write any code yet. Study the repository and produce an implementation plan.\n")
	}

	fmt.Fprintf(&b, "\nWrite the plan to ./.planning/plan.md and a status overview to ./.planning/status.md.\n")
	fmt.Fprintf(&b, "\nWhen the plan is ready for review, end your reply with:\n%s\n", stoppattern.PlanReadyMarker)
	return b.String()
}

func (e *Engine) workDir() string {
	if e.state.Git != nil && e.state.Git.WorktreePath != "" {
		return e.state.Git.WorktreePath
	}
	return e.cfg.Directory
}

func (e *Engine) inPlanMode() bool {
	return e.state.PlanMode != nil && e.state.PlanMode.Active
}
