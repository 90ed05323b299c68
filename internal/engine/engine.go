// Package engine drives one loop: it prepares the git worktree, runs the
// iteration loop against the agent backend, publishes loop events, and
// enforces the status transition table on every state change.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/gitops"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/metrics"
	"github.com/ralphlabs/ralphd/internal/shell"
	"github.com/ralphlabs/ralphd/internal/status"
	"github.com/ralphlabs/ralphd/internal/stoppattern"
)

const defaultActivityTimeout = 5 * time.Minute

// PersistFn receives a full state snapshot after every mutation worth keeping.
// The engine holds no direct persistence reference so Stop can disarm it.
type PersistFn func(loop.Snapshot)

// Config wires an Engine to its collaborators.
type Config struct {
	Loop       *loop.Loop
	Bus        *events.Bus
	Git        *gitops.Service
	Backend    agent.Backend
	Exec       shell.Executor
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Persist    PersistFn
	Connection agent.ConnectionConfig

	// SeedGlobs name untracked files (doublestar patterns relative to the
	// main checkout) copied into a fresh worktree, e.g. ".env*".
	SeedGlobs []string
}

// Engine owns one loop's iteration driver. All state mutation happens on the
// driver goroutine; control operations only flip flags and abort the session.
type Engine struct {
	cfg     *loop.Config
	state   *loop.State
	bus     *events.Bus
	git     *gitops.Service
	backend agent.Backend
	exec    shell.Executor
	metrics *metrics.Metrics
	logger  *slog.Logger
	stop    *stoppattern.Detector

	connCfg   agent.ConnectionConfig
	seedGlobs []string

	isLoopRunning    atomic.Bool
	aborted          atomic.Bool
	injectionPending atomic.Bool

	// stateMu guards cfg and state against Snapshot readers on other
	// goroutines. The driver holds it for every mutation block.
	stateMu sync.Mutex

	persistMu sync.Mutex
	persist   PersistFn
}

// New creates an engine for the given loop.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("loop", cfg.Loop.Config.ID)

	pattern := cfg.Loop.Config.StopPattern
	if pattern == "" {
		pattern = stoppattern.DefaultPattern
	}

	return &Engine{
		cfg:       &cfg.Loop.Config,
		state:     &cfg.Loop.State,
		bus:       cfg.Bus,
		git:       cfg.Git,
		backend:   cfg.Backend,
		exec:      cfg.Exec,
		metrics:   cfg.Metrics,
		logger:    logger,
		stop:      stoppattern.New(pattern, logger),
		connCfg:   cfg.Connection,
		seedGlobs: cfg.SeedGlobs,
		persist:   cfg.Persist,
	}
}

// StartOpts tunes engine startup.
type StartOpts struct {
	// SkipGitSetup reuses the existing worktree, for review cycles and
	// conflict-resolution runs.
	SkipGitSetup bool
}

// Start runs the loop to its next resting status. It blocks; callers that
// need concurrency run it on their own goroutine.
func (e *Engine) Start(ctx context.Context, opts StartOpts) error {
	switch e.Status() {
	case status.Idle, status.Draft, status.Stopped, status.Planning, status.ResolvingConflicts:
	default:
		return fmt.Errorf("cannot start loop in status %q", e.Status())
	}
	if e.Status() == status.Draft {
		if err := e.transition(status.Idle); err != nil {
			return err
		}
	}

	e.aborted.Store(false)
	e.injectionPending.Store(false)
	e.mutate(func() {
		e.state.CurrentIteration = 0
		e.state.RecentIterations = nil
		if e.state.StartedAt == "" {
			e.state.StartedAt = loop.Now()
		}
		if e.cfg.PlanMode && e.state.PlanMode == nil {
			e.state.PlanMode = &loop.PlanModeState{Active: true}
		}
	})

	if e.Status() != status.Planning {
		target := status.Starting
		if e.inPlanMode() {
			target = status.Planning
		}
		if err := e.transition(target); err != nil {
			return err
		}
	}

	if !e.inPlanMode() && !opts.SkipGitSetup {
		if err := e.setupGitBranch(ctx); err != nil {
			return e.handleError(fmt.Errorf("setting up git branch: %w", err))
		}
		if e.cfg.ClearPlanningFolder && !e.planningFolderCleared() {
			if err := e.clearPlanningFolder(ctx); err != nil {
				e.logger.Warn("clearing planning folder", "error", err)
			}
		}
	}

	if err := e.setupSession(ctx); err != nil {
		return e.handleError(fmt.Errorf("setting up session: %w", err))
	}

	if !e.inPlanMode() {
		e.emit(events.LoopStarted, map[string]any{"name": e.cfg.Name})
	}
	e.persistState()

	e.runLoop(ctx)
	return nil
}

// setupGitBranch prepares the loop's isolated worktree. Idempotent: a retry
// reuses the branch and worktree recorded in state.
func (e *Engine) setupGitBranch(ctx context.Context) error {
	dir := e.cfg.Directory

	branch := ""
	if e.state.Git != nil {
		branch = e.state.Git.WorkingBranch
	}
	if branch == "" {
		startedAt, err := time.Parse(time.RFC3339, e.state.StartedAt)
		if err != nil {
			return fmt.Errorf("parsing startedAt %q: %w", e.state.StartedAt, err)
		}
		branch = GenerateBranchName(e.cfg.Git.BranchPrefix, e.cfg.Name, startedAt)
	}

	originalBranch := ""
	if e.state.Git != nil {
		originalBranch = e.state.Git.OriginalBranch
	}
	if originalBranch == "" {
		originalBranch = e.cfg.Git.BaseBranch
	}
	if originalBranch == "" {
		current, err := e.git.CurrentBranch(ctx, dir)
		if err != nil {
			return fmt.Errorf("resolving current branch: %w", err)
		}
		originalBranch = current
	}

	// Pull on the main checkout so the worktree starts close to the remote.
	if pulled, err := e.git.Pull(ctx, dir, originalBranch, "origin"); err != nil {
		e.logger.Warn("pulling base branch", "branch", originalBranch, "error", err)
	} else if !pulled {
		e.logger.Debug("base branch not pulled", "branch", originalBranch)
	}

	worktreePath := filepath.Join(dir, gitops.WorktreesDirName, e.cfg.ID)
	exists, err := e.git.WorktreeExists(ctx, dir, worktreePath)
	if err != nil {
		return fmt.Errorf("checking worktree: %w", err)
	}
	switch {
	case exists:
		e.logger.Info("reusing worktree", "path", worktreePath)
	case e.git.BranchExists(ctx, dir, branch):
		if err := e.git.AddWorktreeForExistingBranch(ctx, dir, worktreePath, branch); err != nil {
			return fmt.Errorf("attaching worktree: %w", err)
		}
	default:
		if err := e.git.CreateWorktree(ctx, dir, worktreePath, branch, originalBranch); err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
	}

	if err := e.seedWorktree(dir, worktreePath); err != nil {
		e.logger.Warn("seeding worktree", "error", err)
	}

	commits := []loop.GitCommit(nil)
	if e.state.Git != nil {
		commits = e.state.Git.Commits
	}
	e.mutate(func() {
		e.state.Git = &loop.GitState{
			OriginalBranch: originalBranch,
			WorkingBranch:  branch,
			WorktreePath:   worktreePath,
			Commits:        commits,
		}
	})
	return nil
}

// seedWorktree copies untracked files matching the seed globs from the main
// checkout into the worktree, skipping files that already exist there.
func (e *Engine) seedWorktree(dir, worktreePath string) error {
	for _, pattern := range e.seedGlobs {
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			return fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, rel := range matches {
			src := filepath.Join(dir, rel)
			info, err := os.Stat(src)
			if err != nil || info.IsDir() {
				continue
			}
			dst := filepath.Join(worktreePath, rel)
			if _, err := os.Stat(dst); err == nil {
				continue
			}
			data, err := os.ReadFile(src)
			if err != nil {
				return fmt.Errorf("reading %s: %w", src, err)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
			}
			if err := os.WriteFile(dst, data, info.Mode().Perm()); err != nil {
				return fmt.Errorf("writing %s: %w", dst, err)
			}
			e.logger.Debug("seeded worktree file", "file", rel)
		}
	}
	return nil
}

// clearPlanningFolder empties .planning/ in the worktree, keeping .gitkeep,
// and commits the deletion when a tracked file was removed.
func (e *Engine) clearPlanningFolder(ctx context.Context) error {
	planningDir := filepath.Join(e.workDir(), ".planning")
	entries, err := os.ReadDir(planningDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading planning folder: %w", err)
	}

	removed := false
	for _, entry := range entries {
		if entry.Name() == ".gitkeep" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(planningDir, entry.Name())); err != nil {
			return fmt.Errorf("removing %s: %w", entry.Name(), err)
		}
		removed = true
	}
	if !removed {
		return nil
	}

	if err := e.git.StageAll(ctx, e.workDir()); err != nil {
		return fmt.Errorf("staging planning cleanup: %w", err)
	}
	message := fmt.Sprintf("%s Clear planning folder", e.cfg.Git.CommitPrefix)
	if _, err := e.git.Commit(ctx, e.workDir(), message, gitops.CommitOpts{}); err != nil && err != gitops.ErrNoChangesToCommit {
		return fmt.Errorf("committing planning cleanup: %w", err)
	}
	return nil
}

func (e *Engine) planningFolderCleared() bool {
	return e.state.PlanMode != nil && e.state.PlanMode.PlanningFolderCleared
}

// setupSession connects the backend if needed and reuses or creates the
// loop's session.
func (e *Engine) setupSession(ctx context.Context) error {
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
	return nil
}

// runLoop drives iterations until a terminal outcome, abort, or the iteration
// cap. Re-entrant calls are rejected by the isLoopRunning guard.
func (e *Engine) runLoop(ctx context.Context) {
	if !e.isLoopRunning.CompareAndSwap(false, true) {
		e.logger.Warn("iteration loop already running")
		return
	}
	defer e.isLoopRunning.Store(false)

	for !e.aborted.Load() && e.isRunnable() {
		res := e.runIteration(ctx)

		done := e.handleOutcome(ctx, res)
		if done {
			return
		}

		if e.cfg.MaxIterations > 0 && e.state.CurrentIteration >= e.cfg.MaxIterations {
			if err := e.transition(status.MaxIterations); err != nil {
				e.logger.Error("transition to max_iterations", "error", err)
				return
			}
			e.persistState()
			e.emit(events.LoopStopped, map[string]any{
				"reason": fmt.Sprintf("Reached maximum iterations: %d", e.cfg.MaxIterations),
			})
			return
		}

		if e.aborted.Load() {
			if e.injectionPending.Load() {
				e.aborted.Store(false)
				e.injectionPending.Store(false)
				continue
			}
			return
		}
	}
}

func (e *Engine) isRunnable() bool {
	switch e.Status() {
	case status.Starting, status.Running, status.Planning:
		return true
	}
	return false
}

// handleOutcome reacts to one finished iteration. Returns true when the loop
// must exit.
func (e *Engine) handleOutcome(ctx context.Context, res iterationResult) bool {
	switch res.outcome {
	case outcomeComplete:
		if err := e.transition(status.Completed); err != nil {
			e.logger.Error("transition to completed", "error", err)
			return true
		}
		e.mutate(func() {
			e.state.CompletedAt = loop.Now()
			e.state.ConsecutiveErrors = nil
			if e.state.ReviewMode != nil {
				e.state.ReviewMode.CompletionAction = "comments_addressed"
			}
		})
		e.persistState()
		e.countIteration("complete")
		e.emit(events.LoopCompleted, map[string]any{"iteration": e.state.CurrentIteration})
		return true

	case outcomePlanReady:
		e.mutate(func() {
			e.state.ConsecutiveErrors = nil
			if e.state.PlanMode != nil {
				e.state.PlanMode.IsPlanReady = true
				if content, err := os.ReadFile(filepath.Join(e.workDir(), ".planning", "plan.md")); err == nil {
					e.state.PlanMode.PlanContent = string(content)
				}
			}
		})
		e.persistState()
		e.countIteration("plan_ready")
		e.emit(events.LoopPlanReady, map[string]any{"iteration": e.state.CurrentIteration})
		return true

	case outcomeError:
		// Errors do not consume the iteration budget.
		e.mutate(func() {
			e.state.CurrentIteration--
			e.state.Error = &loop.ErrorInfo{
				Message:   res.errMsg,
				Iteration: e.state.CurrentIteration + 1,
				Timestamp: loop.Now(),
			}
			e.trackConsecutiveError(res.errMsg)
		})
		e.countIteration("error")
		if e.metrics != nil {
			e.metrics.LoopErrorsTotal.WithLabelValues("iteration").Inc()
		}

		if e.failsafeReached() {
			if err := e.transition(status.Failed); err != nil {
				e.logger.Error("transition to failed", "error", err)
				return true
			}
			e.persistState()
			e.emit(events.LoopError, map[string]any{
				"message": res.errMsg,
				"fatal":   true,
				"count":   e.state.ConsecutiveErrors.Count,
			})
			return true
		}
		e.emit(events.LoopError, map[string]any{"message": res.errMsg, "fatal": false})
		return false

	default: // continue
		e.mutate(func() { e.state.ConsecutiveErrors = nil })
		e.countIteration("continue")
		return false
	}
}

// trackConsecutiveError counts identical error messages in a row. A different
// message restarts the count at 1. Caller holds the state lock.
func (e *Engine) trackConsecutiveError(message string) {
	ce := e.state.ConsecutiveErrors
	if ce != nil && ce.LastErrorMessage == message {
		ce.Count++
		return
	}
	e.state.ConsecutiveErrors = &loop.ConsecutiveErrors{LastErrorMessage: message, Count: 1}
}

func (e *Engine) failsafeReached() bool {
	if e.cfg.MaxConsecutiveErrors <= 0 {
		return false
	}
	ce := e.state.ConsecutiveErrors
	return ce != nil && ce.Count >= e.cfg.MaxConsecutiveErrors
}

// handleError moves the loop to failed from a startup error.
func (e *Engine) handleError(err error) error {
	e.logger.Error("loop failed", "error", err)
	if terr := e.transition(status.Failed); terr != nil {
		e.logger.Error("transition to failed", "error", terr)
	}
	e.mutate(func() {
		e.state.Error = &loop.ErrorInfo{Message: err.Error(), Timestamp: loop.Now()}
	})
	e.persistState()
	e.emit(events.LoopError, map[string]any{"message": err.Error(), "fatal": true})
	if e.metrics != nil {
		e.metrics.LoopErrorsTotal.WithLabelValues("startup").Inc()
	}
	return err
}

// mutate runs fn holding the state lock. Every cfg or state write after
// construction goes through here or through transition, so Snapshot never
// observes a half-written value.
func (e *Engine) mutate(fn func()) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	fn()
}

func (e *Engine) transition(to status.Status) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if err := status.AssertValidTransition(e.state.Status, to); err != nil {
		return err
	}
	e.state.Status = to
	return nil
}

func (e *Engine) emit(t events.Type, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	e.bus.Emit(events.New(t, e.cfg.ID, payload))
	if e.metrics != nil {
		e.metrics.EventsPublishedTotal.WithLabelValues(string(t)).Inc()
	}
}

func (e *Engine) countIteration(outcome string) {
	if e.metrics != nil {
		e.metrics.IterationsTotal.WithLabelValues(outcome).Inc()
	}
}

// persistState hands a snapshot to the persistence callback, if still armed.
func (e *Engine) persistState() {
	e.persistMu.Lock()
	p := e.persist
	e.persistMu.Unlock()
	if p == nil {
		return
	}
	p(e.Snapshot())
}

func (e *Engine) disarmPersist() {
	e.persistMu.Lock()
	e.persist = nil
	e.persistMu.Unlock()
}

// Snapshot returns a deep copy of the loop's current config and state, safe
// to read while the iteration driver runs.
func (e *Engine) Snapshot() loop.Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return loop.Snapshot{Config: *e.cfg, State: e.state.Clone()}
}

// Status returns the loop's current status.
func (e *Engine) Status() status.Status {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state.Status
}

// IsLoopRunning reports whether the iteration driver is active.
func (e *Engine) IsLoopRunning() bool {
	return e.isLoopRunning.Load()
}

func (e *Engine) activityTimeout() time.Duration {
	if e.cfg.ActivityTimeoutSeconds > 0 {
		return time.Duration(e.cfg.ActivityTimeoutSeconds) * time.Second
	}
	return defaultActivityTimeout
}
