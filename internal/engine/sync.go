package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/status"
)

// Sync statuses reported on the bus while a push is prepared.
const (
	syncAlreadyUpToDate = "already_up_to_date"
	syncClean           = "clean"
	syncResolving       = "conflicts_being_resolved"
)

const conflictResolutionMaxIterations = 10

// SyncAndPush brings the working branch up to date with the base branch and
// pushes it. Conflicts hand control to a resolution sub-loop running in the
// same worktree; when it completes, the push happens automatically.
func (e *Engine) SyncAndPush(ctx context.Context) error {
	switch e.Status() {
	case status.Completed, status.MaxIterations, status.ResolvingConflicts:
	default:
		return fmt.Errorf("push requires a finished loop, status is %q", e.Status())
	}
	if e.state.Git == nil || e.state.Git.WorktreePath == "" {
		return fmt.Errorf("loop has no worktree to push")
	}
	worktree := e.state.Git.WorktreePath

	base := e.cfg.Git.BaseBranch
	if base == "" {
		resolved, err := e.git.DefaultBranch(ctx, e.cfg.Directory)
		if err != nil {
			return fmt.Errorf("resolving base branch: %w", err)
		}
		base = resolved
	}

	e.emit(events.LoopSyncStarted, map[string]any{"baseBranch": base})

	if err := e.git.Fetch(ctx, worktree, "origin", base); err != nil {
		// No remote or unreachable: push directly and let it surface errors.
		e.logger.Warn("fetching base branch", "base", base, "error", err)
		return e.push(ctx)
	}
	remoteBase := "origin/" + base

	upToDate, err := e.git.IsAncestor(ctx, worktree, remoteBase, "HEAD")
	if err != nil {
		return fmt.Errorf("checking ancestry against %s: %w", remoteBase, err)
	}
	if upToDate {
		e.emit(events.LoopSyncClean, map[string]any{"status": syncAlreadyUpToDate})
		return e.push(ctx)
	}

	mergeMsg := fmt.Sprintf("%s Merge %s", e.cfg.Git.CommitPrefix, remoteBase)
	result, err := e.git.MergeWithConflictDetection(ctx, worktree, remoteBase, mergeMsg)
	if err != nil {
		return fmt.Errorf("merging %s: %w", remoteBase, err)
	}
	if result.AlreadyUpToDate || result.Success {
		e.emit(events.LoopSyncClean, map[string]any{"status": syncClean})
		return e.push(ctx)
	}

	// Conflicts: let a resolution loop work on the in-progress merge.
	if err := e.transition(status.ResolvingConflicts); err != nil {
		return err
	}
	e.mutate(func() {
		if e.state.Sync == nil {
			e.state.Sync = &loop.SyncState{}
		}
		e.state.Sync.AutoPushOnComplete = true
	})
	e.persistState()
	e.emit(events.LoopSyncConflicts, map[string]any{
		"status":          syncResolving,
		"conflictedFiles": result.ConflictedFiles,
	})

	return e.resolveConflictsAndPush(ctx, remoteBase, result.ConflictedFiles)
}

// resolveConflictsAndPush runs a sub-engine in the same worktree whose goal is
// finishing the in-progress merge, then pushes on success.
func (e *Engine) resolveConflictsAndPush(ctx context.Context, remoteBase string, conflicted []string) error {
	sub := e.newConflictResolver(remoteBase, conflicted)
	if err := sub.Start(ctx, StartOpts{SkipGitSetup: true}); err != nil {
		e.logger.Error("conflict resolution loop", "error", err)
	}

	switch sub.Status() {
	case status.Completed, status.MaxIterations:
		if err := e.push(ctx); err != nil {
			return err
		}
		e.mutate(func() { e.state.Sync.AutoPushOnComplete = false })
		e.persistState()
		return nil
	default:
		e.mutate(func() { e.state.Sync.AutoPushOnComplete = false })
		if e.Status() != status.Failed {
			if err := e.transition(status.Failed); err != nil {
				e.logger.Error("transition to failed after conflict resolution", "error", err)
			}
		}
		e.persistState()
		return fmt.Errorf("conflict resolution failed, loop left in %q", e.Status())
	}
}

// newConflictResolver builds the sub-engine. It shares the parent's loop id,
// worktree and collaborators but never persists; the parent snapshot is the
// durable record.
func (e *Engine) newConflictResolver(remoteBase string, conflicted []string) *Engine {
	prompt := fmt.Sprintf(
		"A merge of %s into the current branch stopped on conflicts. Resolve every conflict, keep both sides' intent, then stage the files and leave the merge ready to commit.\nConflicted files:\n%s",
		remoteBase, "- "+strings.Join(conflicted, "\n- "),
	)

	subLoop := &loop.Loop{
		Config: loop.Config{
			ID:                     e.cfg.ID,
			Name:                   e.cfg.Name + " (conflict resolution)",
			Directory:              e.cfg.Directory,
			Prompt:                 prompt,
			Model:                  e.cfg.Model,
			Git:                    e.cfg.Git,
			MaxIterations:          conflictResolutionMaxIterations,
			MaxConsecutiveErrors:   e.cfg.MaxConsecutiveErrors,
			ActivityTimeoutSeconds: e.cfg.ActivityTimeoutSeconds,
			Mode:                   loop.ModeLoop,
		},
		State: loop.State{
			Status: status.Idle,
			Git: &loop.GitState{
				OriginalBranch: e.state.Git.OriginalBranch,
				WorkingBranch:  e.state.Git.WorkingBranch,
				WorktreePath:   e.state.Git.WorktreePath,
			},
			StartedAt: loop.Now(),
		},
	}

	return New(Config{
		Loop:       subLoop,
		Bus:        e.bus,
		Git:        e.git,
		Backend:    e.backend,
		Exec:       e.exec,
		Metrics:    e.metrics,
		Logger:     e.logger.With("subloop", "conflict-resolution"),
		Connection: e.connCfg,
	})
}

// push publishes the working branch and settles the loop in pushed.
func (e *Engine) push(ctx context.Context) error {
	remoteBranch, err := e.git.PushBranch(ctx, e.state.Git.WorktreePath, e.state.Git.WorkingBranch, "origin")
	if err != nil {
		return fmt.Errorf("pushing %s: %w", e.state.Git.WorkingBranch, err)
	}
	if err := e.transition(status.Pushed); err != nil {
		return err
	}
	e.persistState()
	e.emit(events.LoopPushed, map[string]any{"remoteBranch": remoteBranch})
	return nil
}
