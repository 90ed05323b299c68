// Package gitops provides stateless git operations for loop isolation. Every
// operation takes the target directory explicitly and runs `git -C <dir>`
// through an injected executor; the service itself holds no directory state.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ralphlabs/ralphd/internal/shell"
)

// ErrNoChangesToCommit is returned by Commit when nothing is staged.
var ErrNoChangesToCommit = errors.New("no changes to commit")

// BranchMismatchError reports a refused operation on the wrong branch while
// the working tree is dirty.
type BranchMismatchError struct {
	CurrentBranch  string
	ExpectedBranch string
}

func (e *BranchMismatchError) Error() string {
	return fmt.Sprintf("on branch %s with uncommitted changes, expected branch %s",
		e.CurrentBranch, e.ExpectedBranch)
}

// Service executes git operations through a shell executor.
type Service struct {
	exec   shell.Executor
	logger *slog.Logger
}

// New creates a Service using the given executor.
func New(exec shell.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{exec: exec, logger: logger}
}

// git runs a git command in dir and returns stdout. Non-zero exits surface as
// *shell.ExitError carrying the exit code and stderr.
func (s *Service) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	res, err := s.exec.Exec(ctx, "git", full, shell.ExecOpts{})
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	if !res.Success {
		return res.Stdout, &shell.ExitError{
			Code:   res.ExitCode,
			Stderr: strings.TrimSpace(res.Stderr),
			Cmd:    "git " + strings.Join(args, " "),
		}
	}
	return res.Stdout, nil
}

// IsGitRepo reports whether dir is inside a git work tree.
func (s *Service) IsGitRepo(ctx context.Context, dir string) bool {
	out, err := s.git(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch name. When HEAD has no commits
// yet (fresh repo), rev-parse fails and the notional branch is read from the
// symbolic ref instead.
func (s *Service) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := s.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		name := strings.TrimSpace(out)
		if name != "" && name != "HEAD" {
			return name, nil
		}
	}
	out, symErr := s.git(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if symErr != nil {
		if err != nil {
			return "", fmt.Errorf("getting current branch: %w", err)
		}
		return "", fmt.Errorf("getting current branch: %w", symErr)
	}
	return strings.TrimSpace(out), nil
}

// Branch is one local branch.
type Branch struct {
	Name    string
	Current bool
}

// LocalBranches lists local branches sorted by name. An empty repo still
// reports its notional current branch.
func (s *Service) LocalBranches(ctx context.Context, dir string) ([]Branch, error) {
	out, err := s.git(ctx, dir, "branch", "--list", "--format=%(refname:short)\t%(HEAD)")
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}

	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, " ")
		if line == "" {
			continue
		}
		name, head, _ := strings.Cut(line, "\t")
		branches = append(branches, Branch{Name: name, Current: head == "*"})
	}

	if len(branches) == 0 {
		// Unborn HEAD: the branch exists in name only.
		name, err := s.CurrentBranch(ctx, dir)
		if err != nil {
			return nil, err
		}
		return []Branch{{Name: name, Current: true}}, nil
	}

	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (s *Service) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, err := s.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// ChangedFiles returns the paths touched in the working tree. Renames report
// the new path.
func (s *Service) ChangedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := s.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing changed files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		// Porcelain format: XY <path>. X or Y may be a space, so only the
		// two status columns and the separator are stripped, never leading
		// path characters.
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		// Renames and copies read "old -> new"; the new path is the one that
		// exists on disk.
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		files = append(files, strings.TrimSpace(path))
	}
	return files, nil
}

// CreateBranch creates a branch at HEAD without switching to it.
func (s *Service) CreateBranch(ctx context.Context, dir, name string) error {
	if _, err := s.git(ctx, dir, "branch", name); err != nil {
		return fmt.Errorf("creating branch %s: %w", name, err)
	}
	return nil
}

// CheckoutBranch switches the working tree to the branch.
func (s *Service) CheckoutBranch(ctx context.Context, dir, name string) error {
	if _, err := s.git(ctx, dir, "checkout", name); err != nil {
		return fmt.Errorf("checking out %s: %w", name, err)
	}
	return nil
}

// DeleteBranch force-deletes a local branch.
func (s *Service) DeleteBranch(ctx context.Context, dir, name string) error {
	if _, err := s.git(ctx, dir, "branch", "-D", name); err != nil {
		return fmt.Errorf("deleting branch %s: %w", name, err)
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (s *Service) BranchExists(ctx context.Context, dir, name string) bool {
	_, err := s.git(ctx, dir, "rev-parse", "--verify", "refs/heads/"+name)
	return err == nil
}

// StageAll stages every change including untracked files.
func (s *Service) StageAll(ctx context.Context, dir string) error {
	if _, err := s.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("staging changes: %w", err)
	}
	return nil
}

// CommitOpts configures Commit.
type CommitOpts struct {
	// ExpectedBranch, when set, runs a branch guard before committing: the
	// service switches to the branch when the tree is clean and fails with
	// *BranchMismatchError when it is dirty on the wrong branch.
	ExpectedBranch string
}

// CommitResult describes a created commit.
type CommitResult struct {
	SHA          string
	Message      string
	FilesChanged []string
}

// Commit creates a commit from the staged changes. Returns
// ErrNoChangesToCommit when nothing is staged.
func (s *Service) Commit(ctx context.Context, dir, message string, opts CommitOpts) (CommitResult, error) {
	if opts.ExpectedBranch != "" {
		if err := s.EnsureBranch(ctx, dir, opts.ExpectedBranch, true); err != nil {
			return CommitResult{}, err
		}
	}

	// diff --cached --quiet exits 1 when there are staged changes.
	if _, err := s.git(ctx, dir, "diff", "--cached", "--quiet"); err == nil {
		return CommitResult{}, ErrNoChangesToCommit
	} else {
		var exitErr *shell.ExitError
		if !errors.As(err, &exitErr) || exitErr.Code != 1 {
			return CommitResult{}, fmt.Errorf("checking staged changes: %w", err)
		}
	}

	if _, err := s.git(ctx, dir, "commit", "-m", message); err != nil {
		return CommitResult{}, fmt.Errorf("committing: %w", err)
	}

	sha, err := s.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return CommitResult{}, fmt.Errorf("resolving commit sha: %w", err)
	}

	filesOut, err := s.git(ctx, dir, "show", "--name-only", "--format=", "HEAD")
	if err != nil {
		return CommitResult{}, fmt.Errorf("listing committed files: %w", err)
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(filesOut), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}

	return CommitResult{
		SHA:          strings.TrimSpace(sha),
		Message:      message,
		FilesChanged: files,
	}, nil
}

// EnsureBranch verifies the working tree is on branch. On the wrong branch it
// switches when the tree is clean and autoCheckout is set; a dirty tree on
// the wrong branch fails fast with *BranchMismatchError.
func (s *Service) EnsureBranch(ctx context.Context, dir, branch string, autoCheckout bool) error {
	current, err := s.CurrentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if current == branch {
		return nil
	}

	dirty, err := s.HasUncommittedChanges(ctx, dir)
	if err != nil {
		return err
	}
	if dirty {
		return &BranchMismatchError{CurrentBranch: current, ExpectedBranch: branch}
	}
	if !autoCheckout {
		return &BranchMismatchError{CurrentBranch: current, ExpectedBranch: branch}
	}
	return s.CheckoutBranch(ctx, dir, branch)
}

// ResetHard discards all tracked changes and untracked files. With an
// expected branch it switches there first, discarding anything in the way.
func (s *Service) ResetHard(ctx context.Context, dir string, expectedBranch string) error {
	if expectedBranch != "" {
		current, err := s.CurrentBranch(ctx, dir)
		if err != nil {
			return err
		}
		if current != expectedBranch {
			if _, err := s.git(ctx, dir, "checkout", "-f", expectedBranch); err != nil {
				return fmt.Errorf("switching to %s: %w", expectedBranch, err)
			}
		}
	}
	if _, err := s.git(ctx, dir, "reset", "--hard"); err != nil {
		return fmt.Errorf("resetting: %w", err)
	}
	if _, err := s.git(ctx, dir, "clean", "-fd"); err != nil {
		return fmt.Errorf("cleaning untracked files: %w", err)
	}
	return nil
}

// Stash saves the working tree including untracked files.
func (s *Service) Stash(ctx context.Context, dir string) error {
	if _, err := s.git(ctx, dir, "stash", "push", "--include-untracked"); err != nil {
		return fmt.Errorf("stashing: %w", err)
	}
	return nil
}

// StashPop restores the most recent stash.
func (s *Service) StashPop(ctx context.Context, dir string) error {
	if _, err := s.git(ctx, dir, "stash", "pop"); err != nil {
		return fmt.Errorf("popping stash: %w", err)
	}
	return nil
}

// Pull brings branch up to date with its remote using fetch followed by a
// fast-forward-only merge, so a failed pull leaves the tree untouched.
// Returns false (without error) when there is no remote, no upstream ref, or
// the merge is not fast-forwardable.
func (s *Service) Pull(ctx context.Context, dir, branch, remote string) (bool, error) {
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		current, err := s.CurrentBranch(ctx, dir)
		if err != nil {
			return false, err
		}
		branch = current
	}

	if _, err := s.git(ctx, dir, "remote", "get-url", remote); err != nil {
		return false, nil
	}
	if _, err := s.git(ctx, dir, "fetch", remote, branch); err != nil {
		s.logger.Debug("fetch failed, skipping pull", "dir", dir, "branch", branch, "error", err)
		return false, nil
	}
	if _, err := s.git(ctx, dir, "rev-parse", "--verify", remote+"/"+branch); err != nil {
		return false, nil
	}
	if _, err := s.git(ctx, dir, "merge", "--ff-only", remote+"/"+branch); err != nil {
		s.logger.Debug("not fast-forwardable, skipping pull", "dir", dir, "branch", branch, "error", err)
		return false, nil
	}
	return true, nil
}

// PushBranch pushes branch to the remote with -u and returns the remote ref
// name ("origin/branch").
func (s *Service) PushBranch(ctx context.Context, dir, branch, remote string) (string, error) {
	if remote == "" {
		remote = "origin"
	}
	if _, err := s.git(ctx, dir, "push", "-u", remote, branch); err != nil {
		return "", fmt.Errorf("pushing %s to %s: %w", branch, remote, err)
	}
	return remote + "/" + branch, nil
}

// DefaultBranch resolves the repository's default branch: origin/HEAD when
// set, then main, then master, then whatever is checked out.
func (s *Service) DefaultBranch(ctx context.Context, dir string) (string, error) {
	out, err := s.git(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if name, ok := strings.CutPrefix(ref, "refs/remotes/origin/"); ok && name != "" {
			return name, nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if s.BranchExists(ctx, dir, candidate) {
			return candidate, nil
		}
	}
	return s.CurrentBranch(ctx, dir)
}

// IsAncestor reports whether ref is an ancestor of maybeDescendant.
func (s *Service) IsAncestor(ctx context.Context, dir, ref, maybeDescendant string) (bool, error) {
	_, err := s.git(ctx, dir, "merge-base", "--is-ancestor", ref, maybeDescendant)
	if err != nil {
		var exitErr *shell.ExitError
		if errors.As(err, &exitErr) && exitErr.Code == 1 {
			return false, nil
		}
		return false, fmt.Errorf("checking ancestry: %w", err)
	}
	return true, nil
}

// MergeResult describes a merge attempt.
type MergeResult struct {
	Success         bool
	AlreadyUpToDate bool
	HasConflicts    bool
	ConflictedFiles []string
	MergeCommitSHA  string
}

// MergeWithConflictDetection merges source into the current branch. Conflicts
// are reported, not treated as errors; the merge is left in progress so a
// resolution loop can work on it.
func (s *Service) MergeWithConflictDetection(ctx context.Context, dir, source, commitMessage string) (MergeResult, error) {
	args := []string{"merge", "--no-ff"}
	if commitMessage != "" {
		args = append(args, "-m", commitMessage)
	}
	args = append(args, source)

	out, err := s.git(ctx, dir, args...)
	if err == nil {
		if strings.Contains(out, "Already up to date") {
			return MergeResult{Success: true, AlreadyUpToDate: true}, nil
		}
		sha, shaErr := s.git(ctx, dir, "rev-parse", "HEAD")
		if shaErr != nil {
			return MergeResult{}, fmt.Errorf("resolving merge commit: %w", shaErr)
		}
		return MergeResult{Success: true, MergeCommitSHA: strings.TrimSpace(sha)}, nil
	}

	conflicted, confErr := s.ConflictedFiles(ctx, dir)
	if confErr != nil {
		return MergeResult{}, fmt.Errorf("merging %s: %w", source, err)
	}
	if len(conflicted) > 0 {
		return MergeResult{HasConflicts: true, ConflictedFiles: conflicted}, nil
	}
	return MergeResult{}, fmt.Errorf("merging %s: %w", source, err)
}

// AbortMerge aborts an in-progress merge.
func (s *Service) AbortMerge(ctx context.Context, dir string) error {
	if _, err := s.git(ctx, dir, "merge", "--abort"); err != nil {
		return fmt.Errorf("aborting merge: %w", err)
	}
	return nil
}

// ConflictedFiles lists paths with unresolved conflicts.
func (s *Service) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := s.git(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("listing conflicted files: %w", err)
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// Fetch fetches a single branch from the remote.
func (s *Service) Fetch(ctx context.Context, dir, remote, branch string) error {
	if remote == "" {
		remote = "origin"
	}
	if _, err := s.git(ctx, dir, "fetch", remote, branch); err != nil {
		return fmt.Errorf("fetching %s/%s: %w", remote, branch, err)
	}
	return nil
}

// RevParse resolves a ref to a commit sha.
func (s *Service) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := s.git(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// CleanupStaleLockFiles removes a leftover index.lock, retrying with backoff
// in case another git process is legitimately holding it.
func (s *Service) CleanupStaleLockFiles(ctx context.Context, dir string, retries int, backoff time.Duration) error {
	lockPath := dir + "/.git/index.lock"
	gitDir, err := s.resolveGitDir(dir)
	if err == nil {
		lockPath = gitDir + "/index.lock"
	}

	for attempt := 0; ; attempt++ {
		if !s.exec.FileExists(lockPath) {
			return nil
		}
		if attempt >= retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	// Still present after the grace period: treat it as stale.
	res, err := s.exec.Exec(ctx, "rm", []string{"-f", lockPath}, shell.ExecOpts{})
	if err != nil {
		return fmt.Errorf("removing stale lock %s: %w", lockPath, err)
	}
	if !res.Success {
		return &shell.ExitError{Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr), Cmd: "rm -f " + lockPath}
	}
	s.logger.Warn("removed stale git lock file", "path", lockPath)
	return nil
}
