package gitops

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// WorktreesDirName is the directory under the repository root holding all
// loop worktrees. It is kept out of git via .git/info/exclude.
const WorktreesDirName = ".ralph-worktrees"

// Worktree is one entry reported by `git worktree list`.
type Worktree struct {
	Path   string
	Head   string
	Branch string
}

// CreateWorktree adds a worktree at path with a new branch created from base
// (HEAD when base is empty), and registers the worktrees directory in the
// main repository's exclude file.
func (s *Service) CreateWorktree(ctx context.Context, dir, path, newBranch, base string) error {
	args := []string{"worktree", "add", "-b", newBranch, path}
	if base != "" {
		args = append(args, base)
	}
	if _, err := s.git(ctx, dir, args...); err != nil {
		return fmt.Errorf("creating worktree %s: %w", path, err)
	}
	if err := s.EnsureWorktreeExcluded(dir); err != nil {
		s.logger.Warn("could not update git exclude file", "dir", dir, "error", err)
	}
	return nil
}

// AddWorktreeForExistingBranch attaches a worktree at path for a branch that
// already exists.
func (s *Service) AddWorktreeForExistingBranch(ctx context.Context, dir, path, branch string) error {
	if _, err := s.git(ctx, dir, "worktree", "add", path, branch); err != nil {
		return fmt.Errorf("adding worktree for %s: %w", branch, err)
	}
	if err := s.EnsureWorktreeExcluded(dir); err != nil {
		s.logger.Warn("could not update git exclude file", "dir", dir, "error", err)
	}
	return nil
}

// WorktreeExists reports whether a worktree is registered at path.
func (s *Service) WorktreeExists(ctx context.Context, dir, path string) (bool, error) {
	worktrees, err := s.ListWorktrees(ctx, dir)
	if err != nil {
		return false, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	for _, wt := range worktrees {
		if wt.Path == abs || wt.Path == path {
			return true, nil
		}
	}
	return false, nil
}

// ListWorktrees returns all registered worktrees, main checkout included.
func (s *Service) ListWorktrees(ctx context.Context, dir string) ([]Worktree, error) {
	out, err := s.git(ctx, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var worktrees []Worktree
	var current Worktree
	flush := func() {
		if current.Path != "" {
			worktrees = append(worktrees, current)
			current = Worktree{}
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return worktrees, nil
}

// RemoveWorktree removes the worktree at path.
func (s *Service) RemoveWorktree(ctx context.Context, dir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := s.git(ctx, dir, args...); err != nil {
		return fmt.Errorf("removing worktree %s: %w", path, err)
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations whose directories are gone.
func (s *Service) PruneWorktrees(ctx context.Context, dir string) error {
	if _, err := s.git(ctx, dir, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}
	return nil
}

// EnsureWorktreeExcluded appends the worktrees directory to the repository's
// .git/info/exclude exactly once. Idempotent.
func (s *Service) EnsureWorktreeExcluded(dir string) error {
	gitDir, err := s.resolveGitDir(dir)
	if err != nil {
		return err
	}

	excludePath := filepath.Join(gitDir, "info", "exclude")
	existing := ""
	if s.exec.FileExists(excludePath) {
		existing, err = s.exec.ReadFile(excludePath)
		if err != nil {
			return fmt.Errorf("reading exclude file: %w", err)
		}
	}

	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == WorktreesDirName {
			return nil
		}
	}

	updated := existing
	if updated != "" && !strings.HasSuffix(updated, "\n") {
		updated += "\n"
	}
	updated += WorktreesDirName + "\n"
	if err := s.exec.WriteFile(excludePath, updated); err != nil {
		return fmt.Errorf("writing exclude file: %w", err)
	}
	return nil
}

// resolveGitDir finds the main repository's .git directory for dir. Inside a
// worktree, .git is a file holding a "gitdir:" pointer into
// <main>/.git/worktrees/<name>; the pointer is followed back to the shared
// .git directory.
func (s *Service) resolveGitDir(dir string) (string, error) {
	dotGit := filepath.Join(dir, ".git")
	if s.exec.DirectoryExists(dotGit) {
		return dotGit, nil
	}
	if !s.exec.FileExists(dotGit) {
		return "", fmt.Errorf("no .git in %s", dir)
	}

	content, err := s.exec.ReadFile(dotGit)
	if err != nil {
		return "", fmt.Errorf("reading .git pointer: %w", err)
	}
	target := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), "gitdir:"))
	if target == "" {
		return "", fmt.Errorf("malformed .git pointer in %s", dir)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, target)
	}

	// <main>/.git/worktrees/<name> → <main>/.git
	if idx := strings.Index(target, string(filepath.Separator)+"worktrees"+string(filepath.Separator)); idx >= 0 {
		return target[:idx], nil
	}
	return filepath.Clean(target), nil
}
