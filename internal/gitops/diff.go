package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FileDiff describes one changed file relative to a base ref.
type FileDiff struct {
	Path      string
	Status    string // added | modified | deleted | renamed
	Additions int
	Deletions int
	Patch     string // unified diff text, only set by DiffWithContent
}

// DiffSummary totals a diff.
type DiffSummary struct {
	FilesChanged int
	Additions    int
	Deletions    int
}

// Diff returns the per-file change list between base and the working tree.
// It issues exactly one numstat and one name-status call, never one call per
// file.
func (s *Service) Diff(ctx context.Context, dir, base string) ([]FileDiff, error) {
	numstatOut, err := s.git(ctx, dir, "diff", "--numstat", "-M", base)
	if err != nil {
		return nil, fmt.Errorf("diff numstat: %w", err)
	}
	statusOut, err := s.git(ctx, dir, "diff", "--name-status", "-M", base)
	if err != nil {
		return nil, fmt.Errorf("diff name-status: %w", err)
	}

	statusByPath := parseNameStatus(statusOut)

	var diffs []FileDiff
	for _, line := range strings.Split(numstatOut, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 3 {
			continue
		}
		path := normalizeNumstatPath(fields[2])
		fd := FileDiff{Path: path, Status: "modified"}
		// Binary files report "-" for both counters.
		if n, err := strconv.Atoi(fields[0]); err == nil {
			fd.Additions = n
		}
		if n, err := strconv.Atoi(fields[1]); err == nil {
			fd.Deletions = n
		}
		if st, ok := statusByPath[path]; ok {
			fd.Status = st
		}
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

// DiffWithContent is Diff plus the per-file unified patch text, parsed from a
// single `git diff` invocation.
func (s *Service) DiffWithContent(ctx context.Context, dir, base string) ([]FileDiff, error) {
	diffs, err := s.Diff(ctx, dir, base)
	if err != nil {
		return nil, err
	}

	patchOut, err := s.git(ctx, dir, "diff", "-M", base)
	if err != nil {
		return nil, fmt.Errorf("diff content: %w", err)
	}
	patches := splitPatches(patchOut)

	for i := range diffs {
		if patch, ok := patches[diffs[i].Path]; ok {
			diffs[i].Patch = patch
		}
	}
	return diffs, nil
}

// Summary totals the diff against base.
func (s *Service) Summary(ctx context.Context, dir, base string) (DiffSummary, error) {
	diffs, err := s.Diff(ctx, dir, base)
	if err != nil {
		return DiffSummary{}, err
	}
	sum := DiffSummary{FilesChanged: len(diffs)}
	for _, d := range diffs {
		sum.Additions += d.Additions
		sum.Deletions += d.Deletions
	}
	return sum, nil
}

// FileDiffContent returns the unified diff for a single file.
func (s *Service) FileDiffContent(ctx context.Context, dir, base, path string) (string, error) {
	out, err := s.git(ctx, dir, "diff", "-M", base, "--", path)
	if err != nil {
		return "", fmt.Errorf("diff for %s: %w", path, err)
	}
	return out, nil
}

// parseNameStatus maps paths to spelled-out statuses. Rename lines carry two
// tab-separated paths; the new path is recorded.
func parseNameStatus(out string) map[string]string {
	statuses := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		code := fields[0]
		path := fields[len(fields)-1]
		switch {
		case strings.HasPrefix(code, "A"):
			statuses[path] = "added"
		case strings.HasPrefix(code, "D"):
			statuses[path] = "deleted"
		case strings.HasPrefix(code, "R"):
			statuses[path] = "renamed"
		default:
			statuses[path] = "modified"
		}
	}
	return statuses
}

// normalizeNumstatPath handles rename numstat paths, which read either
// "old => new" or "prefix{old => new}suffix".
func normalizeNumstatPath(path string) string {
	if !strings.Contains(path, " => ") {
		return path
	}
	open := strings.Index(path, "{")
	close_ := strings.Index(path, "}")
	if open >= 0 && close_ > open {
		inner := path[open+1 : close_]
		_, newPart, _ := strings.Cut(inner, " => ")
		return path[:open] + newPart + path[close_+1:]
	}
	_, newPart, _ := strings.Cut(path, " => ")
	return newPart
}

// splitPatches splits a unified diff into per-file patch text keyed by the
// new path.
func splitPatches(out string) map[string]string {
	patches := make(map[string]string)
	var currentPath string
	var current strings.Builder

	flush := func() {
		if currentPath != "" {
			patches[currentPath] = current.String()
		}
		current.Reset()
	}

	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			currentPath = parseDiffGitPath(line)
		}
		if currentPath != "" {
			current.WriteString(line)
			current.WriteString("\n")
		}
	}
	flush()
	return patches
}

// parseDiffGitPath extracts the b/ path from a "diff --git a/x b/y" header.
func parseDiffGitPath(line string) string {
	rest := strings.TrimPrefix(line, "diff --git ")
	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		return ""
	}
	return rest[idx+3:]
}
