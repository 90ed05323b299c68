package gitops

import (
	"context"
	"strings"
	"testing"

	"github.com/ralphlabs/ralphd/internal/shell"
)

func setupDiffRepo(t *testing.T) (dir, base string) {
	t.Helper()
	dir = t.TempDir()
	initRepo(t, dir)
	writeFile(t, dir, "keep.txt", "one\ntwo\nthree\n")
	writeFile(t, dir, "gone.txt", "bye\n")
	writeFile(t, dir, "old.txt", "stable content here\nmore lines\nthird line\n")
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-m", "base state")
	base = strings.TrimSpace(run(t, dir, "rev-parse", "HEAD"))

	writeFile(t, dir, "keep.txt", "one\ntwo edited\nthree\nfour\n")
	writeFile(t, dir, "fresh.txt", "brand new\n")
	run(t, dir, "rm", "-q", "gone.txt")
	run(t, dir, "mv", "old.txt", "renamed.txt")
	run(t, dir, "add", "-A")
	return dir, base
}

func TestDiff_StatusesAndCounts(t *testing.T) {
	s := newService()
	ctx := context.Background()
	dir, base := setupDiffRepo(t)

	diffs, err := s.Diff(ctx, dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byPath := map[string]FileDiff{}
	for _, d := range diffs {
		byPath[d.Path] = d
	}

	if d := byPath["fresh.txt"]; d.Status != "added" || d.Additions != 1 {
		t.Errorf("fresh.txt = %+v", d)
	}
	if d := byPath["gone.txt"]; d.Status != "deleted" || d.Deletions != 1 {
		t.Errorf("gone.txt = %+v", d)
	}
	if d := byPath["keep.txt"]; d.Status != "modified" || d.Additions != 2 || d.Deletions != 1 {
		t.Errorf("keep.txt = %+v", d)
	}
	if d := byPath["renamed.txt"]; d.Status != "renamed" {
		t.Errorf("renamed.txt = %+v", d)
	}
	if _, ok := byPath["old.txt"]; ok {
		t.Error("rename source should not appear")
	}
}

func TestDiffWithContent_AttachesPatches(t *testing.T) {
	s := newService()
	ctx := context.Background()
	dir, base := setupDiffRepo(t)

	diffs, err := s.DiffWithContent(ctx, dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, d := range diffs {
		if d.Status == "renamed" && d.Additions == 0 && d.Deletions == 0 {
			continue // pure rename has no patch body
		}
		if d.Patch == "" {
			t.Errorf("%s has no patch", d.Path)
			continue
		}
		if !strings.HasPrefix(d.Patch, "diff --git ") {
			t.Errorf("%s patch missing header: %q", d.Path, d.Patch[:40])
		}
	}
	for _, d := range diffs {
		if d.Path == "keep.txt" && !strings.Contains(d.Patch, "+two edited") {
			t.Errorf("keep.txt patch missing hunk: %s", d.Patch)
		}
	}
}

func TestSummary_Totals(t *testing.T) {
	s := newService()
	ctx := context.Background()
	dir, base := setupDiffRepo(t)

	sum, err := s.Summary(ctx, dir, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.FilesChanged < 3 {
		t.Errorf("files changed = %d", sum.FilesChanged)
	}
	if sum.Additions == 0 || sum.Deletions == 0 {
		t.Errorf("totals = %+v", sum)
	}
}

func TestFileDiffContent_SingleFile(t *testing.T) {
	s := newService()
	ctx := context.Background()
	dir, base := setupDiffRepo(t)

	patch, err := s.FileDiffContent(ctx, dir, base, "keep.txt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(patch, "+two edited") || strings.Contains(patch, "fresh.txt") {
		t.Fatalf("patch = %s", patch)
	}
}

// crlfExecutor simulates a pseudo-terminal transport: every LF in the child's
// stdout arrives as CRLF and is then normalised per the Executor contract.
type crlfExecutor struct {
	shell.Local
}

func (e *crlfExecutor) Exec(ctx context.Context, program string, args []string, opts shell.ExecOpts) (shell.Result, error) {
	res, err := e.Local.Exec(ctx, program, args, opts)
	res.Stdout = shell.NormalizeLineEndings(strings.ReplaceAll(res.Stdout, "\n", "\r\n"))
	return res, err
}

func TestDiffWithContent_CRLFInvariant(t *testing.T) {
	ctx := context.Background()
	dir, base := setupDiffRepo(t)

	lf := New(shell.NewLocal(), nil)
	crlf := New(&crlfExecutor{}, nil)

	lfDiffs, err := lf.Diff(ctx, dir, base)
	if err != nil {
		t.Fatal(err)
	}
	crlfDiffs, err := crlf.Diff(ctx, dir, base)
	if err != nil {
		t.Fatal(err)
	}
	if len(lfDiffs) != len(crlfDiffs) {
		t.Fatalf("len mismatch: %d vs %d", len(lfDiffs), len(crlfDiffs))
	}
	for i := range lfDiffs {
		if lfDiffs[i] != crlfDiffs[i] {
			t.Errorf("entry %d differs: %+v vs %+v", i, lfDiffs[i], crlfDiffs[i])
		}
	}

	lfContent, err := lf.DiffWithContent(ctx, dir, base)
	if err != nil {
		t.Fatal(err)
	}
	crlfContent, err := crlf.DiffWithContent(ctx, dir, base)
	if err != nil {
		t.Fatal(err)
	}
	for i := range lfContent {
		if lfContent[i].Patch != crlfContent[i].Patch {
			t.Errorf("%s patch differs across transports", lfContent[i].Path)
		}
	}
}
