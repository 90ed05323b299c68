package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/status"
)

// initRepoWithRemote sets up a local checkout tracking a bare origin.
func initRepoWithRemote(t *testing.T) (dir, bare string) {
	t.Helper()
	bare = t.TempDir()
	run(t, bare, "git", "init", "--bare", "-b", "main")
	dir = initRepo(t)
	run(t, dir, "git", "remote", "add", "origin", bare)
	run(t, dir, "git", "push", "-u", "origin", "main")
	return dir, bare
}

// runToCompleted drives a loop that edits widget.go and completes.
func runToCompleted(t *testing.T, lp *loop.Loop, backend agent.Backend) (*Engine, *recorder) {
	t.Helper()
	eng, rec := newTestEngine(t, lp, backend, nil)
	if err := eng.Start(context.Background(), StartOpts{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if lp.State.Status != status.Completed {
		t.Fatalf("status = %q, want completed", lp.State.Status)
	}
	return eng, rec
}

func TestSyncAndPushClean(t *testing.T) {
	dir, _ := initRepoWithRemote(t)
	lp := testLoop(dir)
	lp.Config.Git.BaseBranch = "main"

	backend := &commitWritingBackend{
		scriptedBackend: scriptedBackend{scripts: [][]agent.Event{
			messageScript("done <promise>COMPLETE</promise>"),
		}},
		lp: lp,
	}
	eng, rec := runToCompleted(t, lp, backend)

	if err := eng.SyncAndPush(context.Background()); err != nil {
		t.Fatalf("sync and push: %v", err)
	}

	if lp.State.Status != status.Pushed {
		t.Fatalf("status = %q, want pushed", lp.State.Status)
	}
	clean := rec.ofType(events.LoopSyncClean)
	if len(clean) != 1 || clean[0].Payload["status"] != syncAlreadyUpToDate {
		t.Fatalf("sync.clean events = %+v", clean)
	}
	pushed := rec.ofType(events.LoopPushed)
	if len(pushed) != 1 || pushed[0].Payload["remoteBranch"] != "origin/"+lp.State.Git.WorkingBranch {
		t.Fatalf("loop.pushed events = %+v", pushed)
	}
	// The branch must exist on the remote.
	run(t, dir, "git", "fetch", "origin")
	branches := run(t, dir, "git", "branch", "-r")
	if !strings.Contains(branches, "origin/"+lp.State.Git.WorkingBranch) {
		t.Fatalf("remote branch missing:\n%s", branches)
	}
}

func TestSyncAndPushWithConflictResolution(t *testing.T) {
	dir, _ := initRepoWithRemote(t)
	lp := testLoop(dir)
	lp.Config.Git.BaseBranch = "main"

	backend := &commitWritingBackend{
		scriptedBackend: scriptedBackend{scripts: [][]agent.Event{
			messageScript("done <promise>COMPLETE</promise>"),
			// consumed by the conflict-resolution sub-loop
			messageScript("resolved <promise>COMPLETE</promise>"),
		}},
		lp: lp,
	}
	eng, rec := runToCompleted(t, lp, backend)

	// Land a conflicting widget.go on origin/main behind the loop's back.
	if err := os.WriteFile(filepath.Join(dir, "widget.go"), []byte("package widget // upstream\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", "widget.go")
	run(t, dir, "git", "commit", "-m", "upstream widget")
	run(t, dir, "git", "push", "origin", "main")

	if err := eng.SyncAndPush(context.Background()); err != nil {
		t.Fatalf("sync and push: %v", err)
	}

	if lp.State.Status != status.Pushed {
		t.Fatalf("status = %q, want pushed", lp.State.Status)
	}
	if n := len(rec.ofType(events.LoopSyncConflicts)); n != 1 {
		t.Fatalf("loop.sync.conflicts events = %d, want 1", n)
	}
	if n := len(rec.ofType(events.LoopPushed)); n != 1 {
		t.Fatalf("loop.pushed events = %d, want 1", n)
	}
	if lp.State.Sync == nil || lp.State.Sync.AutoPushOnComplete {
		t.Fatalf("autoPushOnComplete not cleared: %+v", lp.State.Sync)
	}

	// Ordering: started, then conflicts, then pushed.
	var order []events.Type
	for _, typ := range rec.types() {
		switch typ {
		case events.LoopSyncStarted, events.LoopSyncConflicts, events.LoopPushed:
			order = append(order, typ)
		}
	}
	want := []events.Type{events.LoopSyncStarted, events.LoopSyncConflicts, events.LoopPushed}
	if len(order) != len(want) {
		t.Fatalf("sync event order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("sync event order = %v, want %v", order, want)
		}
	}

	conflicted := rec.ofType(events.LoopSyncConflicts)[0].Payload["conflictedFiles"].([]string)
	if len(conflicted) != 1 || conflicted[0] != "widget.go" {
		t.Fatalf("conflicted files = %v", conflicted)
	}
}

func TestSyncAndPushRequiresFinishedLoop(t *testing.T) {
	dir, _ := initRepoWithRemote(t)
	lp := testLoop(dir)
	lp.State.Status = status.Running

	eng, _ := newTestEngine(t, lp, &scriptedBackend{}, nil)
	if err := eng.SyncAndPush(context.Background()); err == nil {
		t.Fatal("expected error pushing a running loop")
	}
}
