package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/gitops"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/shell"
	"github.com/ralphlabs/ralphd/internal/status"
	"github.com/ralphlabs/ralphd/internal/store"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init", "-b", "main")
	run(t, dir, "git", "config", "user.email", "test@example.com")
	run(t, dir, "git", "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, dir, "git", "add", ".")
	run(t, dir, "git", "commit", "-m", "initial")
	return dir
}

// completingBackend completes every iteration on the first response.
type completingBackend struct {
	mu       sync.Mutex
	sessionN int
	current  *agent.ChannelStream
}

func (b *completingBackend) Connect(context.Context, agent.ConnectionConfig) error { return nil }
func (b *completingBackend) Disconnect() error                                     { return nil }
func (b *completingBackend) IsConnected() bool                                     { return true }

func (b *completingBackend) CreateSession(ctx context.Context, opts agent.CreateSessionOpts) (agent.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessionN++
	return agent.Session{ID: fmt.Sprintf("sess-%d", b.sessionN), CreatedAt: time.Now()}, nil
}

func (b *completingBackend) SendPrompt(context.Context, string, string) (agent.Message, error) {
	return agent.Message{}, errors.New("not scripted")
}

func (b *completingBackend) SendPromptAsync(ctx context.Context, sessionID, prompt string) error {
	b.mu.Lock()
	stream := b.current
	b.mu.Unlock()
	go func() {
		content := "done <promise>COMPLETE</promise>"
		stream.Push(agent.MessageStart{MessageID: "m"})
		stream.Push(agent.MessageDelta{Content: content})
		stream.Push(agent.MessageComplete{Content: content})
	}()
	return nil
}

func (b *completingBackend) AbortSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	stream := b.current
	b.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	return nil
}

func (b *completingBackend) SubscribeToEvents(ctx context.Context, sessionID string) (agent.EventStream, error) {
	stream := agent.NewChannelStream(16)
	b.mu.Lock()
	b.current = stream
	b.mu.Unlock()
	return stream, nil
}

func (b *completingBackend) ReplyToPermission(context.Context, string, agent.PermissionDecision) error {
	return nil
}
func (b *completingBackend) ReplyToQuestion(context.Context, string, []string) error { return nil }

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "ralphd.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	execr := shell.NewLocal()
	m := New(Config{
		Bus:     events.NewBus(logger),
		Store:   st,
		Git:     gitops.New(execr, logger),
		Backend: &completingBackend{},
		Exec:    execr,
		Logger:  logger,
		Defaults: Defaults{
			MaxIterations: 10,
			BranchPrefix:  "ralph/",
			CommitPrefix:  "ralph:",
		},
	})
	return m, st
}

func createLoop(t *testing.T, m *Manager, dir string) loop.Snapshot {
	t.Helper()
	snap, err := m.CreateLoop(context.Background(), CreateLoopRequest{
		Name:      "Test Loop",
		Directory: dir,
		Prompt:    "Build the widget",
	})
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	return snap
}

func TestCreateLoopAppliesDefaultsAndPersists(t *testing.T) {
	m, st := newTestManager(t)
	dir := initRepo(t)

	snap := createLoop(t, m, dir)

	if snap.Config.ID == "" {
		t.Fatal("loop id not assigned")
	}
	if snap.Config.MaxIterations != 10 {
		t.Errorf("maxIterations = %d, want default 10", snap.Config.MaxIterations)
	}
	if snap.Config.Git.BranchPrefix != "ralph/" {
		t.Errorf("branchPrefix = %q", snap.Config.Git.BranchPrefix)
	}
	if snap.State.Status != status.Idle {
		t.Errorf("status = %q, want idle", snap.State.Status)
	}

	stored, err := st.LoadAll()
	if err != nil {
		t.Fatalf("loading store: %v", err)
	}
	if _, ok := stored[snap.Config.ID]; !ok {
		t.Fatal("loop not persisted on creation")
	}
}

func TestCreateLoopRejectsNonRepo(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.CreateLoop(context.Background(), CreateLoopRequest{
		Name:      "x",
		Directory: t.TempDir(),
	}); err == nil {
		t.Fatal("expected error for non-repo directory")
	}
}

func TestStartRunsLoopToCompletion(t *testing.T) {
	m, st := newTestManager(t)
	dir := initRepo(t)
	snap := createLoop(t, m, dir)

	if err := m.Start(context.Background(), snap.Config.ID); err != nil {
		t.Fatalf("starting: %v", err)
	}
	m.Shutdown()

	got, ok := m.Get(snap.Config.ID)
	if !ok {
		t.Fatal("loop vanished")
	}
	if got.State.Status != status.Completed {
		t.Fatalf("status = %q, want completed", got.State.Status)
	}

	stored, err := st.LoadAll()
	if err != nil {
		t.Fatalf("loading store: %v", err)
	}
	if stored[snap.Config.ID].State.Status != status.Completed {
		t.Fatalf("persisted status = %q, want completed", stored[snap.Config.ID].State.Status)
	}
}

func TestDeletePurgesLoop(t *testing.T) {
	m, st := newTestManager(t)
	dir := initRepo(t)
	snap := createLoop(t, m, dir)

	if err := m.Start(context.Background(), snap.Config.ID); err != nil {
		t.Fatalf("starting: %v", err)
	}
	m.Shutdown()

	got, _ := m.Get(snap.Config.ID)
	worktree := got.State.Git.WorktreePath

	if err := m.Delete(context.Background(), snap.Config.ID); err != nil {
		t.Fatalf("deleting: %v", err)
	}

	if _, ok := m.Get(snap.Config.ID); ok {
		t.Fatal("loop still listed after delete")
	}
	stored, err := st.LoadAll()
	if err != nil {
		t.Fatalf("loading store: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("store still holds %d loops after delete", len(stored))
	}
	if _, err := os.Stat(worktree); !os.IsNotExist(err) {
		t.Fatalf("worktree still on disk: %v", err)
	}
}

func TestRestoreNormalizesInterruptedLoops(t *testing.T) {
	m, st := newTestManager(t)
	dir := initRepo(t)

	seed := loop.Snapshot{
		Config: loop.Config{ID: "interrupted", Name: "was running", Directory: dir},
		State:  loop.State{Status: status.Running, CurrentIteration: 3},
	}
	if err := st.SaveLoopState("interrupted", seed); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
	planning := loop.Snapshot{
		Config: loop.Config{ID: "planning", Name: "was planning", Directory: dir},
		State:  loop.State{Status: status.Planning},
	}
	if err := st.SaveLoopState("planning", planning); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	n, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("restoring: %v", err)
	}
	if n != 2 {
		t.Fatalf("restored %d loops, want 2", n)
	}

	got, _ := m.Get("interrupted")
	if got.State.Status != status.Stopped {
		t.Fatalf("interrupted loop status = %q, want stopped", got.State.Status)
	}
	if got.State.CurrentIteration != 3 {
		t.Fatalf("iteration lost on restore: %d", got.State.CurrentIteration)
	}
	got, _ = m.Get("planning")
	if got.State.Status != status.Planning {
		t.Fatalf("planning loop status = %q, want planning", got.State.Status)
	}
}

func TestStartDraftLoop(t *testing.T) {
	m, _ := newTestManager(t)
	dir := initRepo(t)

	snap, err := m.CreateLoop(context.Background(), CreateLoopRequest{
		Name:      "Draft Loop",
		Directory: dir,
		Prompt:    "Build the widget",
		Draft:     true,
	})
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	if snap.State.Status != status.Draft {
		t.Fatalf("status = %q, want draft", snap.State.Status)
	}

	if err := m.Start(context.Background(), snap.Config.ID); err != nil {
		t.Fatalf("starting draft loop: %v", err)
	}
	m.Shutdown()

	got, _ := m.Get(snap.Config.ID)
	if got.State.Status != status.Completed {
		t.Fatalf("status = %q, want completed", got.State.Status)
	}
}

func TestStartUnknownLoop(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Start(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown loop")
	}
}
