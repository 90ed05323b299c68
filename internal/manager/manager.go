// Package manager owns the set of live loop engines: it creates and restores
// loops, routes control commands, and wires each engine to persistence.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/engine"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/gitops"
	"github.com/ralphlabs/ralphd/internal/loop"
	"github.com/ralphlabs/ralphd/internal/metrics"
	"github.com/ralphlabs/ralphd/internal/shell"
	"github.com/ralphlabs/ralphd/internal/status"
	"github.com/ralphlabs/ralphd/internal/store"
	"github.com/ralphlabs/ralphd/internal/stoppattern"
)

// waitIdleTimeout bounds how long control operations wait for the iteration
// driver to observe an abort.
const waitIdleTimeout = 10 * time.Second

// Defaults fill loop config fields the caller leaves unset.
type Defaults struct {
	MaxIterations          int
	MaxConsecutiveErrors   int
	ActivityTimeoutSeconds int
	StopPattern            string
	BranchPrefix           string
	CommitPrefix           string
	BaseBranch             string
	WorktreeSeedGlobs      []string
}

// Config wires a Manager to its collaborators.
type Config struct {
	Bus        *events.Bus
	Store      store.Store
	Git        *gitops.Service
	Backend    agent.Backend
	Exec       shell.Executor
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Connection agent.ConnectionConfig
	Defaults   Defaults
}

// Manager is the single owner of all loops and their engines.
type Manager struct {
	bus      *events.Bus
	store    store.Store
	git      *gitops.Service
	backend  agent.Backend
	exec     shell.Executor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	conn     agent.ConnectionConfig
	defaults Defaults

	mu      sync.Mutex
	loops   map[string]*loop.Loop
	engines map[string]*engine.Engine

	wg sync.WaitGroup
}

// New creates an empty manager.
func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      cfg.Bus,
		store:    cfg.Store,
		git:      cfg.Git,
		backend:  cfg.Backend,
		exec:     cfg.Exec,
		metrics:  cfg.Metrics,
		logger:   logger,
		conn:     cfg.Connection,
		defaults: cfg.Defaults,
		loops:    make(map[string]*loop.Loop),
		engines:  make(map[string]*engine.Engine),
	}
}

// CreateLoopRequest carries the user-supplied half of a loop config.
type CreateLoopRequest struct {
	Name        string           `json:"name"`
	WorkspaceID string           `json:"workspaceId,omitempty"`
	Directory   string           `json:"directory"`
	Prompt      string           `json:"prompt"`
	Model       loop.ModelConfig `json:"model"`
	StopPattern string           `json:"stopPattern,omitempty"`
	Git         loop.GitSettings `json:"git"`

	MaxIterations          int `json:"maxIterations,omitempty"`
	MaxConsecutiveErrors   int `json:"maxConsecutiveErrors,omitempty"`
	ActivityTimeoutSeconds int `json:"activityTimeoutSeconds,omitempty"`

	ClearPlanningFolder bool      `json:"clearPlanningFolder,omitempty"`
	PlanMode            bool      `json:"planMode,omitempty"`
	Mode                loop.Mode `json:"mode,omitempty"`
	Draft               bool      `json:"draft,omitempty"`
}

// CreateLoop validates the request, fills defaults, persists the new loop and
// builds its engine.
func (m *Manager) CreateLoop(ctx context.Context, req CreateLoopRequest) (loop.Snapshot, error) {
	if req.Name == "" {
		return loop.Snapshot{}, fmt.Errorf("loop name is required")
	}
	if req.Directory == "" {
		return loop.Snapshot{}, fmt.Errorf("loop directory is required")
	}
	if !m.git.IsGitRepo(ctx, req.Directory) {
		return loop.Snapshot{}, fmt.Errorf("%s is not a git repository", req.Directory)
	}

	cfg := loop.Config{
		ID:                     uuid.NewString(),
		Name:                   req.Name,
		WorkspaceID:            req.WorkspaceID,
		Directory:              req.Directory,
		Prompt:                 req.Prompt,
		Model:                  req.Model,
		StopPattern:            req.StopPattern,
		Git:                    req.Git,
		MaxIterations:          req.MaxIterations,
		MaxConsecutiveErrors:   req.MaxConsecutiveErrors,
		ActivityTimeoutSeconds: req.ActivityTimeoutSeconds,
		ClearPlanningFolder:    req.ClearPlanningFolder,
		PlanMode:               req.PlanMode,
		Mode:                   req.Mode,
	}
	m.applyDefaults(&cfg)

	initial := status.Idle
	if req.Draft {
		initial = status.Draft
	}
	lp := &loop.Loop{Config: cfg, State: loop.State{Status: initial}}

	m.mu.Lock()
	m.loops[cfg.ID] = lp
	m.engines[cfg.ID] = m.newEngine(lp)
	m.mu.Unlock()

	m.persistFor(cfg.ID)(loop.Snapshot{Config: lp.Config, State: lp.State})
	m.updateActiveLoops()
	return loop.Snapshot{Config: lp.Config, State: lp.State}, nil
}

func (m *Manager) applyDefaults(cfg *loop.Config) {
	if cfg.StopPattern == "" {
		cfg.StopPattern = m.defaults.StopPattern
	}
	if cfg.StopPattern == "" {
		cfg.StopPattern = stoppattern.DefaultPattern
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = m.defaults.MaxIterations
	}
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = m.defaults.MaxConsecutiveErrors
	}
	if cfg.ActivityTimeoutSeconds == 0 {
		cfg.ActivityTimeoutSeconds = m.defaults.ActivityTimeoutSeconds
	}
	if cfg.Git.BranchPrefix == "" {
		cfg.Git.BranchPrefix = m.defaults.BranchPrefix
	}
	if cfg.Git.CommitPrefix == "" {
		cfg.Git.CommitPrefix = m.defaults.CommitPrefix
	}
	if cfg.Git.BaseBranch == "" {
		cfg.Git.BaseBranch = m.defaults.BaseBranch
	}
	if cfg.Mode == "" {
		cfg.Mode = loop.ModeLoop
	}
}

func (m *Manager) newEngine(lp *loop.Loop) *engine.Engine {
	return engine.New(engine.Config{
		Loop:       lp,
		Bus:        m.bus,
		Git:        m.git,
		Backend:    m.backend,
		Exec:       m.exec,
		Metrics:    m.metrics,
		Logger:     m.logger,
		Persist:    m.persistFor(lp.Config.ID),
		Connection: m.conn,
		SeedGlobs:  m.defaults.WorktreeSeedGlobs,
	})
}

// persistFor builds the persistence callback handed to one engine. Failures
// are logged, never propagated into the iteration.
func (m *Manager) persistFor(id string) engine.PersistFn {
	return func(snap loop.Snapshot) {
		if err := m.store.SaveLoopState(id, snap); err != nil {
			m.logger.Error("persisting loop state", "loop", id, "error", err)
		}
	}
}

// Restore loads every non-deleted loop from the store and rebuilds its
// engine. Loops interrupted mid-run come back as stopped so they can be
// restarted cleanly.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	snaps, err := m.store.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("loading loops: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, snap := range snaps {
		lp := &loop.Loop{Config: snap.Config, State: snap.State}
		if status.IsActive(lp.State.Status) && lp.State.Status != status.Planning {
			if err := status.AssertValidTransition(lp.State.Status, status.Stopped); err == nil {
				lp.State.Status = status.Stopped
			}
		}
		m.loops[id] = lp
		m.engines[id] = m.newEngine(lp)
		m.logger.Info("restored loop", "loop", id, "name", lp.Config.Name, "status", lp.State.Status)
	}
	m.updateActiveLoops()
	return len(snaps), nil
}

// List returns a snapshot of every loop. Snapshots come from the engines so
// reads are safe against running iteration drivers.
func (m *Manager) List() []loop.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]loop.Snapshot, 0, len(m.engines))
	for _, eng := range m.engines {
		out = append(out, eng.Snapshot())
	}
	return out
}

// Get returns one loop's snapshot.
func (m *Manager) Get(id string) (loop.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[id]
	if !ok {
		return loop.Snapshot{}, false
	}
	return eng.Snapshot(), true
}

func (m *Manager) engineFor(id string) (*engine.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eng, ok := m.engines[id]
	if !ok {
		return nil, fmt.Errorf("unknown loop %s", id)
	}
	return eng, nil
}

// Start runs the loop's engine on its own goroutine.
func (m *Manager) Start(ctx context.Context, id string) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	switch eng.Status() {
	// Draft loops are normalized to idle by the engine on entry.
	case status.Idle, status.Draft, status.Stopped, status.Planning, status.ResolvingConflicts:
	default:
		return fmt.Errorf("loop %s cannot start from status %q", id, eng.Status())
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := eng.Start(context.WithoutCancel(ctx), engine.StartOpts{}); err != nil {
			m.logger.Error("loop run ended with error", "loop", id, "error", err)
		}
		m.updateActiveLoops()
	}()
	m.updateActiveLoops()
	return nil
}

// Stop halts a running loop.
func (m *Manager) Stop(ctx context.Context, id, reason string) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	if err := eng.Stop(ctx, reason); err != nil {
		return err
	}
	eng.WaitForLoopIdle(waitIdleTimeout)
	// Stop disarmed the engine's callback; record the final status ourselves.
	if err := m.store.SaveLoopState(id, eng.Snapshot()); err != nil {
		m.logger.Error("persisting stopped loop", "loop", id, "error", err)
	}
	m.updateActiveLoops()
	return nil
}

// Inject delivers a one-shot prompt or model to the next iteration,
// interrupting the current one when the loop is running.
func (m *Manager) Inject(ctx context.Context, id, message string, model *loop.ModelConfig) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	eng.InjectPendingNow(ctx, message, model)
	return nil
}

// InjectPlanFeedback sends feedback to a planning loop.
func (m *Manager) InjectPlanFeedback(ctx context.Context, id, text string) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	return eng.InjectPlanFeedback(ctx, text)
}

// AcceptPlan prepares the worktree for an approved plan and resumes
// execution on a fresh goroutine.
func (m *Manager) AcceptPlan(ctx context.Context, id string) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	if err := eng.SetupGitBranchForPlanAcceptance(ctx); err != nil {
		return err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := eng.ContinueExecution(context.WithoutCancel(ctx)); err != nil {
			m.logger.Error("continuing after plan acceptance", "loop", id, "error", err)
		}
		m.updateActiveLoops()
	}()
	return nil
}

// Push syncs the loop's branch with its base and pushes it.
func (m *Manager) Push(ctx context.Context, id string) error {
	eng, err := m.engineFor(id)
	if err != nil {
		return err
	}
	return eng.SyncAndPush(ctx)
}

// Delete stops the loop, removes its worktree, marks it deleted, and purges
// storage.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	eng, ok := m.engines[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown loop %s", id)
	}

	snap := eng.Snapshot()
	if status.IsActive(snap.State.Status) {
		if err := eng.Stop(ctx, "loop deleted"); err != nil {
			m.logger.Warn("stopping loop before delete", "loop", id, "error", err)
		}
		eng.WaitForLoopIdle(waitIdleTimeout)
		snap = eng.Snapshot()
	}

	if snap.State.Git != nil && snap.State.Git.WorktreePath != "" {
		if err := m.git.RemoveWorktree(ctx, snap.Config.Directory, snap.State.Git.WorktreePath, true); err != nil {
			m.logger.Warn("removing worktree", "loop", id, "error", err)
		}
		if err := m.git.PruneWorktrees(ctx, snap.Config.Directory); err != nil {
			m.logger.Warn("pruning worktrees", "loop", id, "error", err)
		}
	}

	if err := status.AssertValidTransition(snap.State.Status, status.Deleted); err != nil {
		return err
	}

	if err := m.store.Delete(id); err != nil {
		m.logger.Error("purging loop from store", "loop", id, "error", err)
	}

	m.mu.Lock()
	delete(m.loops, id)
	delete(m.engines, id)
	m.mu.Unlock()

	m.bus.Emit(events.New(events.LoopStopped, id, map[string]any{"reason": "deleted"}))
	m.updateActiveLoops()
	return nil
}

// Reconnect reattaches every restored loop to the agent backend.
func (m *Manager) Reconnect(ctx context.Context) {
	m.mu.Lock()
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.Unlock()
	for _, eng := range engines {
		if err := eng.ReconnectSession(ctx); err != nil {
			m.logger.Warn("reconnecting session", "error", err)
		}
	}
}

// Shutdown waits for all loop goroutines to finish.
func (m *Manager) Shutdown() {
	m.wg.Wait()
}

func (m *Manager) updateActiveLoops() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	active := 0
	for _, eng := range m.engines {
		if status.IsActive(eng.Status()) {
			active++
		}
	}
	m.mu.Unlock()
	m.metrics.ActiveLoops.Set(float64(active))
}
