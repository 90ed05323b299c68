package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ralphd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:9999"
backend:
  server_url: "http://localhost:4096"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9999" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Executor.Kind != "local" {
		t.Errorf("executor kind default = %q, want local", cfg.Executor.Kind)
	}
	if cfg.Defaults.MaxIterations != 50 {
		t.Errorf("max iterations default = %d, want 50", cfg.Defaults.MaxIterations)
	}
	if cfg.Defaults.ActivityTimeout != 5*time.Minute {
		t.Errorf("activity timeout default = %v", cfg.Defaults.ActivityTimeout)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "127.0.0.1:8000"
store:
  path: "/tmp/test.db"
executor:
  kind: pty
defaults:
  max_iterations: 10
  activity_timeout: 90s
  commit_prefix: "bot:"
  base_branch: develop
  worktree_seed_globs:
    - ".env*"
    - "config/**/*.local"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if cfg.Executor.Kind != "pty" {
		t.Errorf("executor kind = %q", cfg.Executor.Kind)
	}
	if cfg.Defaults.ActivityTimeout != 90*time.Second {
		t.Errorf("activity timeout = %v", cfg.Defaults.ActivityTimeout)
	}
	if len(cfg.Defaults.WorktreeSeedGlobs) != 2 {
		t.Errorf("seed globs = %v", cfg.Defaults.WorktreeSeedGlobs)
	}
	if cfg.Defaults.BaseBranch != "develop" {
		t.Errorf("base branch = %q", cfg.Defaults.BaseBranch)
	}
}

func TestLoadRejectsBadExecutorKind(t *testing.T) {
	path := writeConfig(t, "executor:\n  kind: remote\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown executor kind")
	}
}

func TestLoadRejectsBadStopPattern(t *testing.T) {
	path := writeConfig(t, "defaults:\n  stop_pattern: \"([unclosed\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid stop pattern")
	}
}

func TestResolveWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Resolve("")
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if cfg.Server.Listen != Default().Server.Listen {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestResolveExplicitMissingFileErrors(t *testing.T) {
	if _, err := Resolve(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}
