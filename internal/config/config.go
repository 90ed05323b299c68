// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Backend  BackendConfig  `yaml:"backend"`
	Executor ExecutorConfig `yaml:"executor"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BackendConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

type ExecutorConfig struct {
	// Kind selects how agent and git commands run: "local" or "pty".
	Kind string `yaml:"kind"`
}

type DefaultsConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	ActivityTimeout    time.Duration `yaml:"activity_timeout"`
	StopPattern        string        `yaml:"stop_pattern"`
	BranchPrefix       string        `yaml:"branch_prefix"`
	CommitPrefix       string        `yaml:"commit_prefix"`
	BaseBranch         string        `yaml:"base_branch"`
	WorktreeSeedGlobs  []string      `yaml:"worktree_seed_globs"`
	MaxConsecutiveErrs int           `yaml:"max_consecutive_errors"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Listen: "127.0.0.1:8420"},
		Backend:  BackendConfig{ServerURL: "http://127.0.0.1:4096"},
		Executor: ExecutorConfig{Kind: "local"},
		Defaults: DefaultsConfig{
			MaxIterations:   50,
			ActivityTimeout: 5 * time.Minute,
			BranchPrefix:    "ralph/",
			CommitPrefix:    "ralph:",
			BaseBranch:      "main",
		},
	}
}

// Load reads and parses a config file, filling unset fields from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve loads the explicit path if given, else ~/.ralphd/ralphd.yaml if it
// exists, else the built-in defaults.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		candidate := filepath.Join(home, ".ralphd", "ralphd.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}
	return Default(), nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Listen == "" {
		c.Server.Listen = def.Server.Listen
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = def.Executor.Kind
	}
	if c.Defaults.MaxIterations == 0 {
		c.Defaults.MaxIterations = def.Defaults.MaxIterations
	}
	if c.Defaults.ActivityTimeout == 0 {
		c.Defaults.ActivityTimeout = def.Defaults.ActivityTimeout
	}
	if c.Defaults.BranchPrefix == "" {
		c.Defaults.BranchPrefix = def.Defaults.BranchPrefix
	}
	if c.Defaults.CommitPrefix == "" {
		c.Defaults.CommitPrefix = def.Defaults.CommitPrefix
	}
	if c.Defaults.BaseBranch == "" {
		c.Defaults.BaseBranch = def.Defaults.BaseBranch
	}
}

func (c *Config) validate() error {
	if c.Executor.Kind != "local" && c.Executor.Kind != "pty" {
		return fmt.Errorf("executor.kind must be \"local\" or \"pty\", got %q", c.Executor.Kind)
	}
	if c.Defaults.MaxIterations < 0 {
		return fmt.Errorf("defaults.max_iterations must not be negative")
	}
	if c.Defaults.StopPattern != "" {
		if _, err := regexp.Compile(c.Defaults.StopPattern); err != nil {
			return fmt.Errorf("defaults.stop_pattern is not valid regex: %w", err)
		}
	}
	return nil
}
