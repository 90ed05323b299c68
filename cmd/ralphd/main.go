package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ralphlabs/ralphd/internal/agent"
	"github.com/ralphlabs/ralphd/internal/config"
	"github.com/ralphlabs/ralphd/internal/events"
	"github.com/ralphlabs/ralphd/internal/gitops"
	"github.com/ralphlabs/ralphd/internal/manager"
	"github.com/ralphlabs/ralphd/internal/metrics"
	"github.com/ralphlabs/ralphd/internal/server"
	"github.com/ralphlabs/ralphd/internal/shell"
	"github.com/ralphlabs/ralphd/internal/store"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `ralphd - loop supervisor daemon

Usage:
  ralphd serve [flags]   Start the daemon

Flags:
  --config   Path to ralphd.yaml (default: ~/.ralphd/ralphd.yaml)
  --addr     Address to listen on (overrides config)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("ralphd " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "ralphd %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	configPath := ""
	addrOverride := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--addr":
			if i+1 < len(args) {
				addrOverride = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	// --- 1. Signal handling for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- 2. Load config ---
	cfg, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	addr := cfg.Server.Listen
	if addrOverride != "" {
		addr = addrOverride
	}

	// --- 3. Open the loop store ---
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath, err = store.DefaultPath()
		if err != nil {
			return fmt.Errorf("determining store path: %w", err)
		}
	}
	st, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// --- 4. Core collaborators ---
	bus := events.NewBus(logger)
	m := metrics.New()

	var execr shell.Executor
	switch cfg.Executor.Kind {
	case "pty":
		execr = shell.NewPTY()
	default:
		execr = shell.NewLocal()
	}
	git := gitops.New(execr, logger)

	conn := agent.ConnectionConfig{ServerURL: cfg.Backend.ServerURL, Token: cfg.Backend.Token}
	backend := agent.NewClient()
	if err := backend.Connect(ctx, conn); err != nil {
		// The agent server may come up after us; engines reconnect on demand.
		logger.Warn("agent server unreachable at startup", "url", conn.ServerURL, "error", err)
	}

	// --- 5. Manager with persisted loops ---
	mgr := manager.New(manager.Config{
		Bus:        bus,
		Store:      st,
		Git:        git,
		Backend:    backend,
		Exec:       execr,
		Metrics:    m,
		Logger:     logger,
		Connection: conn,
		Defaults: manager.Defaults{
			MaxIterations:          cfg.Defaults.MaxIterations,
			MaxConsecutiveErrors:   cfg.Defaults.MaxConsecutiveErrs,
			ActivityTimeoutSeconds: int(cfg.Defaults.ActivityTimeout / time.Second),
			StopPattern:            cfg.Defaults.StopPattern,
			BranchPrefix:           cfg.Defaults.BranchPrefix,
			CommitPrefix:           cfg.Defaults.CommitPrefix,
			BaseBranch:             cfg.Defaults.BaseBranch,
			WorktreeSeedGlobs:      cfg.Defaults.WorktreeSeedGlobs,
		},
	})

	restored, err := mgr.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring loops: %w", err)
	}
	if restored > 0 {
		logger.Info("restored loops", "count", restored)
	}
	if backend.IsConnected() {
		mgr.Reconnect(ctx)
	}

	// --- 6. HTTP server ---
	hub := server.NewHub(bus, m, logger)
	srv, err := server.New(addr, server.Config{
		Manager: mgr,
		Bus:     bus,
		Metrics: m,
		Hub:     hub,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "ralphd listening on %s\n", srv.Addr())

	// Serve in a goroutine so we can wait for the shutdown signal.
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Debug("server stopped", "error", err)
		}
	}()

	// --- 7. Wait for shutdown ---
	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	srv.Close()
	hub.Close()
	mgr.Shutdown()

	return nil
}
