package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/termbench/benchd/internal/agent"
	"github.com/termbench/benchd/internal/archive"
	"github.com/termbench/benchd/internal/bridge"
	"github.com/termbench/benchd/internal/config"
	"github.com/termbench/benchd/internal/events"
	"github.com/termbench/benchd/internal/logging"
	"github.com/termbench/benchd/internal/ops"
	"github.com/termbench/benchd/internal/pty"
	"github.com/termbench/benchd/internal/registry"
	"github.com/termbench/benchd/internal/server"
)

const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func runServe(configPath string) error {
	logging.Setup()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("starting benchd", "version", version, "host", cfg.Host, "port", cfg.Port)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := archive.Open(filepath.Join(cfg.DataDir, "benchd.db"))
	if err != nil {
		return fmt.Errorf("open archive store: %w", err)
	}
	defer store.Close()

	dispatcher := events.NewDispatcher(0)
	defer dispatcher.Close()

	reg := registry.New()

	ptyManager := pty.NewManager(pty.ManagerConfig{
		DefaultShell: cfg.DefaultShell,
		DefaultCols:  cfg.DefaultCols,
		DefaultRows:  cfg.DefaultRows,
		KillGrace:    cfg.KillGrace,
		BufferSize:   cfg.OutputBufSize,
	}, reg, dispatcher)

	backend := &agent.ACPBackend{
		Command:     cfg.AgentCommand,
		Args:        cfg.AgentArgs,
		InitTimeout: cfg.AgentStartWait,
	}
	agentManager := agent.NewManager(agent.ManagerConfig{
		StartTimeout:          cfg.AgentStartWait,
		PromptTimeout:         cfg.PromptTimeout,
		MessageWindow:         cfg.MessageWindow,
		DefaultModel:          cfg.DefaultModel,
		DefaultPermissionMode: cfg.DefaultPermMode,
	}, backend, reg, store, dispatcher)

	local := &ops.Local{Pty: ptyManager, Agent: agentManager, Store: store}
	br := bridge.New(bridge.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendQueueSize:    cfg.SendQueueSize,
		ReadBufferSize:   cfg.WSReadBufferSize,
		WriteBufferSize:  cfg.WSWriteBufferSize,
	}, local, dispatcher)

	srv := server.New(cfg, br, dispatcher)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("server shutdown incomplete", "error", err)
	}

	br.Close()
	agentManager.CloseAll()
	ptyManager.CloseAll()

	slog.Info("benchd stopped")
	return nil
}
