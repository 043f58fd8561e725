package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/qudata/agent/internal/metrics"
)

// RoleAgent and RoleGuardian are the re-exec subcommands the Launcher
// passes to itself.
const (
	RoleAgent    = "agent"
	RoleGuardian = "guardian"
)

// LauncherConfig configures process respawn behavior.
type LauncherConfig struct {
	RespawnDelay time.Duration
}

// Launcher forks a long-lived Guardian and repeatedly forks the Agent,
// handing both a shared pipe so the Agent can pulse and the Guardian can
// watch. If the Guardian ever dies, the Launcher stops respawning the
// Agent and exits — a dead Guardian means nothing is watching custody, so
// continuing to run an unwatched Agent would violate fail-closed custody.
type Launcher struct {
	cfg LauncherConfig
	log *slog.Logger
}

// NewLauncher returns a Launcher ready to Run.
func NewLauncher(cfg LauncherConfig, log *slog.Logger) *Launcher {
	return &Launcher{cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled or custody is unrecoverably lost.
func (l *Launcher) Run(ctx context.Context) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable: %w", err)
	}

	pulseRead, pulseWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create heartbeat pipe: %w", err)
	}

	guardianCmd := exec.CommandContext(ctx, exePath, RoleGuardian)
	guardianCmd.ExtraFiles = []*os.File{pulseRead}
	guardianCmd.Stdout = os.Stdout
	guardianCmd.Stderr = os.Stderr
	if err := guardianCmd.Start(); err != nil {
		return fmt.Errorf("start guardian: %w", err)
	}
	l.log.Info("guardian started", "pid", guardianCmd.Process.Pid)

	for {
		select {
		case <-ctx.Done():
			_ = guardianCmd.Process.Signal(syscall.SIGTERM)
			return ctx.Err()
		default:
		}

		if !processAlive(guardianCmd.Process.Pid) {
			return fmt.Errorf("guardian process exited, custody lost")
		}

		agentCmd := exec.CommandContext(ctx, exePath, RoleAgent)
		agentCmd.ExtraFiles = []*os.File{pulseWrite}
		agentCmd.Stdout = os.Stdout
		agentCmd.Stderr = os.Stderr
		if err := agentCmd.Start(); err != nil {
			l.log.Error("failed to start agent", "error", err)
			time.Sleep(l.cfg.RespawnDelay)
			continue
		}
		l.log.Info("agent started", "pid", agentCmd.Process.Pid)

		err := agentCmd.Wait()
		l.log.Warn("agent exited", "error", err)

		if !processAlive(guardianCmd.Process.Pid) {
			return fmt.Errorf("guardian process exited while respawning agent, custody lost")
		}

		metrics.RespawnsTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RespawnDelay):
		}
	}
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 liveness probe (sending signal 0 checks existence/permission
// without delivering any actual signal).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
