package instance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/qudata/agent/internal/banflag"
	"github.com/qudata/agent/internal/controller"
	"github.com/qudata/agent/internal/fingerprint"
	"github.com/qudata/agent/internal/metrics"
	"github.com/qudata/agent/internal/state"
)

// SelfDestruct runs the irreversible teardown sequence: stop and remove
// the container, close and shred the encrypted volume, revoke the
// agent's own secrets and SSH access, ban the host from future
// provisioning, and notify the controller. Every step swallows its own
// error and logs it rather than aborting — a self-destruct that stops
// halfway and leaves a still-encrypted volume or a still-running
// container is worse than one that presses on and reports what failed.
// The sequence is idempotent: calling it twice, or resuming it after a
// partial failure, is safe.
func (m *Manager) SelfDestruct(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.InstanceOperationDuration.WithLabelValues("self_destruct").Observe(time.Since(start).Seconds())
	}()

	inst, err := m.store.Current()
	if err != nil {
		return fmt.Errorf("read current instance: %w", err)
	}

	m.log.Warn("self-destruct initiated", "reason", reason, "critical", true)
	var failures []string
	step := func(name string, fn func() error) {
		if fn == nil {
			return
		}
		if err := fn(); err != nil {
			failures = append(failures, name)
			m.log.Error("self-destruct step failed", "step", name, "error", err)
		}
	}

	containerID := ""
	mapperName := ""
	imagePath := ""
	if inst != nil {
		containerID = inst.ContainerID
		mapperName = inst.LUKSMapperName
		imagePath = inst.LUKSDevicePath
	}

	// 1. Stop the container.
	step("stop_container", func() error {
		if containerID == "" {
			return nil
		}
		_, err := m.runner.Run(ctx, nil, "docker", "stop", "-t", "5", containerID)
		return err
	})

	// 2. Remove the container.
	step("remove_container", func() error {
		if containerID == "" {
			return nil
		}
		_, err := m.runner.Run(ctx, nil, "docker", "rm", "-f", containerID)
		return err
	})

	// 3. Close the LUKS mapping.
	step("luks_close", func() error {
		if mapperName == "" {
			return nil
		}
		return m.luksClose(ctx, mapperName)
	})

	// 4. Shred and remove the backing storage file.
	step("shred_storage", func() error {
		if imagePath == "" {
			return nil
		}
		return m.shredFile(ctx, imagePath)
	})

	// 5. Revoke the agent's own secrets so a compromised host can no
	// longer authenticate to the controller or unwrap future DEKs.
	step("revoke_secret", func() error {
		return m.secrets.Delete("agent-secret")
	})

	// 6. Strip any operator SSH access this instance may have granted.
	step("clear_ssh_keys", func() error {
		if m.ssh == nil {
			return nil
		}
		keys, err := m.ssh.List()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if _, err := m.ssh.Remove(k); err != nil {
				return err
			}
		}
		return nil
	})

	// 7. Ban this host fingerprint from ever provisioning again.
	step("write_ban_flag", func() error {
		return banflag.Write(m.BanFlagPath, fingerprint.Get())
	})

	// 8. Best-effort notify the controller. Never blocks the rest of the
	// sequence and never undoes work already done if it fails.
	step("notify_controller", func() error {
		if m.reporter == nil {
			return nil
		}
		return m.reporter.SendIncident(ctx, controller.IncidentReport{Fingerprint: fingerprint.Get(), Reason: reason})
	})

	// 9. Clear persisted instance state last, so a crash mid-sequence is
	// recoverable (retried) rather than silently forgotten.
	step("clear_state", func() error {
		return m.store.Clear()
	})

	metrics.InstanceStatus.Set(statusGauge(state.StatusDestroyed))
	metrics.SelfDestructsTotal.WithLabelValues(reason).Inc()

	if len(failures) > 0 {
		return fmt.Errorf("self-destruct completed with failed steps: %v", failures)
	}
	return nil
}

func (m *Manager) shredFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if _, err := m.runner.Run(ctx, nil, "shred", "-u", "-n", "1", path); err != nil {
		// shred may be unavailable in minimal images; fall back to a
		// plain remove so the instance record can still be cleared.
		return os.Remove(path)
	}
	return nil
}
