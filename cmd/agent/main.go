// Command agent is the entrypoint for all three processes in the
// supervision tree. Invoked with a "type=agent" argument it is the
// Launcher, which re-execs itself as "guardian" and repeatedly as "agent";
// any other invocation prints a usage line and exits 1. Each of the three
// roles wires up only the collaborators it needs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/qudata/agent/internal/authdaemon"
	"github.com/qudata/agent/internal/config"
	"github.com/qudata/agent/internal/controller"
	"github.com/qudata/agent/internal/controlplane"
	"github.com/qudata/agent/internal/docker"
	"github.com/qudata/agent/internal/fingerprint"
	"github.com/qudata/agent/internal/instance"
	"github.com/qudata/agent/internal/logging"
	"github.com/qudata/agent/internal/secretstore"
	"github.com/qudata/agent/internal/sshkeys"
	"github.com/qudata/agent/internal/state"
	"github.com/qudata/agent/internal/subprocess"
	"github.com/qudata/agent/internal/supervise"
	"github.com/qudata/agent/internal/tasks"
)

func main() {
	role := ""
	if len(os.Args) > 1 {
		role = os.Args[1]
	}

	switch role {
	case supervise.RoleGuardian:
		runGuardian()
	case supervise.RoleAgent:
		runAgent()
	default:
		if !slices.Contains(os.Args[1:], "type=agent") {
			fmt.Fprintln(os.Stderr, "usage: agent type=agent")
			os.Exit(1)
		}
		runLauncher()
	}
}

func runLauncher() {
	cfg, log := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher := supervise.NewLauncher(supervise.LauncherConfig{RespawnDelay: cfg.RespawnDelay}, log.Logger)
	if err := launcher.Run(ctx); err != nil {
		log.Error("launcher exited", "error", err)
		os.Exit(1)
	}
}

// components bundles everything a privileged role (agent or guardian)
// needs to act on the host: the persisted instance record, the means to
// mutate it, and the channel back to the controller.
type components struct {
	mgr     *instance.Manager
	store   *state.Store
	secrets *secretstore.Store
	docker  *docker.Client
	ctrl    *controller.Client
	ssh     *sshkeys.Manager
}

func wireComponents(cfg *config.Config, log *slog.Logger) (*components, error) {
	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	secrets, err := secretstore.New(cfg.SecretKeyPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	if _, err := secrets.Get("agent-secret"); err != nil {
		generated, genErr := secretstore.GenerateSecret()
		if genErr != nil {
			store.Close()
			return nil, fmt.Errorf("generate agent secret: %w", genErr)
		}
		if err := secrets.Set("agent-secret", generated); err != nil {
			store.Close()
			return nil, fmt.Errorf("persist agent secret: %w", err)
		}
	}

	var dockerTLS *docker.TLSConfig
	if cfg.DockerTLSCACert != "" && cfg.DockerTLSClientCert != "" && cfg.DockerTLSClientKey != "" {
		dockerTLS = &docker.TLSConfig{
			CACert:     cfg.DockerTLSCACert,
			ClientCert: cfg.DockerTLSClientCert,
			ClientKey:  cfg.DockerTLSClientKey,
		}
	}
	dockerClient, err := docker.NewClient(cfg.DockerSock, dockerTLS)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	var ctrl *controller.Client
	if cfg.ControllerURL != "" {
		agentSecret, _ := secrets.Get("agent-secret")
		ctrl = controller.New(cfg.ControllerURL, agentSecret, nil)
		ctrl.Backoff.MaxElapsed = cfg.ControllerMaxAge
	}

	ssh := sshkeys.New("")

	// ctrl is a typed nil when unconfigured; only wire it in as the
	// instance.IncidentReporter when it's genuinely non-nil, since
	// assigning a nil *controller.Client to an interface field would
	// produce a non-nil interface holding a nil pointer.
	var reporter instance.IncidentReporter
	if ctrl != nil {
		reporter = ctrl
	}

	mgr := instance.New(instance.Config{
		Store:       store,
		Runner:      subprocess.Exec{Timeout: 0},
		Secrets:     secrets,
		SSH:         ssh,
		Reporter:    reporter,
		Log:         log,
		LUKSBaseDir: cfg.LUKSBaseDir,
		BanFlagPath: cfg.BanFlagPath,
		Runtime:     cfg.ContainerRuntime,
	})

	return &components{
		mgr:     mgr,
		store:   store,
		secrets: secrets,
		docker:  dockerClient,
		ctrl:    ctrl,
		ssh:     ssh,
	}, nil
}

func (c *components) Close() {
	c.docker.Close()
	c.store.Close()
}

func runAgent() {
	cfg, log := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := wireComponents(cfg, log.Logger)
	if err != nil {
		log.Error("agent wiring failed", "error", err)
		os.Exit(1)
	}
	defer comp.Close()

	if err := comp.docker.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	agentSecret, _ := comp.secrets.Get("agent-secret")

	authDaemon := &authdaemon.Daemon{
		SocketPath: cfg.AuthSocketPath,
		AgentUID:   uint32(os.Getuid()),
		Policy:     authdaemon.DefaultPolicy([]string{"/containers/create", "/exec", "/containers/prune", "kill", "/cp"}),
		Log:        log.Logger,
	}
	go func() {
		if err := authDaemon.ListenAndServe(ctx); err != nil {
			log.Error("auth daemon stopped", "error", err)
		}
	}()

	cp := controlplane.New(controlplane.Deps{
		Manager: comp.mgr,
		SSH:     comp.ssh,
		Secret:  agentSecret,
		Log:     log.Logger,
		Version: "qudata-agent",
	})
	go func() {
		if err := cp.ListenAndServe(cfg.ListenAddr); err != nil {
			log.Error("control plane stopped", "error", err)
		}
	}()

	if comp.ctrl != nil {
		statsTask := &tasks.StatsTask{
			Lookup:       comp.mgr,
			Reporter:     comp.ctrl,
			Interval:     cfg.StatsInterval,
			Log:          log.Logger,
			TextfilePath: cfg.TextfilePath,
		}
		go statsTask.Run(ctx)

		if fp := fingerprint.Get(); fp != "" {
			if err := comp.ctrl.CreateHost(ctx, fp); err != nil {
				log.Warn("controller enrollment failed", "error", err)
			}
		}
	}

	pulser := supervise.OpenPulser(cfg.HeartbeatInterval, log.Logger)
	defer pulser.Close()

	failure := make(chan error, 1)
	go pulser.Run(ctx, func(err error) { failure <- err })

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-failure:
		exitCode = 1
		log.Error("pulse pipe broken, self-destructing", "error", err, "critical", true)
		destructCtx := context.Background()
		if dErr := comp.mgr.SelfDestruct(destructCtx, "pipe_break"); dErr != nil {
			log.Error("self-destruct reported failures", "error", dErr, "critical", true)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GuardianTimeout)
	defer cancel()
	_ = cp.Shutdown(shutdownCtx)
	_ = authDaemon.Close()
	if exitCode != 0 {
		comp.Close()
		os.Exit(exitCode)
	}
}

func runGuardian() {
	cfg, log := mustLoadConfig()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comp, err := wireComponents(cfg, log.Logger)
	if err != nil {
		log.Error("guardian wiring failed", "error", err)
		os.Exit(1)
	}
	defer comp.Close()

	launcherPID := os.Getppid()
	guardian := supervise.NewGuardian(cfg.GuardianTimeout, launcherPID, log.Logger, func(destructCtx context.Context, reason string) {
		if err := comp.mgr.SelfDestruct(destructCtx, reason); err != nil {
			log.Error("guardian-triggered self-destruct reported failures", "error", err, "critical", true)
		}
	})
	guardian.Run(ctx)
}

func mustLoadConfig() (*config.Config, *logging.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	return cfg, log
}
