// Package instance implements the instance lifecycle manager: create,
// manage (start/stop/restart/delete), fetch logs, and the atomic
// self-destruct sequence that wipes the host's encrypted storage and
// bans it from ever provisioning another instance.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qudata/agent/internal/banflag"
	"github.com/qudata/agent/internal/controller"
	qcrypto "github.com/qudata/agent/internal/crypto"
	"github.com/qudata/agent/internal/fingerprint"
	"github.com/qudata/agent/internal/metrics"
	"github.com/qudata/agent/internal/secretstore"
	"github.com/qudata/agent/internal/sshkeys"
	"github.com/qudata/agent/internal/state"
	"github.com/qudata/agent/internal/subprocess"
)

var (
	ErrAlreadyExists = errors.New("instance: an instance already exists on this host")
	ErrNoInstance    = errors.New("instance: no instance exists")
	// ErrCritical wraps an error that occurred after the container was
	// already running, meaning customer workload state and agent-recorded
	// state may have diverged. Callers should treat this as cause for
	// immediate investigation, not a normal retryable failure.
	ErrCritical = errors.New("instance: critical state divergence")
)

// Action is a requested lifecycle transition for the managed instance.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionDelete  Action = "delete"
)

// Spec describes a requested instance, the Go shape of the controller's
// CreateInstance payload.
type Spec struct {
	Image         string
	ImageTag      string
	StorageGB     int
	Registry      string
	Login         string
	Password      string
	EnvVariables  map[string]string
	Ports         map[string]string // container port -> host port, or "auto"
	Command       []string
	SSHEnabled    bool
	WrappedDEK    string

	// Resource limits, extracted from EnvVariables at create time (see
	// extractResources): QUDATA_CPU_CORES, QUDATA_MEMORY_GB,
	// QUDATA_GPU_COUNT. Empty means "no limit requested".
	CPUCores string
	MemoryGB string
	GPUCount string
}

// Env-vars a create request uses to request container resources;
// extractResources reads them off Spec.EnvVariables and clears them so
// they aren't also passed through as -e flags.
const (
	envCPUCores = "QUDATA_CPU_CORES"
	envMemoryGB = "QUDATA_MEMORY_GB"
	envGPUCount = "QUDATA_GPU_COUNT"
)

// extractResources pulls the resource-request env-vars off spec into its
// dedicated fields, consuming them from EnvVariables so they don't also
// get forwarded into the container as plain environment variables.
func extractResources(spec Spec) Spec {
	if spec.EnvVariables == nil {
		return spec
	}
	env := make(map[string]string, len(spec.EnvVariables))
	for k, v := range spec.EnvVariables {
		switch k {
		case envCPUCores:
			spec.CPUCores = v
		case envMemoryGB:
			spec.MemoryGB = v
		case envGPUCount:
			spec.GPUCount = v
		default:
			env[k] = v
		}
	}
	spec.EnvVariables = env
	return spec
}

// CreateResult is returned to the caller on successful creation.
type CreateResult struct {
	Success     bool              `json:"success"`
	Ports       []string          `json:"ports"`
	TunnelHost  string            `json:"tunnel_host,omitempty"`
	TunnelToken string            `json:"tunnel_token,omitempty"`
}

// IncidentReporter is satisfied by internal/controller.Client; kept as an
// interface so tests can fake it.
type IncidentReporter interface {
	SendIncident(ctx context.Context, incident controller.IncidentReport) error
}

// Manager coordinates all instance lifecycle operations. A single mutex
// serializes every mutation, the same discipline the fleet's own queue
// type uses for its mutable, persisted state.
type Manager struct {
	store    *state.Store
	runner   subprocess.Runner
	secrets  *secretstore.Store
	ssh      *sshkeys.Manager
	reporter IncidentReporter
	log      *slog.Logger

	LUKSBaseDir string
	BanFlagPath string
	Runtime     string // passed to `docker run --runtime=`

	mu sync.Mutex
}

// Config bundles the collaborators a Manager needs.
type Config struct {
	Store       *state.Store
	Runner      subprocess.Runner
	Secrets     *secretstore.Store
	SSH         *sshkeys.Manager
	Reporter    IncidentReporter
	Log         *slog.Logger
	LUKSBaseDir string
	BanFlagPath string
	Runtime     string
}

// New returns a ready Manager.
func New(cfg Config) *Manager {
	runtime := cfg.Runtime
	if runtime == "" {
		runtime = "kata"
	}
	return &Manager{
		store:       cfg.Store,
		runner:      cfg.Runner,
		secrets:     cfg.Secrets,
		ssh:         cfg.SSH,
		reporter:    cfg.Reporter,
		log:         cfg.Log,
		LUKSBaseDir: cfg.LUKSBaseDir,
		BanFlagPath: cfg.BanFlagPath,
		Runtime:     runtime,
	}
}

// Create provisions a new encrypted-storage container instance. Every
// failure branch rolls back everything done so far, in reverse order.
func (m *Manager) Create(ctx context.Context, spec Spec) (result *CreateResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.InstanceOperationDuration.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}()

	if banflag.Present(m.BanFlagPath) {
		return nil, fmt.Errorf("instance: host is banned, refusing to create")
	}
	spec = extractResources(spec)

	existing, err := m.store.Current()
	if err != nil {
		return nil, fmt.Errorf("read current instance: %w", err)
	}
	if existing != nil && existing.Status != state.StatusDestroyed {
		return nil, ErrAlreadyExists
	}

	instanceID := uuid.NewString()
	imagePath := filepath.Join(m.LUKSBaseDir, instanceID+".img")
	mapperName := "qudata-" + instanceID[:8]

	rollback := newRollback(m.log)

	hostSecret, err := m.secrets.Get("agent-secret")
	if err != nil {
		return nil, fmt.Errorf("load agent secret: %w", err)
	}
	fp := fingerprint.Get()

	dek, err := qcrypto.Unwrap(spec.WrappedDEK, hostSecret, fp)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer dek.Zero()

	if err := m.createSparseFile(ctx, imagePath, spec.StorageGB); err != nil {
		return nil, fmt.Errorf("create storage file: %w", err)
	}
	rollback.add(func() { os.Remove(imagePath) })

	if err := m.luksFormat(ctx, imagePath, dek); err != nil {
		rollback.run()
		return nil, fmt.Errorf("luks format: %w", err)
	}

	if err := m.luksOpen(ctx, imagePath, mapperName, dek); err != nil {
		rollback.run()
		return nil, fmt.Errorf("luks open: %w", err)
	}
	rollback.add(func() { m.luksClose(context.Background(), mapperName) })
	dek.Zero()

	mapperPath := "/dev/mapper/" + mapperName
	if _, err := m.runner.Run(ctx, nil, "mkfs.ext4", "-q", mapperPath); err != nil {
		rollback.run()
		return nil, fmt.Errorf("mkfs.ext4: %w", err)
	}

	resolvedPorts, err := resolvePorts(spec.Ports, spec.SSHEnabled)
	if err != nil {
		rollback.run()
		return nil, fmt.Errorf("resolve ports: %w", err)
	}

	containerID, err := m.dockerRun(ctx, instanceID, spec, mapperPath, resolvedPorts)
	if err != nil {
		rollback.run()
		return nil, fmt.Errorf("docker run: %w", err)
	}
	// Past this point the container is live; any further failure is
	// critical because customer workload state and our own persisted
	// state could now diverge.

	portList := make([]string, 0, len(resolvedPorts))
	for containerPort, hostPort := range resolvedPorts {
		portList = append(portList, fmt.Sprintf("%s->%s", containerPort, hostPort))
	}

	rec := &state.Instance{
		InstanceID:     instanceID,
		ContainerID:    containerID,
		Status:         state.StatusRunning,
		LUKSDevicePath: imagePath,
		LUKSMapperName: mapperName,
		AllocatedPorts: resolvedPorts,
		CreatedAt:      time.Now(),
	}
	if err := m.store.Save(rec); err != nil {
		m.log.Error("state persistence failed after container start", "error", err, "critical", true)
		_, _ = m.runner.Run(context.Background(), nil, "docker", "rm", "-f", containerID)
		rollback.run()
		return nil, fmt.Errorf("%w: persist instance state: %v", ErrCritical, err)
	}

	metrics.InstanceStatus.Set(statusGauge(state.StatusRunning))
	return &CreateResult{Success: true, Ports: portList}, nil
}

// Manage applies a start/stop/restart/delete action to the current
// instance.
func (m *Manager) Manage(ctx context.Context, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.InstanceOperationDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	inst, err := m.store.Current()
	if err != nil {
		return fmt.Errorf("read current instance: %w", err)
	}
	if inst == nil {
		return ErrNoInstance
	}

	switch action {
	case ActionDelete:
		m.mu.Unlock()
		err := m.SelfDestruct(ctx, "requested_delete")
		m.mu.Lock()
		return err
	case ActionStart:
		if _, err := m.runner.Run(ctx, nil, "docker", "start", inst.ContainerID); err != nil {
			return fmt.Errorf("docker start: %w", err)
		}
		inst.Status = state.StatusRunning
	case ActionStop:
		if _, err := m.runner.Run(ctx, nil, "docker", "stop", inst.ContainerID); err != nil {
			return fmt.Errorf("docker stop: %w", err)
		}
		inst.Status = state.StatusPaused
	case ActionRestart:
		inst.Status = state.StatusRebooting
		_ = m.store.Save(inst)
		if _, err := m.runner.Run(ctx, nil, "docker", "restart", inst.ContainerID); err != nil {
			inst.Status = state.StatusError
			_ = m.store.Save(inst)
			return fmt.Errorf("docker restart: %w", err)
		}
		inst.Status = state.StatusRunning
	default:
		return fmt.Errorf("instance: unknown action %q", action)
	}

	if err := m.store.Save(inst); err != nil {
		return fmt.Errorf("%w: persist instance state: %v", ErrCritical, err)
	}
	metrics.InstanceStatus.Set(statusGauge(inst.Status))
	return nil
}

// Logs returns the container's combined stdout/stderr log tail.
func (m *Manager) Logs(ctx context.Context) (string, error) {
	inst, err := m.store.Current()
	if err != nil {
		return "", fmt.Errorf("read current instance: %w", err)
	}
	if inst == nil || inst.ContainerID == "" {
		return "", ErrNoInstance
	}
	res, err := m.runner.Run(ctx, nil, "docker", "logs", "--tail", "500", inst.ContainerID)
	if err != nil {
		return "", fmt.Errorf("docker logs: %w", err)
	}
	return res.Stdout + res.Stderr, nil
}

// Current returns the persisted instance record, or nil if none exists.
func (m *Manager) Current() (*state.Instance, error) {
	return m.store.Current()
}

func (m *Manager) createSparseFile(ctx context.Context, path string, sizeGB int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create base dir: %w", err)
	}
	_, err := m.runner.Run(ctx, nil, "truncate", "-s", fmt.Sprintf("%dG", sizeGB), path)
	return err
}

func (m *Manager) luksFormat(ctx context.Context, path string, dek qcrypto.DEK) error {
	_, err := m.runner.Run(ctx, dek, "cryptsetup", "luksFormat", "--batch-mode", "--key-file=-", path)
	return err
}

func (m *Manager) luksOpen(ctx context.Context, path, mapperName string, dek qcrypto.DEK) error {
	_, err := m.runner.Run(ctx, dek, "cryptsetup", "luksOpen", "--key-file=-", path, mapperName)
	return err
}

func (m *Manager) luksClose(ctx context.Context, mapperName string) error {
	_, err := m.runner.Run(ctx, nil, "cryptsetup", "luksClose", mapperName)
	return err
}

func (m *Manager) dockerLogin(ctx context.Context, spec Spec) error {
	if spec.Registry == "" || spec.Login == "" {
		return nil
	}
	_, err := m.runner.Run(ctx, []byte(spec.Password), "docker", "login", spec.Registry, "-u", spec.Login, "--password-stdin")
	return err
}

func (m *Manager) dockerRun(ctx context.Context, instanceID string, spec Spec, mapperPath string, ports map[string]string) (string, error) {
	if err := m.dockerLogin(ctx, spec); err != nil {
		return "", fmt.Errorf("registry login: %w", err)
	}

	args := []string{"run", "-d", "--rm", "--name", "qudata-" + instanceID}
	if m.Runtime != "" {
		args = append(args, "--runtime="+m.Runtime)
	}
	if spec.CPUCores != "" {
		args = append(args, "--cpus="+spec.CPUCores)
	}
	if spec.MemoryGB != "" {
		args = append(args, "--memory="+spec.MemoryGB+"g")
	}
	if spec.GPUCount != "" {
		args = append(args, "--gpus=count="+spec.GPUCount)
	}
	args = append(args, "-v", mapperPath+":/data")
	for k, v := range spec.EnvVariables {
		args = append(args, "-e", k+"="+v)
	}
	for containerPort, hostPort := range ports {
		args = append(args, "-p", hostPort+":"+containerPort)
	}
	image := spec.Image
	if spec.Registry != "" {
		image = spec.Registry + "/" + image
	}
	if spec.ImageTag != "" {
		image += ":" + spec.ImageTag
	}
	args = append(args, image)
	args = append(args, spec.Command...)

	res, err := m.runner.Run(ctx, nil, "docker", args...)
	if err != nil {
		return "", err
	}
	return trimTrailingNewline(res.Stdout), nil
}

// resolvePorts replaces any "auto" value with an ephemeral free port
// obtained by binding :0, and adds the SSH port (22) when requested and
// not already mapped.
func resolvePorts(requested map[string]string, sshEnabled bool) (map[string]string, error) {
	resolved := map[string]string{}
	for containerPort, hostPort := range requested {
		if hostPort == "auto" || hostPort == "" {
			free, err := freePort()
			if err != nil {
				return nil, err
			}
			hostPort = free
		}
		resolved[containerPort] = hostPort
	}
	if sshEnabled {
		if _, ok := resolved["22/tcp"]; !ok {
			free, err := freePort()
			if err != nil {
				return nil, err
			}
			resolved["22/tcp"] = free
		}
	}
	return resolved, nil
}

func freePort() (string, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", fmt.Errorf("allocate free port: %w", err)
	}
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port), nil
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func statusGauge(s state.Status) float64 {
	switch s {
	case state.StatusPending:
		return 1
	case state.StatusRunning:
		return 2
	case state.StatusPaused:
		return 3
	case state.StatusRebooting:
		return 4
	case state.StatusError:
		return 5
	case state.StatusDestroyed:
		return 6
	default:
		return 0
	}
}
