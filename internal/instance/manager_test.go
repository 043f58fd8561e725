package instance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/qudata/agent/internal/crypto"
	"github.com/qudata/agent/internal/fingerprint"
	"github.com/qudata/agent/internal/secretstore"
	"github.com/qudata/agent/internal/sshkeys"
	"github.com/qudata/agent/internal/state"
	"github.com/qudata/agent/internal/subprocess"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records every invocation and lets tests fail specific
// commands by name prefix.
type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	fail     map[string]error
	runCount map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fail: map[string]error{}, runCount: map[string]int{}}
}

func (f *fakeRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) (subprocess.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	f.runCount[name]++
	if err, ok := f.fail[name]; ok {
		return subprocess.Result{}, err
	}
	if name == "docker" && len(args) > 0 && args[0] == "run" {
		return subprocess.Result{Stdout: "containerabc123\n"}, nil
	}
	return subprocess.Result{}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("state.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	secrets, err := secretstore.New(filepath.Join(dir, "keyring"))
	if err != nil {
		t.Fatalf("secretstore.New() error = %v", err)
	}
	if err := secrets.Set("agent-secret", "host-secret"); err != nil {
		t.Fatalf("secrets.Set() error = %v", err)
	}

	ssh := sshkeys.New(filepath.Join(dir, "authorized_keys"))

	runner := newFakeRunner()

	m := New(Config{
		Store:       store,
		Runner:      runner,
		Secrets:     secrets,
		SSH:         ssh,
		Log:         testLogger(),
		LUKSBaseDir: filepath.Join(dir, "luks"),
		BanFlagPath: filepath.Join(dir, "banned"),
		Runtime:     "kata",
	})
	return m, runner
}

func wrappedDEKFor(t *testing.T, hostSecret, fp string) string {
	t.Helper()
	dek := make(crypto.DEK, crypto.DEKSize)
	for i := range dek {
		dek[i] = byte(i)
	}
	wrapped, err := crypto.Wrap(dek, hostSecret, fp)
	if err != nil {
		t.Fatalf("crypto.Wrap() error = %v", err)
	}
	return wrapped
}

func testSpec(t *testing.T) Spec {
	return Spec{
		Image:     "qudata/workload",
		ImageTag:  "latest",
		StorageGB: 10,
		Ports:     map[string]string{"8080/tcp": "auto"},
		EnvVariables: map[string]string{
			"QUDATA_CPU_CORES": "2",
			"QUDATA_MEMORY_GB": "1",
		},
	}
}

func TestCreateSuccess(t *testing.T) {
	m, runner := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())

	result, err := m.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !result.Success {
		t.Errorf("result.Success = false, want true")
	}

	inst, err := m.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if inst == nil || inst.Status != state.StatusRunning {
		t.Fatalf("Current() = %+v, want running instance", inst)
	}
	if inst.ContainerID != "containerabc123" {
		t.Errorf("ContainerID = %q, want containerabc123", inst.ContainerID)
	}

	if runner.runCount["cryptsetup"] != 2 {
		t.Errorf("cryptsetup invocations = %d, want 2 (format + open)", runner.runCount["cryptsetup"])
	}
	if runner.runCount["mkfs.ext4"] != 1 {
		t.Errorf("mkfs.ext4 invocations = %d, want 1", runner.runCount["mkfs.ext4"])
	}

	dockerRunCall := ""
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "docker run") {
			dockerRunCall = call
		}
	}
	for _, want := range []string{"--rm", "--runtime=kata", "--cpus=2", "--memory=1g"} {
		if !strings.Contains(dockerRunCall, want) {
			t.Errorf("docker run call %q missing %q", dockerRunCall, want)
		}
	}
	if strings.Contains(dockerRunCall, "QUDATA_CPU_CORES") || strings.Contains(dockerRunCall, "QUDATA_MEMORY_GB") {
		t.Errorf("docker run call %q should not forward resource env-vars as -e flags", dockerRunCall)
	}
}

func TestCreateWithGPUCount(t *testing.T) {
	m, runner := newTestManager(t)
	spec := testSpec(t)
	spec.EnvVariables["QUDATA_GPU_COUNT"] = "1"
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())

	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	dockerRunCall := ""
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "docker run") {
			dockerRunCall = call
		}
	}
	if !strings.Contains(dockerRunCall, "--gpus=count=1") {
		t.Errorf("docker run call %q missing --gpus=count=1", dockerRunCall)
	}
}

func TestCreateFailsWhenAlreadyExists(t *testing.T) {
	m, _ := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())

	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	if _, err := m.Create(context.Background(), spec); err != ErrAlreadyExists {
		t.Errorf("second Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreateRollsBackOnLuksFormatFailure(t *testing.T) {
	m, runner := newTestManager(t)
	runner.fail["cryptsetup"] = fmt.Errorf("boom")

	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())

	if _, err := m.Create(context.Background(), spec); err == nil {
		t.Fatal("Create() error = nil, want failure")
	}

	inst, err := m.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if inst != nil {
		t.Errorf("Current() = %+v, want nil after rollback", inst)
	}
}

func TestCreateFailsWithWrongSecret(t *testing.T) {
	m, _ := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "some-other-secret", fingerprint.Get())

	if _, err := m.Create(context.Background(), spec); err == nil {
		t.Fatal("Create() error = nil, want unwrap failure")
	}
}

func TestManageDeleteRunsSelfDestruct(t *testing.T) {
	m, runner := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())
	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.Manage(context.Background(), ActionDelete); err != nil {
		t.Fatalf("Manage(delete) error = %v", err)
	}

	inst, err := m.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if inst != nil {
		t.Errorf("Current() = %+v, want nil after delete", inst)
	}
	if runner.runCount["docker"] < 3 {
		t.Errorf("docker invocations = %d, want at least run+stop+rm", runner.runCount["docker"])
	}
}

func TestCreateLogsIntoRegistryWhenConfigured(t *testing.T) {
	m, runner := newTestManager(t)
	spec := testSpec(t)
	spec.Registry = "registry.example.com"
	spec.Login = "deploy"
	spec.Password = "s3cret"
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())

	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	found := false
	for _, call := range runner.calls {
		if strings.HasPrefix(call, "docker login registry.example.com -u deploy --password-stdin") {
			found = true
		}
	}
	if !found {
		t.Errorf("calls = %v, want a docker login call", runner.calls)
	}
}

func TestManageNoInstance(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Manage(context.Background(), ActionStart); err != ErrNoInstance {
		t.Errorf("Manage() error = %v, want ErrNoInstance", err)
	}
}

func TestSelfDestructIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())
	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := m.SelfDestruct(context.Background(), "test"); err != nil {
		t.Fatalf("first SelfDestruct() error = %v", err)
	}
	if err := m.SelfDestruct(context.Background(), "test-again"); err != nil {
		t.Fatalf("second SelfDestruct() error = %v, want nil (idempotent)", err)
	}
}

func TestSelfDestructWritesBanFlag(t *testing.T) {
	m, _ := newTestManager(t)
	spec := testSpec(t)
	spec.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())
	if _, err := m.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.SelfDestruct(context.Background(), "tamper_detected"); err != nil {
		t.Fatalf("SelfDestruct() error = %v", err)
	}

	spec2 := testSpec(t)
	spec2.WrappedDEK = wrappedDEKFor(t, "host-secret", fingerprint.Get())
	if _, err := m.Create(context.Background(), spec2); err == nil {
		t.Error("Create() after self-destruct error = nil, want ban rejection")
	}
}
