package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qudata/agent/internal/instance"
	"github.com/qudata/agent/internal/secretstore"
	"github.com/qudata/agent/internal/sshkeys"
	"github.com/qudata/agent/internal/state"
	"github.com/qudata/agent/internal/subprocess"
)

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, stdin []byte, name string, args ...string) (subprocess.Result, error) {
	if name == "docker" && len(args) > 0 && args[0] == "run" {
		return subprocess.Result{Stdout: "c-1\n"}, nil
	}
	return subprocess.Result{}, nil
}

func newTestServer(t *testing.T) (*Server, string) {
	srv, secret, _ := newTestServerWithSignal(t)
	return srv, secret
}

func newTestServerWithSignal(t *testing.T) (*Server, string, *signalRecorder) {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	secrets, err := secretstore.New(filepath.Join(dir, "keyring"))
	require.NoError(t, err)
	require.NoError(t, secrets.Set("agent-secret", "host-secret"))

	ssh := sshkeys.New(filepath.Join(dir, "authorized_keys"))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := instance.New(instance.Config{
		Store:       store,
		Runner:      nopRunner{},
		Secrets:     secrets,
		SSH:         ssh,
		Log:         log,
		LUKSBaseDir: filepath.Join(dir, "luks"),
		BanFlagPath: filepath.Join(dir, "banned"),
	})

	rec := &signalRecorder{}
	srv := New(Deps{
		Manager:    mgr,
		SSH:        ssh,
		Secret:     "test-secret",
		Log:        log,
		Version:    "test",
		SignalSelf: rec.signal,
	})
	return srv, "test-secret", rec
}

// signalRecorder stands in for a real self-SIGINT in tests, since actually
// signalling the test binary would kill the test run.
type signalRecorder struct {
	mu     sync.Mutex
	called int
}

func (r *signalRecorder) signal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called++
}

func (r *signalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.called
}

func doRequest(srv *Server, method, path, secret string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if secret != "" {
		req.Header.Set("X-Agent-Secret", secret)
	}
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)
	return w
}

func TestPingNoAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/ping", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInstancesRequiresSecret(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/instances", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInstancesRejectsWrongSecret(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/instances", "wrong", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInstancesGetEmpty(t *testing.T) {
	srv, secret := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/instances", secret, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSSHAddAndRemove(t *testing.T) {
	srv, secret := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/ssh", secret, map[string]string{"public_key": "ssh-ed25519 AAAA"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var addResp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &addResp))
	require.True(t, addResp["added"])

	w = doRequest(srv, http.MethodDelete, "/ssh", secret, map[string]string{"public_key": "ssh-ed25519 AAAA"})
	require.Equal(t, http.StatusOK, w.Code)
	var delResp map[string]bool
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &delResp))
	require.True(t, delResp["removed"])
}

func TestInstancesManageNoInstance(t *testing.T) {
	srv, secret := newTestServer(t)
	w := doRequest(srv, http.MethodPut, "/instances", secret, map[string]string{"action": "start"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmergencyWithNoInstanceStillSucceeds(t *testing.T) {
	srv, secret := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/emergency", secret, map[string]string{"reason": "test"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestShutdownSchedulesSelfSignalAndReturns202(t *testing.T) {
	srv, secret, rec := newTestServerWithSignal(t)
	w := doRequest(srv, http.MethodPost, "/shutdown", secret, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Equal(t, 0, rec.count(), "signal must not fire before its 1s delay")

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpointRequiresSecret(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMetricsEndpointWithSecret(t *testing.T) {
	srv, secret := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/metrics", secret, nil)
	require.Equal(t, http.StatusOK, w.Code)
}
