// Package controlplane exposes the agent's local HTTP API: the narrow
// surface the central controller (and, for /ssh, platform tooling) uses
// to provision, manage, and tear down the single instance this host
// runs. Shaped after the teacher's own agent-mode web server, with
// session-cookie auth replaced by a single shared-secret header, since
// this API has exactly one caller class rather than human operators.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qudata/agent/internal/instance"
	"github.com/qudata/agent/internal/sshkeys"
)

// maxConcurrentOps bounds how many instance-mutating requests run at
// once; LUKS format/open and docker run are expensive enough that an
// unbounded burst of concurrent creates could starve the host.
const maxConcurrentOps = 3

// Deps bundles the collaborators the control plane routes need.
type Deps struct {
	Manager *instance.Manager
	SSH     *sshkeys.Manager
	Secret  string
	Log     *slog.Logger
	Version string

	// SignalSelf delivers SIGINT to the agent's own process; overridable
	// in tests so /shutdown doesn't kill the test binary. Defaults to a
	// real self-signal when nil.
	SignalSelf func()
}

// Server is the agent's local HTTP control plane.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	sem  chan struct{}
	srv  *http.Server
}

// New returns a Server ready to serve.
func New(deps Deps) *Server {
	if deps.SignalSelf == nil {
		deps.SignalSelf = func() {
			_ = syscall.Kill(os.Getpid(), syscall.SIGINT)
		}
	}
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		sem:  make(chan struct{}, maxConcurrentOps),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /metrics", s.authed(promhttp.Handler().ServeHTTP))

	s.mux.HandleFunc("POST /ssh", s.authed(s.bounded(s.handleSSHAdd)))
	s.mux.HandleFunc("DELETE /ssh", s.authed(s.bounded(s.handleSSHRemove)))

	s.mux.HandleFunc("GET /instances", s.authed(s.handleInstancesGet))
	s.mux.HandleFunc("POST /instances", s.authed(s.bounded(s.handleInstancesCreate)))
	s.mux.HandleFunc("PUT /instances", s.authed(s.bounded(s.handleInstancesManage)))
	s.mux.HandleFunc("DELETE /instances", s.authed(s.bounded(s.handleInstancesDelete)))

	s.mux.HandleFunc("POST /shutdown", s.authed(s.bounded(s.handleShutdown)))
	s.mux.HandleFunc("POST /emergency", s.authed(s.bounded(s.handleEmergency)))
}

// authed requires the X-Agent-Secret header to match the configured
// shared secret. There is no session concept here: every request is
// either the controller (trusted) or it isn't.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if subtleEqual(r.Header.Get("X-Agent-Secret"), s.deps.Secret) {
			h(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid or missing agent secret")
	}
}

// bounded limits how many instance-mutating handlers run concurrently,
// rejecting with 503 rather than queuing unboundedly.
func (s *Server) bounded(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			h(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, "too many concurrent instance operations")
		}
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleSSHAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	added, err := s.deps.SSH.Add(body.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleSSHRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	removed, err := s.deps.SSH.Remove(body.PublicKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleInstancesGet(w http.ResponseWriter, r *http.Request) {
	inst, err := s.deps.Manager.Current()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read instance state")
		return
	}
	if inst == nil {
		writeJSON(w, http.StatusOK, map[string]any{"instance": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": inst})
}

func (s *Server) handleInstancesCreate(w http.ResponseWriter, r *http.Request) {
	var spec instance.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.deps.Manager.Create(r.Context(), spec)
	if err != nil {
		if errors.Is(err, instance.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.deps.Log.Error("instance create failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleInstancesManage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Action instance.Action `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.deps.Manager.Manage(r.Context(), body.Action); err != nil {
		if errors.Is(err, instance.ErrNoInstance) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.deps.Log.Error("instance manage failed", "action", body.Action, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInstancesDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Manager.Manage(r.Context(), instance.ActionDelete); err != nil {
		if errors.Is(err, instance.ErrNoInstance) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.deps.Log.Error("instance delete failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleShutdown schedules a graceful self-restart: a SIGINT delivered to
// the agent's own process 1s out, giving the launcher's respawn loop a
// clean process exit to react to, distinct from /emergency's destructive
// path. Responds 202 immediately; the actual exit happens asynchronously.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	time.AfterFunc(time.Second, s.deps.SignalSelf)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutdown scheduled"})
}

// handleEmergency spawns the full self-destruct sequence asynchronously
// and responds 202 immediately — the caller isn't kept waiting on a
// sequence that wipes storage and kills the workload.
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "emergency_triggered"
	}
	go func() {
		if err := s.deps.Manager.SelfDestruct(context.Background(), body.Reason); err != nil {
			s.deps.Log.Error("emergency self-destruct reported failures", "error", err, "critical", true)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "destruct scheduled"})
}

// ListenAndServe starts the control plane on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the control plane's HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
