// Package authdaemon implements the Docker-API authorization broker: a
// UNIX socket proxy that decides, per request, whether the calling
// process may reach the real Docker socket. It fails closed on any
// error — malformed input, a policy panic, or an unreadable peer
// credential all produce a deny.
package authdaemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qudata/agent/internal/metrics"
)

// Request is the inbound authorization check, a proposed Docker API call.
type Request struct {
	Method string `json:"RequestMethod"`
	URI    string `json:"RequestUri"`
}

// Decision is the daemon's allow/deny verdict with a human-readable
// reason, wire-compatible with the original broker's response shape.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Policy decides whether a request from a given uid/pid should be
// allowed. It is never called for the Agent's own uid, which is always
// trusted (see Daemon.handle).
type Policy func(req Request, uid, pid uint32) Decision

// Daemon is the authorization broker. One goroutine is spawned per
// accepted connection, each bounded to a single request/response exchange
// with a read deadline, so one slow or hostile peer cannot starve others
// — the Go-idiomatic equivalent of the single-threaded, multiplexed
// reactor the original implementation used.
type Daemon struct {
	SocketPath string
	AgentUID   uint32
	Policy     Policy
	Log        *slog.Logger

	listener net.Listener
}

// readTimeout bounds how long a connection may take to send its request.
const readTimeout = 2 * time.Second

// maxRequestSize bounds how many bytes of a request are read (16 KiB).
const maxRequestSize = 16 << 10

// ListenAndServe binds the UNIX socket (removing any stale prior socket
// file), sets mode 0660, and serves connections until ctx is cancelled.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	if err := os.RemoveAll(d.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", d.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.SocketPath, err)
	}
	if err := os.Chmod(d.SocketPath, 0o660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				d.Log.Error("accept error", "error", err)
				continue
			}
		}
		go d.handle(conn)
	}
}

// Close releases the listener, if bound.
func (d *Daemon) Close() error {
	if d.listener == nil {
		return nil
	}
	return d.listener.Close()
}

func (d *Daemon) handle(conn net.Conn) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		d.writeDecision(conn, Decision{Allow: false, Reason: "error"})
		return
	}

	uid, pid, err := peerCredentials(unixConn)
	if err != nil {
		d.Log.Error("failed to read peer credentials", "error", err)
		d.writeDecision(conn, Decision{Allow: false, Reason: "error"})
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req Request
	dec := json.NewDecoder(bufio.NewReader(io.LimitReader(conn, maxRequestSize)))
	if err := dec.Decode(&req); err != nil {
		d.Log.Warn("bad json", "uid", uid, "error", err)
		d.writeDecision(conn, Decision{Allow: false, Reason: "bad json"})
		return
	}

	decision := d.decide(req, uid, pid)
	metrics.AuthDecisionsTotal.WithLabelValues(boolLabel(decision.Allow)).Inc()
	d.Log.Info("auth decision", "uid", uid, "method", req.Method, "uri", req.URI, "allow", decision.Allow, "reason", decision.Reason)
	d.writeDecision(conn, decision)
}

// decide applies the trusted-uid fast path before falling back to Policy.
// This fixes the original broker's bug of comparing a peer uid against
// the Agent's pid (always false, so the fast path never fired): the
// correct comparison is uid-to-uid, since the invariant being expressed
// is "the Agent process itself is always trusted".
func (d *Daemon) decide(req Request, uid, pid uint32) (decision Decision) {
	if uid == d.AgentUID {
		return Decision{Allow: true, Reason: "trusted uid"}
	}

	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("policy panicked", "panic", r, "critical", true)
			decision = Decision{Allow: false, Reason: "error"}
		}
	}()

	if d.Policy == nil {
		return Decision{Allow: false, Reason: "no policy configured"}
	}
	return d.Policy(req, uid, pid)
}

func (d *Daemon) writeDecision(conn net.Conn, dec Decision) {
	_ = conn.SetWriteDeadline(time.Now().Add(readTimeout))
	if err := json.NewEncoder(conn).Encode(dec); err != nil {
		d.Log.Error("failed to write decision", "error", err)
	}
}

func peerCredentials(conn *net.UnixConn) (uid, pid uint32, err error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, fmt.Errorf("get raw conn: %w", err)
	}

	var ucred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, 0, err
	}
	if sockErr != nil {
		return 0, 0, fmt.Errorf("getsockopt SO_PEERCRED: %w", sockErr)
	}
	if ucred == nil {
		return 0, 0, errors.New("authdaemon: no peer credentials")
	}
	return ucred.Uid, uint32(ucred.Pid), nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
