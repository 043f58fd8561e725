package supervise

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/qudata/agent/internal/metrics"
)

// Guardian watches the Agent's pulse pipe and triggers Destruct when the
// pulse goes silent or the pipe breaks. It exits without destructing when
// the Agent sends a Died message (a deliberate shutdown) or when the
// Launcher process itself disappears (custody simply ends).
//
// os.File pipes don't expose SetReadDeadline the way a net.Conn does, so
// silence detection is implemented with a reader goroutine feeding a
// channel and a select with a timer, rather than a deadline on the file
// itself — the same boundedness, reached by the idiom available for
// anonymous pipes in Go.
type Guardian struct {
	file        *os.File
	timeout     time.Duration
	launcherPID int
	log         *slog.Logger
	Destruct    func(ctx context.Context, reason string)
}

// NewGuardian opens this process's read end of the pulse pipe (fd 3).
func NewGuardian(timeout time.Duration, launcherPID int, log *slog.Logger, destruct func(ctx context.Context, reason string)) *Guardian {
	return &Guardian{
		file:        os.NewFile(pulseFD, "pulse-pipe"),
		timeout:     timeout,
		launcherPID: launcherPID,
		log:         log,
		Destruct:    destruct,
	}
}

// Run blocks until ctx is cancelled, the launcher disappears (clean
// exit), or the pulse stream signals tamper (destruct, then exit).
func (g *Guardian) Run(ctx context.Context) {
	frames := make(chan Heartbeat)
	readErrs := make(chan error, 1)
	go func() {
		for {
			hb, err := ReadFrame(g.file)
			if err != nil {
				readErrs <- err
				return
			}
			frames <- hb
		}
	}()

	pollLauncher := time.NewTicker(g.timeout / 2)
	defer pollLauncher.Stop()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	lastPulse := time.Now()
	metrics.HeartbeatAge.Set(0)

	for {
		select {
		case <-ctx.Done():
			return

		case hb := <-frames:
			lastPulse = time.Now()
			metrics.HeartbeatAge.Set(0)
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(g.timeout)

			if hb.Type == MessageDied {
				g.log.Info("agent reported clean shutdown", "reason", hb.Reason)
				return
			}

		case err := <-readErrs:
			if errors.Is(err, context.Canceled) {
				return
			}
			g.log.Error("pulse pipe broken", "error", err, "critical", true)
			g.Destruct(context.Background(), "pipe_break")
			return

		case <-timer.C:
			g.log.Error("heartbeat timeout", "critical", true)
			g.Destruct(context.Background(), "heartbeat_loss")
			return

		case <-pollLauncher.C:
			metrics.HeartbeatAge.Set(time.Since(lastPulse).Seconds())
			if !processAlive(g.launcherPID) {
				g.log.Info("launcher gone, exiting cleanly")
				return
			}
		}
	}
}

// SignalParent tells the caller whether pid is still alive, exported for
// reuse by anything outside this package that needs the same liveness
// check the Launcher uses.
func SignalParent(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
