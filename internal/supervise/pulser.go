package supervise

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/qudata/agent/internal/metrics"
)

// pulseFD is the file descriptor index at which the Agent finds its pulse
// pipe, since ExtraFiles are appended starting at fd 3 (after stdin/stdout
// /stderr).
const pulseFD = 3

// Pulser sends periodic Pulse heartbeats to the Guardian over the pipe
// the Launcher handed this process, and sends a final Died message before
// a deliberate, clean exit.
type Pulser struct {
	file     *os.File
	interval time.Duration
	log      *slog.Logger
}

// OpenPulser opens this process's pulse pipe (fd 3, from ExtraFiles) and
// returns a Pulser. It is an error to call this in a process that was not
// started by a Launcher.
func OpenPulser(interval time.Duration, log *slog.Logger) *Pulser {
	return &Pulser{
		file:     os.NewFile(pulseFD, "pulse-pipe"),
		interval: interval,
		log:      log,
	}
}

// Run sends a Pulse every interval until ctx is cancelled or onFailure is
// invoked because a write failed (indicating the Guardian pipe is broken,
// which the spec treats as equivalent to tamper). onFailure is called at
// most once.
func (p *Pulser) Run(ctx context.Context, onFailure func(error)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = WriteFrame(p.file, Heartbeat{Type: MessageDied, Reason: "shutdown"})
			return
		case <-ticker.C:
			if err := WriteFrame(p.file, Heartbeat{Type: MessagePulse}); err != nil {
				p.log.Error("pulse write failed", "error", err, "critical", true)
				onFailure(err)
				return
			}
			metrics.PulsesTotal.Inc()
		}
	}
}

// Close releases the pipe file descriptor.
func (p *Pulser) Close() error {
	return p.file.Close()
}
