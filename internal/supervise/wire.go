// Package supervise implements the three-process custody tree: a
// Launcher that forks and respawns the Agent, an Agent that runs the
// workload and control plane, and a Guardian that watches the Agent's
// heartbeat pulse and triggers self-destruct on silence or tamper. All
// three are the same compiled binary, re-exec'd with a role flag, the way
// a worker-pool tool re-execs itself into per-role subcommands rather than
// shipping distinct binaries.
package supervise

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MessageType tags a Heartbeat frame.
type MessageType string

const (
	// MessagePulse is sent every HeartbeatInterval while the Agent is
	// healthy.
	MessagePulse MessageType = "pulse"
	// MessageDied is sent once, immediately before the Agent exits
	// deliberately (when its context is cancelled on shutdown), so the
	// Guardian can distinguish a clean handoff from tamper.
	MessageDied MessageType = "died"
)

// Heartbeat is a single frame exchanged on the Agent->Guardian pipe.
type Heartbeat struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

// maxFrameSize bounds a single heartbeat frame; heartbeats are tiny fixed
// JSON so anything larger indicates a corrupted stream.
const maxFrameSize = 4096

// WriteFrame writes a length-prefixed JSON-encoded Heartbeat to w.
func WriteFrame(w io.Writer, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("heartbeat frame too large: %d bytes", len(data))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON Heartbeat from r.
func ReadFrame(r io.Reader) (Heartbeat, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Heartbeat{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return Heartbeat{}, errors.New("supervise: invalid frame length")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Heartbeat{}, fmt.Errorf("read frame body: %w", err)
	}
	var hb Heartbeat
	if err := json.Unmarshal(body, &hb); err != nil {
		return Heartbeat{}, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	return hb, nil
}
