package supervise

import (
	"bytes"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Heartbeat{Type: MessagePulse}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.Type != want.Type {
		t.Errorf("Type = %q, want %q", got.Type, want.Type)
	}
}

func TestWriteReadFrameWithReason(t *testing.T) {
	var buf bytes.Buffer
	want := Heartbeat{Type: MessageDied, Reason: "graceful shutdown"}
	_ = WriteFrame(&buf, want)
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if got.Reason != "graceful shutdown" {
		t.Errorf("Reason = %q, want %q", got.Reason, "graceful shutdown")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Heartbeat{Type: MessagePulse})
	_ = WriteFrame(&buf, Heartbeat{Type: MessagePulse})
	_ = WriteFrame(&buf, Heartbeat{Type: MessageDied, Reason: "tamper"})

	for i := 0; i < 2; i++ {
		hb, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame() #%d error = %v", i, err)
		}
		if hb.Type != MessagePulse {
			t.Errorf("frame %d type = %q, want pulse", i, hb.Type)
		}
	}
	hb, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame() third error = %v", err)
	}
	if hb.Type != MessageDied || hb.Reason != "tamper" {
		t.Errorf("third frame = %+v, want died/tamper", hb)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7f, 0xff, 0xff, 0xff})
	if _, err := ReadFrame(buf); err == nil {
		t.Error("ReadFrame() with huge length succeeded, want error")
	}
}

func TestReadFrameOnEmptyStreamReturnsEOF(t *testing.T) {
	buf := strings.NewReader("")
	if _, err := ReadFrame(buf); err == nil {
		t.Error("ReadFrame() on empty stream succeeded, want EOF")
	}
}
