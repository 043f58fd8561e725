package supervise

import (
	"os"
	"testing"
)

func TestProcessAliveForSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false, want true")
	}
}

func TestProcessAliveForImpossiblePID(t *testing.T) {
	// PID 2^31-1 is never a real process on any supported platform.
	if processAlive(1<<31 - 1) {
		t.Error("processAlive(huge pid) = true, want false")
	}
}
