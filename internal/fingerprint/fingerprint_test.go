package fingerprint

import (
	"os"
	"strings"
	"testing"
)

func TestGetIsStableAndHexSHA256(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Errorf("Get() not stable: %q != %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("len(Get()) = %d, want 64 (sha256 hex)", len(a))
	}
}

func TestMachineIDPrefersFirstPath(t *testing.T) {
	// machineIDPaths[0] is /etc/machine-id; if it's present on the test
	// host, machineID() must return its trimmed content.
	got := machineID()
	if data, err := os.ReadFile(machineIDPaths[0]); err == nil {
		if want := strings.TrimSpace(string(data)); want != "" && got != want {
			t.Errorf("machineID() = %q, want %q from %s", got, want, machineIDPaths[0])
		}
	}
}
