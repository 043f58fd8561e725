// Package fingerprint computes a stable host identifier, following the
// same machine-id-then-dmidecode-then-hostname fallback chain the original
// agent used.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"strings"
	"time"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Get returns the sha256 hex digest of the host's machine-id, falling back
// to dmidecode's baseboard serial and finally the hostname if no
// machine-id file is present.
func Get() string {
	seed := machineID()
	if seed == "" {
		seed, _ = os.Hostname()
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func machineID() string {
	for _, p := range machineIDPaths {
		data, err := os.ReadFile(p)
		if err == nil {
			if v := strings.TrimSpace(string(data)); v != "" {
				return v
			}
		}
	}
	return dmidecodeSerial()
}

// dmidecodeSerial shells out to dmidecode, matching the original's final
// fallback before giving up on a machine-id-derived seed.
func dmidecodeSerial() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "dmidecode", "-s", "baseboard-serial-number").Output()
	if err != nil {
		return ""
	}
	v := strings.TrimSpace(string(out))
	if v == "" || strings.Contains(strings.ToLower(v), "not specified") {
		return ""
	}
	return v
}
