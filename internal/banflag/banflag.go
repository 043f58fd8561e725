// Package banflag manages the on-disk marker, written during the
// self-destruct sequence, that the instance manager checks before every
// create so a banned host never provisions another instance.
package banflag

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write records fingerprint as the ban reason at path, creating parent
// directories as needed. Idempotent: writing an already-banned host is a
// harmless overwrite.
func Write(path, fingerprint string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create ban flag dir: %w", err)
	}
	// The flag is read-only once written; remove it so a rewrite succeeds.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove old ban flag: %w", err)
	}
	if err := os.WriteFile(path, []byte(fingerprint), 0o400); err != nil {
		return fmt.Errorf("write ban flag: %w", err)
	}
	return nil
}

// Present reports whether the host has an active ban flag.
func Present(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
