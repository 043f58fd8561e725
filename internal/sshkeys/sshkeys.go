// Package sshkeys manages /root/.ssh/authorized_keys as a deduplicated
// set of lines, the way the original agent's ssh_keys module did — minus
// the inverted add-duplicate-check bug the original carried (it warned
// and returned early on keys *not* already present, the opposite of the
// evidently intended behavior; see DESIGN.md).
package sshkeys

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPath is the default authorized_keys location.
const DefaultPath = "/root/.ssh/authorized_keys"

// Manager adds/removes SSH public keys from an authorized_keys file.
type Manager struct {
	Path string
}

// New returns a Manager for the given authorized_keys path.
func New(path string) *Manager {
	if path == "" {
		path = DefaultPath
	}
	return &Manager{Path: path}
}

// Add appends pubkey to the authorized_keys file if not already present.
// Returns true if the key was newly added.
func (m *Manager) Add(pubkey string) (bool, error) {
	pubkey = strings.TrimSpace(pubkey)
	if pubkey == "" {
		return false, fmt.Errorf("sshkeys: empty public key")
	}

	keys, err := m.readKeys()
	if err != nil {
		return false, err
	}
	if keys[pubkey] {
		return false, nil
	}
	keys[pubkey] = true
	if err := m.writeKeys(keys); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes pubkey from the authorized_keys file if present. Returns
// true if a key was removed.
func (m *Manager) Remove(pubkey string) (bool, error) {
	pubkey = strings.TrimSpace(pubkey)
	keys, err := m.readKeys()
	if err != nil {
		return false, err
	}
	if !keys[pubkey] {
		return false, nil
	}
	delete(keys, pubkey)
	if err := m.writeKeys(keys); err != nil {
		return false, err
	}
	return true, nil
}

// List returns all currently authorized public keys.
func (m *Manager) List() ([]string, error) {
	keys, err := m.readKeys()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out, nil
}

func (m *Manager) readKeys() (map[string]bool, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("read authorized_keys: %w", err)
	}
	keys := map[string]bool{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			keys[line] = true
		}
	}
	return keys, nil
}

func (m *Manager) writeKeys(keys map[string]bool) error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o700); err != nil {
		return fmt.Errorf("create ssh dir: %w", err)
	}
	var b strings.Builder
	for k := range keys {
		b.WriteString(k)
		b.WriteString("\n")
	}

	tmp := m.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write authorized_keys temp file: %w", err)
	}
	if err := os.Rename(tmp, m.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename authorized_keys temp file: %w", err)
	}
	return nil
}
