// Package state persists the single InstanceState record (and a handful of
// agent settings) in a bbolt database, following the same bucket-per-concern,
// transaction-per-mutation idiom the rest of the fleet's storage layers use.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstance = []byte("instance")
	bucketSettings = []byte("settings")

	keyCurrent = []byte("current")
)

// Status is the lifecycle status of the managed instance.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusRebooting Status = "rebooting"
	StatusError     Status = "error"
	StatusDestroyed Status = "destroyed"
)

// Instance is the single persisted record describing the host's one
// managed workload. At most one Instance record exists at any time; Store
// enforces this structurally by keeping it under a single fixed key.
type Instance struct {
	InstanceID     string            `json:"instance_id"`
	ContainerID    string            `json:"container_id,omitempty"`
	Status         Status            `json:"status"`
	LUKSDevicePath string            `json:"luks_device_path,omitempty"`
	LUKSMapperName string            `json:"luks_mapper_name,omitempty"`
	AllocatedPorts map[string]string `json:"allocated_ports,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Store wraps a bbolt database holding the instance record and settings.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path, ensuring all buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketInstance, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Current returns the persisted instance record, or nil if none exists.
func (s *Store) Current() (*Instance, error) {
	var inst *Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketInstance).Get(keyCurrent)
		if raw == nil {
			return nil
		}
		var v Instance
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("unmarshal instance record: %w", err)
		}
		inst = &v
		return nil
	})
	return inst, err
}

// Save persists inst as the sole instance record, replacing any prior one.
// The write happens inside a single bbolt transaction, which bbolt commits
// durably (msync) before returning, giving the same write-then-rename
// atomicity as a temp-file-and-rename scheme without hand-rolling one.
func (s *Store) Save(inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstance).Put(keyCurrent, data)
	})
}

// Clear removes the instance record entirely (used once self-destruct
// fully completes and no record should remain).
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstance).Delete(keyCurrent)
	})
}

// SaveSetting persists an arbitrary string setting.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting reads a string setting, returning ok=false if unset.
func (s *Store) LoadSetting(key string) (value string, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get([]byte(key))
		if raw != nil {
			value = string(raw)
			ok = true
		}
		return nil
	})
	return value, ok
}
