// Package config loads agent configuration from the environment, with an
// optional YAML file overlay for values operators want committed to disk.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration. Most fields are set once at Load
// and read without locking; the maintenance-window schedule can be
// replaced at runtime through SetSchedule, so it's guarded by mu like
// the mutable fields in a typical runtime config.
type Config struct {
	// Docker connection
	DockerSock string

	// Docker mTLS, used only when DockerSock is a tcp://|tcps:// remote
	// daemon (e.g. a fleet-managed Docker socket proxy) rather than the
	// local UNIX socket; empty fields mean "no client cert, plain TCP".
	DockerTLSCACert     string
	DockerTLSClientCert string
	DockerTLSClientKey  string

	// ContainerRuntime is passed to `docker run --runtime=`. The original
	// source has both a vanilla-Docker and a Kata-Containers launch path
	// with no clear signal which is canonical, so this is a config knob
	// rather than a hardcoded choice; "kata" by default for the
	// VM-level isolation a leased, untrusted-tenant host needs.
	ContainerRuntime string

	// Storage
	DBPath        string
	LUKSBaseDir   string // parent directory for per-instance sparse files
	SecretKeyPath string // file-backed keystore path

	// Logging
	LogJSON bool

	// HTTP control plane
	ListenAddr     string
	MetricsEnabled bool
	TextfilePath   string // node_exporter textfile-collector export path; empty disables

	// Auth daemon
	AuthSocketPath string

	// Supervision tree
	HeartbeatInterval time.Duration
	GuardianTimeout   time.Duration
	RespawnDelay      time.Duration

	// Controller
	ControllerURL    string
	StatsInterval    time.Duration
	ControllerMaxAge time.Duration // wall-clock cap for backoff retries

	// Host identity
	BanFlagPath string

	// mu protects schedule, the one field mutable after Load.
	mu       sync.RWMutex
	schedule string // optional cron expression; empty disables window suppression
}

type fileOverlay struct {
	DockerSock        string `yaml:"docker_sock"`
	LUKSBaseDir       string `yaml:"luks_base_dir"`
	ListenAddr        string `yaml:"listen_addr"`
	AuthSocketPath    string `yaml:"auth_socket_path"`
	ControllerURL     string `yaml:"controller_url"`
	MaintenanceWindow string `yaml:"maintenance_window"`
}

// NewTestConfig returns a Config with sensible defaults for tests.
func NewTestConfig() *Config {
	return &Config{
		DockerSock:        "/var/run/docker.sock",
		ContainerRuntime:  "kata",
		DBPath:            "/tmp/qudata-agent-test.db",
		LUKSBaseDir:       "/tmp/qudata-instances",
		SecretKeyPath:     "/tmp/qudata-agent-test.keyring",
		ListenAddr:        "127.0.0.1:0",
		AuthSocketPath:    "/tmp/qudata-authd-test.sock",
		HeartbeatInterval: 10 * time.Millisecond,
		GuardianTimeout:   50 * time.Millisecond,
		RespawnDelay:      10 * time.Millisecond,
		StatsInterval:     100 * time.Millisecond,
		ControllerMaxAge:  time.Second,
		BanFlagPath:       "/tmp/qudata-ban-flag-test",
	}
}

// Load reads configuration from the environment, then from the YAML file
// named by QUDATA_CONFIG_FILE if set. Environment values always win over
// the file, matching the "env overrides persisted settings" precedent.
func Load() (*Config, error) {
	c := &Config{
		DockerSock:          envStr("QUDATA_DOCKER_SOCK", "/var/run/docker.sock"),
		DockerTLSCACert:     envStr("QUDATA_DOCKER_TLS_CACERT", ""),
		DockerTLSClientCert: envStr("QUDATA_DOCKER_TLS_CLIENT_CERT", ""),
		DockerTLSClientKey:  envStr("QUDATA_DOCKER_TLS_CLIENT_KEY", ""),
		ContainerRuntime:    envStr("QUDATA_CONTAINER_RUNTIME", "kata"),
		DBPath:            envStr("QUDATA_DB_PATH", "/var/lib/qudata/agent.db"),
		LUKSBaseDir:       envStr("QUDATA_LUKS_BASE_DIR", "/var/lib/qudata/instances"),
		SecretKeyPath:     envStr("QUDATA_SECRET_KEY_PATH", defaultSecretPath()),
		LogJSON:           envBool("QUDATA_LOG_JSON", true),
		ListenAddr:        envStr("QUDATA_LISTEN_ADDR", "127.0.0.1:8700"),
		MetricsEnabled:    envBool("QUDATA_METRICS", true),
		TextfilePath:      envStr("QUDATA_METRICS_TEXTFILE", ""),
		AuthSocketPath:    envStr("QUDATA_AUTH_SOCKET", "/run/qudata/authd.sock"),
		HeartbeatInterval: envDuration("QUDATA_HEARTBEAT_INTERVAL", time.Second),
		GuardianTimeout:   envDuration("QUDATA_GUARDIAN_TIMEOUT", 5*time.Second),
		RespawnDelay:      envDuration("QUDATA_RESPAWN_DELAY", 3*time.Second),
		ControllerURL:     envStr("QUDATA_CONTROLLER_URL", ""),
		StatsInterval:     envDuration("QUDATA_STATS_INTERVAL", 15*time.Second),
		ControllerMaxAge:  envDuration("QUDATA_CONTROLLER_MAX_AGE", 60*time.Second),
		BanFlagPath:       envStr("QUDATA_BAN_FLAG_PATH", "/var/lib/qudata/.ban-flag"),
	}
	c.schedule = envStr("QUDATA_MAINTENANCE_WINDOW", "")

	if path := os.Getenv("QUDATA_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	return c, nil
}

// applyFile overlays YAML file values onto fields the environment left at
// their zero/default value. Environment variables that were explicitly set
// are never overwritten by the file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f fileOverlay
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	if os.Getenv("QUDATA_DOCKER_SOCK") == "" && f.DockerSock != "" {
		c.DockerSock = f.DockerSock
	}
	if os.Getenv("QUDATA_LUKS_BASE_DIR") == "" && f.LUKSBaseDir != "" {
		c.LUKSBaseDir = f.LUKSBaseDir
	}
	if os.Getenv("QUDATA_LISTEN_ADDR") == "" && f.ListenAddr != "" {
		c.ListenAddr = f.ListenAddr
	}
	if os.Getenv("QUDATA_AUTH_SOCKET") == "" && f.AuthSocketPath != "" {
		c.AuthSocketPath = f.AuthSocketPath
	}
	if os.Getenv("QUDATA_CONTROLLER_URL") == "" && f.ControllerURL != "" {
		c.ControllerURL = f.ControllerURL
	}
	if os.Getenv("QUDATA_MAINTENANCE_WINDOW") == "" && f.MaintenanceWindow != "" {
		c.mu.Lock()
		c.schedule = f.MaintenanceWindow
		c.mu.Unlock()
	}
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("QUDATA_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.GuardianTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("QUDATA_GUARDIAN_TIMEOUT must be greater than QUDATA_HEARTBEAT_INTERVAL"))
	}
	if c.StatsInterval <= 0 {
		errs = append(errs, fmt.Errorf("QUDATA_STATS_INTERVAL must be > 0, got %s", c.StatsInterval))
	}
	if sched := c.Schedule(); sched != "" {
		if _, err := cron.ParseStandard(sched); err != nil {
			errs = append(errs, fmt.Errorf("QUDATA_MAINTENANCE_WINDOW invalid cron expression %q: %w", sched, err))
		}
	}
	return errors.Join(errs...)
}

// Schedule returns the current maintenance-window cron expression, if any.
func (c *Config) Schedule() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schedule
}

// SetSchedule updates the maintenance-window expression at runtime.
func (c *Config) SetSchedule(s string) {
	c.mu.Lock()
	c.schedule = s
	c.mu.Unlock()
}

// Values returns all configuration as a string map for display/debugging.
func (c *Config) Values() map[string]string {
	return map[string]string{
		"QUDATA_DOCKER_SOCK":            c.DockerSock,
		"QUDATA_DOCKER_TLS_CACERT":      c.DockerTLSCACert,
		"QUDATA_DOCKER_TLS_CLIENT_CERT": c.DockerTLSClientCert,
		"QUDATA_CONTAINER_RUNTIME":      c.ContainerRuntime,
		"QUDATA_DB_PATH":            c.DBPath,
		"QUDATA_LUKS_BASE_DIR":      c.LUKSBaseDir,
		"QUDATA_LOG_JSON":           fmt.Sprintf("%t", c.LogJSON),
		"QUDATA_LISTEN_ADDR":        c.ListenAddr,
		"QUDATA_METRICS":            fmt.Sprintf("%t", c.MetricsEnabled),
		"QUDATA_AUTH_SOCKET":        c.AuthSocketPath,
		"QUDATA_HEARTBEAT_INTERVAL": c.HeartbeatInterval.String(),
		"QUDATA_GUARDIAN_TIMEOUT":   c.GuardianTimeout.String(),
		"QUDATA_RESPAWN_DELAY":      c.RespawnDelay.String(),
		"QUDATA_CONTROLLER_URL":     c.ControllerURL,
		"QUDATA_STATS_INTERVAL":     c.StatsInterval.String(),
		"QUDATA_MAINTENANCE_WINDOW": c.Schedule(),
		"QUDATA_BAN_FLAG_PATH":      c.BanFlagPath,
	}
}

func defaultSecretPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/root/.local/share/keyrings/qudata-agent.keyring"
	}
	return home + "/.local/share/keyrings/qudata-agent.keyring"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
