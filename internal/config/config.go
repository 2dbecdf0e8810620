package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries everything the communication layer needs at startup.
// Defaults come first, then an optional TOML file, then environment
// variables.
type Config struct {
	// ServerURL is the base URL of the remote service's Socket.IO endpoint.
	ServerURL string
	// TetherHome is the directory where tether stores local state
	// (session snapshots, the snapshot secret key, the access token).
	TetherHome string
	// AccessKeyPath is the path to the access token file.
	AccessKeyPath string
	// SnapshotKeyPath is the path to the snapshot encryption key file.
	SnapshotKeyPath string
	// BridgeCommand is the host-process command line the bridge attaches to.
	BridgeCommand []string

	// Debug enables verbose logging.
	Debug bool

	// HeartbeatInterval is the period between heartbeats while connected.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout bounds one heartbeat round-trip.
	HeartbeatTimeout time.Duration
	// ReconnectInitialDelay seeds the reconnect backoff curve.
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the reconnect backoff curve.
	ReconnectMaxDelay time.Duration
	// ReconnectMaxAttempts bounds reconnection before giving up (ERROR state).
	ReconnectMaxAttempts int

	// InvokeTimeout is the default per-attempt deadline for Invoke calls.
	InvokeTimeout time.Duration
	// InvokeRetries is the default number of additional attempts after the
	// first for Invoke calls.
	InvokeRetries int
	// QueueCapacity bounds the offline message queue.
	QueueCapacity int
	// MaxPayloadBytes rejects oversized request payloads without retry.
	MaxPayloadBytes int
}

// fileConfig is the TOML file shape. Durations are strings accepted by
// time.ParseDuration.
type fileConfig struct {
	ServerURL             string   `toml:"server_url"`
	BridgeCommand         []string `toml:"bridge_command"`
	HeartbeatInterval     string   `toml:"heartbeat_interval"`
	HeartbeatTimeout      string   `toml:"heartbeat_timeout"`
	ReconnectInitialDelay string   `toml:"reconnect_initial_delay"`
	ReconnectMaxDelay     string   `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts  int      `toml:"reconnect_max_attempts"`
	InvokeTimeout         string   `toml:"invoke_timeout"`
	InvokeRetries         int      `toml:"invoke_retries"`
	QueueCapacity         int      `toml:"queue_capacity"`
	MaxPayloadBytes       int      `toml:"max_payload_bytes"`
}

// Load builds the Config from defaults, the optional TOML file named by
// TETHER_CONFIG (or $TETHER_HOME/config.toml when present), and env
// overrides.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	tetherHome := os.Getenv("TETHER_HOME_DIR")
	if tetherHome == "" {
		tetherHome = filepath.Join(homeDir, ".tether")
	}
	if err := os.MkdirAll(tetherHome, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create tether home: %w", err)
	}

	cfg := &Config{
		ServerURL:             "https://api.tether.invalid",
		TetherHome:            tetherHome,
		AccessKeyPath:         filepath.Join(tetherHome, "access.key"),
		SnapshotKeyPath:       filepath.Join(tetherHome, "snapshot.key"),
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMaxAttempts:  10,
		InvokeTimeout:         10 * time.Second,
		InvokeRetries:         2,
		QueueCapacity:         100,
		MaxPayloadBytes:       1 << 20,
	}

	path := os.Getenv("TETHER_CONFIG")
	if path == "" {
		candidate := filepath.Join(tetherHome, "config.toml")
		if _, statErr := os.Stat(candidate); statErr == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("TETHER_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	cfg.Debug = isTruthy(os.Getenv("TETHER_DEBUG")) || isTruthy(os.Getenv("DEBUG"))

	return cfg, nil
}

// applyFile overlays settings from a TOML file onto cfg. Only keys present in
// the file are applied.
func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("server_url") && strings.TrimSpace(raw.ServerURL) != "" {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if meta.IsDefined("bridge_command") {
		cfg.BridgeCommand = raw.BridgeCommand
	}
	if meta.IsDefined("reconnect_max_attempts") && raw.ReconnectMaxAttempts > 0 {
		cfg.ReconnectMaxAttempts = raw.ReconnectMaxAttempts
	}
	if meta.IsDefined("invoke_retries") && raw.InvokeRetries >= 0 {
		cfg.InvokeRetries = raw.InvokeRetries
	}
	if meta.IsDefined("queue_capacity") && raw.QueueCapacity > 0 {
		cfg.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("max_payload_bytes") && raw.MaxPayloadBytes > 0 {
		cfg.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"heartbeat_timeout", raw.HeartbeatTimeout, &cfg.HeartbeatTimeout},
		{"reconnect_initial_delay", raw.ReconnectInitialDelay, &cfg.ReconnectInitialDelay},
		{"reconnect_max_delay", raw.ReconnectMaxDelay, &cfg.ReconnectMaxDelay},
		{"invoke_timeout", raw.InvokeTimeout, &cfg.InvokeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	return nil
}

func isTruthy(raw string) bool {
	return raw == "1" || strings.EqualFold(raw, "true")
}
