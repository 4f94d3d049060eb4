// Package config loads and validates the Poseidon configuration file and
// applies environment-variable overrides on top of it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Poseidon configuration — single YAML file, environment overrides
// =============================================================================

// Config holds every recognised configuration key for the Poseidon core.
type Config struct {
	Fiber     FiberConfig     `yaml:"fiber"`
	Network   NetworkConfig   `yaml:"network"`
	TaskPool  TaskPoolConfig  `yaml:"taskpool"`
	Process   ProcessConfig   `yaml:"process"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// FiberConfig holds spec.md §6 fiber.* keys.
type FiberConfig struct {
	StackVMSize int64 `yaml:"stack_vm_size"` // bytes, 0 = OS stack limit
	WarnTimeout int   `yaml:"warn_timeout"`  // seconds, [0, 86400]
	FailTimeout int   `yaml:"fail_timeout"`  // seconds, [0, 86400]
}

// NetworkConfig holds spec.md §6 network.* keys.
type NetworkConfig struct {
	EventBufferSize int        `yaml:"event_buffer_size"`
	ThrottleSize    int        `yaml:"throttle_size"`
	AcceptRatePerSec float64   `yaml:"accept_rate_per_sec"`
	HTTP            HTTPConfig `yaml:"http"`
	SSL             SSLConfig  `yaml:"ssl"`
}

type HTTPConfig struct {
	MaxWebSocketMessageLength int64 `yaml:"max_websocket_message_length"`
}

type SSLConfig struct {
	ServerCertificate string `yaml:"server_certificate"`
	ServerPrivateKey  string `yaml:"server_private_key"`
	TrustedCAPath     string `yaml:"trusted_ca_path"`
}

// TaskPoolConfig is an ambient addition (§10.2.1).
type TaskPoolConfig struct {
	Workers int `yaml:"workers"`
}

// ProcessConfig is an ambient addition (§10.2.1, §6 "process state").
type ProcessConfig struct {
	PIDFile          string `yaml:"pid_file"`
	AppointmentFile  string `yaml:"appointment_file"`
}

// LogConfig is an ambient addition (§10.1).
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"`
}

// MetricsConfig is an ambient addition (§11).
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

const (
	minStackVMSize = 64 * 1024
	maxStackVMSize = 2*1024*1024*1024 - 1
	stackVMAlign   = 64 * 1024
	maxTimeoutSec  = 86400
)

// Validate checks the invariants spelled out in spec.md §6.
func (c *Config) Validate() error {
	if c.Fiber.StackVMSize != 0 {
		if c.Fiber.StackVMSize < minStackVMSize || c.Fiber.StackVMSize > maxStackVMSize {
			return fmt.Errorf("fiber.stack_vm_size %d out of range [%d, %d)", c.Fiber.StackVMSize, minStackVMSize, maxStackVMSize)
		}
		if c.Fiber.StackVMSize%stackVMAlign != 0 {
			return fmt.Errorf("fiber.stack_vm_size %d is not 64KiB-aligned", c.Fiber.StackVMSize)
		}
	}
	if c.Fiber.WarnTimeout < 0 || c.Fiber.WarnTimeout > maxTimeoutSec {
		return fmt.Errorf("fiber.warn_timeout %d out of range [0, %d]", c.Fiber.WarnTimeout, maxTimeoutSec)
	}
	if c.Fiber.FailTimeout < 0 || c.Fiber.FailTimeout > maxTimeoutSec {
		return fmt.Errorf("fiber.fail_timeout %d out of range [0, %d]", c.Fiber.FailTimeout, maxTimeoutSec)
	}
	return nil
}

func applyDefaults(c *Config) {
	if c.Fiber.WarnTimeout == 0 {
		c.Fiber.WarnTimeout = 15
	}
	if c.Fiber.FailTimeout == 0 {
		c.Fiber.FailTimeout = 300
	}
	if c.Network.EventBufferSize == 0 {
		c.Network.EventBufferSize = 256
	}
	if c.Network.ThrottleSize == 0 {
		c.Network.ThrottleSize = 1 << 20
	}
	if c.Network.AcceptRatePerSec == 0 {
		c.Network.AcceptRatePerSec = 1000
	}
	if c.Network.HTTP.MaxWebSocketMessageLength == 0 {
		c.Network.HTTP.MaxWebSocketMessageLength = 16 << 20
	}
	if c.TaskPool.Workers == 0 {
		c.TaskPool.Workers = 5
	}
	if c.Process.PIDFile == "" {
		c.Process.PIDFile = "poseidond.pid"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.BufferSize == 0 {
		c.Log.BufferSize = 4096
	}
}

// LoadConfig reads and decodes a YAML config file, applies environment
// overrides, then defaults, then validates.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
			slog.Warn("config file not found, using defaults and env overrides", "path", path)
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides mirrors the env-override idiom used throughout the
// original backend's config.go (getEnv/getEnvInt/getEnvFloat/getEnvBool),
// generalised to Poseidon's own key names.
func applyEnvOverrides(c *Config) {
	c.Fiber.StackVMSize = getEnvInt64("POSEIDON_FIBER_STACK_VM_SIZE", c.Fiber.StackVMSize)
	c.Fiber.WarnTimeout = getEnvInt("POSEIDON_FIBER_WARN_TIMEOUT", c.Fiber.WarnTimeout)
	c.Fiber.FailTimeout = getEnvInt("POSEIDON_FIBER_FAIL_TIMEOUT", c.Fiber.FailTimeout)

	c.Network.EventBufferSize = getEnvInt("POSEIDON_NETWORK_EVENT_BUFFER_SIZE", c.Network.EventBufferSize)
	c.Network.ThrottleSize = getEnvInt("POSEIDON_NETWORK_THROTTLE_SIZE", c.Network.ThrottleSize)
	c.Network.AcceptRatePerSec = getEnvFloat("POSEIDON_NETWORK_ACCEPT_RATE_PER_SEC", c.Network.AcceptRatePerSec)
	c.Network.HTTP.MaxWebSocketMessageLength = getEnvInt64("POSEIDON_NETWORK_MAX_WS_MESSAGE_LENGTH", c.Network.HTTP.MaxWebSocketMessageLength)
	c.Network.SSL.ServerCertificate = getEnv("POSEIDON_SSL_SERVER_CERTIFICATE", c.Network.SSL.ServerCertificate)
	c.Network.SSL.ServerPrivateKey = getEnv("POSEIDON_SSL_SERVER_PRIVATE_KEY", c.Network.SSL.ServerPrivateKey)
	c.Network.SSL.TrustedCAPath = getEnv("POSEIDON_SSL_TRUSTED_CA_PATH", c.Network.SSL.TrustedCAPath)

	c.TaskPool.Workers = getEnvInt("POSEIDON_TASKPOOL_WORKERS", c.TaskPool.Workers)

	c.Process.PIDFile = getEnv("POSEIDON_PID_FILE", c.Process.PIDFile)
	c.Process.AppointmentFile = getEnv("POSEIDON_APPOINTMENT_FILE", c.Process.AppointmentFile)

	c.Log.Level = getEnv("POSEIDON_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("POSEIDON_LOG_FORMAT", c.Log.Format)
	c.Log.BufferSize = getEnvInt("POSEIDON_LOG_BUFFER_SIZE", c.Log.BufferSize)

	c.Metrics.ListenAddress = getEnv("POSEIDON_METRICS_LISTEN_ADDRESS", c.Metrics.ListenAddress)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid int env override, keeping fallback", "key", key, "value", v)
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid int64 env override, keeping fallback", "key", key, "value", v)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
		slog.Warn("invalid float env override, keeping fallback", "key", key, "value", v)
	}
	return fallback
}

