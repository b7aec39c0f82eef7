// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (RFRANGE_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	control_plane:
//	  url: https://range.fieldsignal.net
//	  enrollment_token: <one-time token>
//	  api_key: <key issued with the token>
//
//	agent:
//	  role: listener
//	  state_file: /var/lib/rfrange-agent/state.json
//	  data_dir: /var/lib/rfrange-agent
//
//	devices:
//	  - id: rtlsdr-0
//	    model: RTL-SDR v3
//	    min_hz: 24000000
//	    max_hz: 1766000000
//
//	commands:
//	  record: rf-capture --freq {frequency_hz} --seconds {duration_seconds} --out {output}
//
//	health:
//	  heartbeat_interval: 30s
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Agent        AgentConfig        `yaml:"agent"`
	Devices      []DeviceConfig     `yaml:"devices"`
	Commands     CommandsConfig     `yaml:"commands"`
	Health       HealthConfig       `yaml:"health"`
}

// ControlPlaneConfig defines how to connect to the control plane.
type ControlPlaneConfig struct {
	URL string `yaml:"url"`

	// EnrollmentToken is redeemed once on first start; afterwards the
	// persisted identity in the state file authenticates the agent.
	EnrollmentToken string `yaml:"enrollment_token,omitempty"`

	// APIKey is issued together with the enrollment token. It is copied
	// into the state file at enrollment and may be removed from the
	// config afterwards.
	APIKey string `yaml:"api_key,omitempty"`

	// TLS settings
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// AgentConfig defines agent identity and local storage.
type AgentConfig struct {
	// Role is "runner" or "listener".
	Role string `yaml:"role"`

	// StateFile persists the identity granted at enrollment (agent ID and
	// API key) across restarts.
	StateFile string `yaml:"state_file"`

	// DataDir holds captured spectrograms before upload.
	DataDir string `yaml:"data_dir"`
}

// DeviceConfig describes one attached SDR device.
type DeviceConfig struct {
	ID    string `yaml:"id"`
	Model string `yaml:"model"`
	MinHz int64  `yaml:"min_hz"`
	MaxHz int64  `yaml:"max_hz"`
}

// CommandsConfig holds the shell command templates the agent runs against
// its SDR hardware. Placeholders in braces are substituted per task:
// {frequency_hz}, {device_id}, {duration_seconds}, {modulation},
// {payload}, {output}.
type CommandsConfig struct {
	// Transmit keys up the radio (runner role).
	Transmit string `yaml:"transmit,omitempty"`

	// Record captures a spectrogram image (listener role).
	Record string `yaml:"record,omitempty"`
}

// HealthConfig defines health reporting behavior.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ControlPlane: ControlPlaneConfig{
			RequestTimeout: 30 * time.Second,
		},
		Agent: AgentConfig{
			StateFile: "./state.json",
			DataDir:   "./data",
		},
		Health: HealthConfig{
			HeartbeatInterval: 30 * time.Second,
			PollInterval:      5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("control_plane.url is required")
	}
	if c.Agent.Role != "runner" && c.Agent.Role != "listener" {
		return fmt.Errorf("agent.role must be runner or listener, got %q", c.Agent.Role)
	}
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device id is required")
		}
		if d.MinHz <= 0 || d.MinHz > d.MaxHz {
			return fmt.Errorf("device %s: invalid frequency span [%d, %d]", d.ID, d.MinHz, d.MaxHz)
		}
	}
	if c.Agent.Role == "runner" && c.Commands.Transmit == "" {
		return fmt.Errorf("commands.transmit is required for runners")
	}
	if c.Agent.Role == "listener" && c.Commands.Record == "" {
		return fmt.Errorf("commands.record is required for listeners")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the RFRANGE_ prefix:
// - RFRANGE_CONTROL_PLANE_URL
// - RFRANGE_ENROLLMENT_TOKEN
// - RFRANGE_API_KEY
// - RFRANGE_AGENT_ROLE
// - RFRANGE_STATE_FILE
// - RFRANGE_DATA_DIR
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("RFRANGE_CONTROL_PLANE_URL"); v != "" {
		c.ControlPlane.URL = v
	}
	if v := os.Getenv("RFRANGE_ENROLLMENT_TOKEN"); v != "" {
		c.ControlPlane.EnrollmentToken = v
	}
	if v := os.Getenv("RFRANGE_API_KEY"); v != "" {
		c.ControlPlane.APIKey = v
	}
	if v := os.Getenv("RFRANGE_AGENT_ROLE"); v != "" {
		c.Agent.Role = v
	}
	if v := os.Getenv("RFRANGE_STATE_FILE"); v != "" {
		c.Agent.StateFile = v
	}
	if v := os.Getenv("RFRANGE_DATA_DIR"); v != "" {
		c.Agent.DataDir = v
	}
}
