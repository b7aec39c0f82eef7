package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.ControlPlane.URL = "https://range.example.net"
	cfg.Agent.Role = "listener"
	cfg.Devices = []DeviceConfig{
		{ID: "rtlsdr-0", Model: "RTL-SDR v3", MinHz: 24_000_000, MaxHz: 1_766_000_000},
	}
	cfg.Commands.Record = "rf-capture --freq {frequency_hz} --out {output}"
	return cfg
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidateMissingURL(t *testing.T) {
	cfg := validConfig()
	cfg.ControlPlane.URL = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for missing control plane URL")
	}
}

func TestValidateBadRole(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Role = "observer"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestValidateNoDevices(t *testing.T) {
	cfg := validConfig()
	cfg.Devices = nil
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty device list")
	}
}

func TestValidateDeviceSpan(t *testing.T) {
	cfg := validConfig()
	cfg.Devices[0].MaxHz = cfg.Devices[0].MinHz - 1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for inverted frequency span")
	}
}

func TestValidateRoleCommands(t *testing.T) {
	cfg := validConfig()
	cfg.Agent.Role = "runner"
	if err := cfg.Validate(); err == nil {
		t.Error("runner without transmit command should be rejected")
	}

	cfg.Commands.Transmit = "tx --freq {frequency_hz} --data {payload}"
	if err := cfg.Validate(); err != nil {
		t.Errorf("runner with transmit command rejected: %v", err)
	}

	cfg = validConfig()
	cfg.Commands.Record = ""
	if err := cfg.Validate(); err == nil {
		t.Error("listener without record command should be rejected")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	data := `
control_plane:
  url: https://range.example.net
  enrollment_token: tok-abc

agent:
  role: runner
  state_file: /var/lib/rfrange/state.json

devices:
  - id: hackrf-0
    model: HackRF One
    min_hz: 1000000
    max_hz: 6000000000

commands:
  transmit: tx --freq {frequency_hz} --device {device_id} --data {payload}
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.ControlPlane.URL != "https://range.example.net" {
		t.Errorf("url: %s", cfg.ControlPlane.URL)
	}
	if cfg.Agent.Role != "runner" {
		t.Errorf("role: %s", cfg.Agent.Role)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].MaxHz != 6_000_000_000 {
		t.Errorf("devices: %+v", cfg.Devices)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("RFRANGE_CONTROL_PLANE_URL", "https://override.example.net")
	t.Setenv("RFRANGE_API_KEY", "rfrange_testkey")
	t.Setenv("RFRANGE_AGENT_ROLE", "runner")

	cfg := validConfig()
	cfg.ApplyEnvOverrides()

	if cfg.ControlPlane.URL != "https://override.example.net" {
		t.Errorf("url: %s", cfg.ControlPlane.URL)
	}
	if cfg.ControlPlane.APIKey != "rfrange_testkey" {
		t.Errorf("api key: %s", cfg.ControlPlane.APIKey)
	}
	if cfg.Agent.Role != "runner" {
		t.Errorf("role: %s", cfg.Agent.Role)
	}
}
