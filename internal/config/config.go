// Package config loads the optional YAML configuration file. Every
// field has a usable default so running without a file is fine; flags
// override whatever the file sets.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	USB      USBConfig      `yaml:"usb"`
	Probe    ProbeConfig    `yaml:"probe"`
	Motors   []MotorConfig  `yaml:"motors"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type USBConfig struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
	// Backends lists transports to initialize, in priority order.
	// Recognized values: libusb, hidapi.
	Backends []string `yaml:"backends"`
}

type ProbeConfig struct {
	ScanIntervalMs int `yaml:"scan_interval_ms"`
	BackoffMs      int `yaml:"backoff_ms"`
	// MaxAttempts caps identity probing per path; 0 retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

type MotorConfig struct {
	Serial string `yaml:"serial"`
	// Polling is the interrupt transfer concurrency; -1 disables the
	// read pump, 0 takes the session default.
	Polling int `yaml:"polling"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

type LogConfig struct {
	// Path is the rotating logfile used when the -l flag is absent.
	// Empty keeps logging on stderr.
	Path string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 21425
	}
	if len(cfg.USB.Backends) == 0 {
		cfg.USB.Backends = []string{"libusb"}
	}
	if cfg.Probe.ScanIntervalMs <= 0 {
		cfg.Probe.ScanIntervalMs = 500
	}
	if cfg.Probe.BackoffMs <= 0 {
		cfg.Probe.BackoffMs = 500
	}
	if cfg.Recorder.DBPath == "" {
		cfg.Recorder.DBPath = "telemetry.db"
	}
}

func validate(cfg *Config) error {
	for _, b := range cfg.USB.Backends {
		switch b {
		case "libusb", "hidapi":
		default:
			return fmt.Errorf("unknown usb backend %q", b)
		}
	}
	seen := make(map[string]bool)
	for i, m := range cfg.Motors {
		if m.Serial == "" {
			return fmt.Errorf("motors[%d]: serial is required", i)
		}
		if seen[m.Serial] {
			return fmt.Errorf("motors[%d]: duplicate serial %q", i, m.Serial)
		}
		seen[m.Serial] = true
		if m.Polling < -1 {
			return fmt.Errorf("motors[%d]: polling must be >= -1", i)
		}
	}
	if cfg.Probe.MaxAttempts < 0 {
		return fmt.Errorf("probe.max_attempts must be >= 0")
	}
	return nil
}
