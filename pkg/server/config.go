package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of an optional server config file. Every
// field is optional; values from the file fill in only settings the command
// line left untouched.
type FileConfig struct {
	ControlAddr      string `yaml:"control_addr,omitempty"`
	MetricsAddr      string `yaml:"metrics_addr,omitempty"`
	DBPath           string `yaml:"db_path,omitempty"`
	HandoffWindowSec int    `yaml:"handoff_window_seconds,omitempty"`
	LogLevel         string `yaml:"log_level,omitempty"`
	LogFormat        string `yaml:"log_format,omitempty"`
}

// LoadFileConfig reads and parses a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &fc, nil
}

// Apply merges file values into cfg for fields still at their defaults.
// Flags always win over the file.
func (fc *FileConfig) Apply(cfg *Config, defaults Config) {
	if cfg.ControlAddr == defaults.ControlAddr && fc.ControlAddr != "" {
		cfg.ControlAddr = fc.ControlAddr
	}
	if cfg.MetricsAddr == defaults.MetricsAddr && fc.MetricsAddr != "" {
		cfg.MetricsAddr = fc.MetricsAddr
	}
	if cfg.DBPath == defaults.DBPath && fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if cfg.HandoffWindow == defaults.HandoffWindow && fc.HandoffWindowSec > 0 {
		cfg.HandoffWindow = time.Duration(fc.HandoffWindowSec) * time.Second
	}
}
