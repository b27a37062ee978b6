// Package config provides the settings consumed by the pool components and a
// one-shot credential source consulted at tool-server startup. Settings load
// from an optional YAML file with environment variable overrides; every field
// has a safe default so the zero configuration path works for local use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds all tunables for the registry, workers, tool-server pool and
// autoscaler.
type Settings struct {
	// Runtime launch configuration.
	RuntimeCommand string   `yaml:"runtime_command"` // Binary wrapping the conversational runtime
	RuntimeArgs    []string `yaml:"runtime_args"`
	WorkRoot       string   `yaml:"work_root"` // Parent directory for per-worker working dirs

	// Registry limits.
	MaxWorkers int `yaml:"max_workers"`
	MinWorkers int `yaml:"min_workers"`

	// Worker lifecycle timing.
	StartTimeout        time.Duration `yaml:"start_timeout"`         // First health probe deadline
	StopGrace           time.Duration `yaml:"stop_grace"`            // Graceful signal before forced kill
	HealthInterval      time.Duration `yaml:"health_interval"`       // Health probe cadence
	IdleInterval        time.Duration `yaml:"idle_interval"`         // Idle monitor cadence
	IdleTimeout         time.Duration `yaml:"idle_timeout"`          // Inactivity before process release
	RecoveryBackoffBase time.Duration `yaml:"recovery_backoff_base"` // Exponential backoff base
	MaxRecoveries       int           `yaml:"max_recoveries"`        // Attempts before terminal error

	// Autoscaler tuning.
	ScaleInterval      time.Duration `yaml:"scale_interval"`
	ScaleCooldown      time.Duration `yaml:"scale_cooldown"`
	DemandWindow       time.Duration `yaml:"demand_window"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`

	// Tool-server pool.
	ServerIdleWindow time.Duration     `yaml:"server_idle_window"` // Zero-attachment window before teardown
	ReaperInterval   time.Duration     `yaml:"reaper_interval"`
	Credentials      map[string]string `yaml:"credentials"` // Name -> value, merged over the environment
}

// Default returns the default configuration.
func Default() *Settings {
	return &Settings{
		RuntimeCommand:      "claude",
		WorkRoot:            filepath.Join(os.TempDir(), "agentpool"),
		MaxWorkers:          100,
		MinWorkers:          1,
		StartTimeout:        30 * time.Second,
		StopGrace:           5 * time.Second,
		HealthInterval:      30 * time.Second,
		IdleInterval:        60 * time.Second,
		IdleTimeout:         300 * time.Second,
		RecoveryBackoffBase: 2 * time.Second,
		MaxRecoveries:       3,
		ScaleInterval:       30 * time.Second,
		ScaleCooldown:       60 * time.Second,
		DemandWindow:        5 * time.Minute,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		ServerIdleWindow:    300 * time.Second,
		ReaperInterval:      60 * time.Second,
		Credentials:         map[string]string{},
	}
}

// Load reads settings from a YAML file, applies defaults for unset fields and
// then environment variable overrides. An empty path returns defaults with
// environment overrides only.
func Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		s.applyDefaults()
	}

	s.ApplyEnvOverrides()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyDefaults restores defaults for fields the YAML file zeroed out.
func (s *Settings) applyDefaults() {
	d := Default()
	if s.RuntimeCommand == "" {
		s.RuntimeCommand = d.RuntimeCommand
	}
	if s.WorkRoot == "" {
		s.WorkRoot = d.WorkRoot
	}
	if s.MaxWorkers == 0 {
		s.MaxWorkers = d.MaxWorkers
	}
	if s.StartTimeout == 0 {
		s.StartTimeout = d.StartTimeout
	}
	if s.StopGrace == 0 {
		s.StopGrace = d.StopGrace
	}
	if s.HealthInterval == 0 {
		s.HealthInterval = d.HealthInterval
	}
	if s.IdleInterval == 0 {
		s.IdleInterval = d.IdleInterval
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = d.IdleTimeout
	}
	if s.RecoveryBackoffBase == 0 {
		s.RecoveryBackoffBase = d.RecoveryBackoffBase
	}
	if s.MaxRecoveries == 0 {
		s.MaxRecoveries = d.MaxRecoveries
	}
	if s.ScaleInterval == 0 {
		s.ScaleInterval = d.ScaleInterval
	}
	if s.ScaleCooldown == 0 {
		s.ScaleCooldown = d.ScaleCooldown
	}
	if s.DemandWindow == 0 {
		s.DemandWindow = d.DemandWindow
	}
	if s.ScaleUpThreshold == 0 {
		s.ScaleUpThreshold = d.ScaleUpThreshold
	}
	if s.ScaleDownThreshold == 0 {
		s.ScaleDownThreshold = d.ScaleDownThreshold
	}
	if s.ServerIdleWindow == 0 {
		s.ServerIdleWindow = d.ServerIdleWindow
	}
	if s.ReaperInterval == 0 {
		s.ReaperInterval = d.ReaperInterval
	}
	if s.Credentials == nil {
		s.Credentials = map[string]string{}
	}
}

// ApplyEnvOverrides applies environment variable overrides to the settings.
func (s *Settings) ApplyEnvOverrides() {
	if v := os.Getenv("AGENTPOOL_RUNTIME"); v != "" {
		s.RuntimeCommand = v
	}
	if v := os.Getenv("AGENTPOOL_WORK_ROOT"); v != "" {
		s.WorkRoot = v
	}
	if v := os.Getenv("AGENTPOOL_MAX_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			s.MaxWorkers = n
		}
	}
	if v := os.Getenv("AGENTPOOL_MIN_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n >= 0 {
			s.MinWorkers = n
		}
	}
}

// Validate checks cross-field invariants.
func (s *Settings) Validate() error {
	if s.MaxWorkers <= 0 {
		return fmt.Errorf("max_workers must be positive, got %d", s.MaxWorkers)
	}
	if s.MinWorkers < 0 || s.MinWorkers > s.MaxWorkers {
		return fmt.Errorf("min_workers %d out of range [0, %d]", s.MinWorkers, s.MaxWorkers)
	}
	if s.ScaleUpThreshold <= s.ScaleDownThreshold {
		return fmt.Errorf("scale_up_threshold %.2f must exceed scale_down_threshold %.2f",
			s.ScaleUpThreshold, s.ScaleDownThreshold)
	}
	return nil
}

// Credential resolves a named credential, preferring the explicit credential
// map and falling back to the process environment. It is consulted once at
// tool-server pool startup; missing optional credentials are non-fatal.
func (s *Settings) Credential(name string) string {
	if v, ok := s.Credentials[name]; ok && v != "" {
		return v
	}
	return os.Getenv(name)
}
