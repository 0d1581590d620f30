package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ghalamif/adaptivesense/internal/adapters/opcua"
	"github.com/ghalamif/adaptivesense/internal/adapters/push"
	"github.com/ghalamif/adaptivesense/internal/adapters/simulator"
	"github.com/ghalamif/adaptivesense/internal/domain"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Environment variables that override file values.
const (
	EnvAdminAddr   = "SENSE_ADMIN_ADDR"
	EnvRecorderDSN = "SENSE_RECORDER_DSN"
	EnvPolicyFile  = "SENSE_POLICY_FILE"
	EnvJournalDir  = "SENSE_JOURNAL_DIR"
)

type Config struct {
	Agent    AgentConfig        `yaml:"agent"`
	Sources  SourcesConfig      `yaml:"sources"`
	Pipeline ports.Backpressure `yaml:"pipeline"`
	Journal  JournalConfig      `yaml:"journal"`
	Recorder RecorderConfig     `yaml:"recorder"`
	Admin    AdminConfig        `yaml:"admin"`
	Device   DeviceConfig       `yaml:"device"`
}

type AgentConfig struct {
	// Type selects a registered agent: "acceleration" or "threshold".
	Type           string         `yaml:"type"`
	BufferCapacity int            `yaml:"buffer_capacity"`
	PolicyFile     string         `yaml:"policy_file"`
	Policy         map[string]any `yaml:"policy"`
	Threshold      ThresholdAgent `yaml:"threshold"`
}

type ThresholdAgent struct {
	Kind     domain.Kind `yaml:"kind"`
	ValueKey string      `yaml:"value_key"`
}

type SourcesConfig struct {
	Simulator *simulator.Config `yaml:"simulator"`
	OPCUA     *opcua.Config     `yaml:"opcua"`
	Push      *push.Config      `yaml:"push"`
}

type JournalConfig struct {
	Dir string `yaml:"dir"`
}

type RecorderConfig struct {
	// Driver is "postgres", "sqlite" or empty for no recorder.
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	Table         string        `yaml:"table"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type DeviceConfig struct {
	Interactive bool `yaml:"interactive"`
}

func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv reads path and applies overrides from lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvAdminAddr); ok && v != "" {
		c.Admin.Addr = v
	}
	if v, ok := lookup(EnvRecorderDSN); ok && v != "" {
		c.Recorder.DSN = v
	}
	if v, ok := lookup(EnvPolicyFile); ok && v != "" {
		c.Agent.PolicyFile = v
	}
	if v, ok := lookup(EnvJournalDir); ok && v != "" {
		c.Journal.Dir = v
	}
}

func (c *Config) applyDefaults() {
	if c.Agent.Type == "" {
		c.Agent.Type = "acceleration"
	}
	if c.Agent.Threshold.ValueKey == "" {
		c.Agent.Threshold.ValueKey = "value"
	}
	if c.Pipeline.MaxQueueLen == 0 {
		c.Pipeline.MaxQueueLen = 1_000
	}
	if c.Pipeline.MaxBatchSize == 0 {
		c.Pipeline.MaxBatchSize = 100
	}
	if c.Pipeline.IdleSleep == 0 {
		c.Pipeline.IdleSleep = 50 * time.Millisecond
	}
	if c.Pipeline.SourceBuffer == 0 {
		c.Pipeline.SourceBuffer = 256
	}
	if c.Pipeline.OnQueueFull == "" {
		c.Pipeline.OnQueueFull = "drop"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "./data/journal"
	}
	if c.Recorder.Driver != "" && c.Recorder.Table == "" {
		c.Recorder.Table = "control_sessions"
	}
	if c.Recorder.FlushInterval == 0 {
		c.Recorder.FlushInterval = time.Second
	}
	if c.Admin.Addr == "" {
		c.Admin.Addr = ":9100"
	}

	if c.Sources.Simulator != nil {
		c.Sources.Simulator.ApplyDefaults()
	}
	if c.Sources.OPCUA != nil {
		c.Sources.OPCUA.ApplyDefaults()
	}
}

func (c *Config) validate() error {
	if c.Sources.Simulator == nil && c.Sources.OPCUA == nil && c.Sources.Push == nil {
		return fmt.Errorf("at least one source must be configured")
	}
	if c.Sources.OPCUA != nil {
		if err := c.Sources.OPCUA.Validate(); err != nil {
			return fmt.Errorf("opcua config: %w", err)
		}
	}
	if c.Agent.Type == "threshold" && c.Agent.Threshold.Kind == "" {
		return fmt.Errorf("agent.threshold.kind is required for the threshold agent")
	}
	switch c.Recorder.Driver {
	case "":
	case "postgres", "sqlite":
		if c.Recorder.DSN == "" {
			return fmt.Errorf("recorder.dsn is required for driver %s", c.Recorder.Driver)
		}
	default:
		return fmt.Errorf("recorder.driver must be postgres, sqlite or empty, got %q", c.Recorder.Driver)
	}
	switch c.Pipeline.OnQueueFull {
	case "block", "drop":
	default:
		return fmt.Errorf("pipeline.on_queue_full must be block or drop, got %q", c.Pipeline.OnQueueFull)
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("journal.dir is required")
	}
	return nil
}
