package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ghalamif/adaptivesense/internal/domain"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  policy:
    alm-threshold: 0.2
sources:
  opcua:
    endpoint: opc.tcp://localhost:4840
    nodes:
      - node_id: "ns=2;s=Accel"
        kind: acceleration
        value_keys: [x, y, z]
recorder:
  driver: sqlite
  dsn: ./data/sessions.db
`)

	cfg, err := LoadWithEnv(path, noEnv)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Agent.Type != "acceleration" {
		t.Fatalf("expected default agent acceleration, got %s", cfg.Agent.Type)
	}
	if cfg.Agent.Policy["alm-threshold"] != 0.2 {
		t.Fatalf("inline policy not decoded: %v", cfg.Agent.Policy)
	}
	if cfg.Pipeline.IdleSleep != 50*time.Millisecond || cfg.Pipeline.OnQueueFull != "drop" {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Recorder.Table != "control_sessions" {
		t.Fatalf("expected default table, got %s", cfg.Recorder.Table)
	}
	if cfg.Admin.Addr != ":9100" || cfg.Journal.Dir != "./data/journal" {
		t.Fatalf("unexpected defaults: admin=%s journal=%s", cfg.Admin.Addr, cfg.Journal.Dir)
	}
	if cfg.Sources.OPCUA.Nodes[0].Kind != domain.KindAcceleration || cfg.Sources.OPCUA.Name != "opcua" {
		t.Fatalf("opcua defaults not applied: %+v", cfg.Sources.OPCUA)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
sources:
  simulator: {}
admin:
  addr: ":8080"
recorder:
  driver: postgres
  dsn: postgres://file
`)
	env := map[string]string{
		EnvAdminAddr:   "127.0.0.1:9999",
		EnvRecorderDSN: "postgres://env",
		EnvPolicyFile:  "/etc/sense/policy.yaml",
		EnvJournalDir:  "/var/lib/sense",
	}
	cfg, err := LoadWithEnv(path, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Admin.Addr != "127.0.0.1:9999" || cfg.Recorder.DSN != "postgres://env" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Admin, cfg.Recorder)
	}
	if cfg.Agent.PolicyFile != "/etc/sense/policy.yaml" || cfg.Journal.Dir != "/var/lib/sense" {
		t.Fatalf("env overrides not applied: %+v %+v", cfg.Agent, cfg.Journal)
	}
	if cfg.Sources.Simulator.Rate != 5 {
		t.Fatalf("simulator defaults not applied: %+v", cfg.Sources.Simulator)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no sources":       `agent: {type: acceleration}`,
		"bad driver":       "sources: {simulator: {}}\nrecorder: {driver: mysql, dsn: x}",
		"missing dsn":      "sources: {simulator: {}}\nrecorder: {driver: postgres}",
		"threshold kind":   "sources: {simulator: {}}\nagent: {type: threshold}",
		"queue policy":     "sources: {simulator: {}}\npipeline: {on_queue_full: spill}",
		"opcua no nodes":   "sources: {opcua: {endpoint: opc.tcp://x}}",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadWithEnv(writeConfig(t, data), noEnv); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvSkipsMissingAndKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SENSE_TEST_DOTENV=from-file\nSENSE_TEST_PRESET=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("SENSE_TEST_PRESET", "from-env")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SENSE_TEST_DOTENV") })

	if got := os.Getenv("SENSE_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("dotenv value not loaded: %q", got)
	}
	if got := os.Getenv("SENSE_TEST_PRESET"); !strings.EqualFold(got, "from-env") {
		t.Fatalf("existing variable overridden: %q", got)
	}
}
