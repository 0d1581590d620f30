package adaptivesense

import (
	"github.com/ghalamif/adaptivesense/internal/adapters/opcua"
	"github.com/ghalamif/adaptivesense/internal/adapters/push"
	"github.com/ghalamif/adaptivesense/internal/adapters/simulator"
	"github.com/ghalamif/adaptivesense/internal/app/config"
	"github.com/ghalamif/adaptivesense/internal/ports"
)

// Config re-exports the runtime configuration so embedding programs can
// build or adjust it in code.
type Config = config.Config

type (
	AgentConfig     = config.AgentConfig
	ThresholdAgent  = config.ThresholdAgent
	SourcesConfig   = config.SourcesConfig
	JournalConfig   = config.JournalConfig
	RecorderConfig  = config.RecorderConfig
	AdminConfig     = config.AdminConfig
	DeviceConfig    = config.DeviceConfig
	Backpressure    = ports.Backpressure
	SimulatorConfig = simulator.Config
	SimulatorPhase  = simulator.Phase
	OPCUAConfig     = opcua.Config
	OPCUANodeConfig = opcua.NodeConfig
	PushConfig      = push.Config
)

// LoadConfig reads YAML from disk and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
