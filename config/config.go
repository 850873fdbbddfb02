package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	coremetrics "github.com/voltgrid/csms/core/metrics"
	"github.com/voltgrid/csms/infra/api"
	"github.com/voltgrid/csms/infra/mqtt"
	"github.com/voltgrid/csms/infra/postgres"
	"github.com/voltgrid/csms/infra/ws"
)

// OCPPConfig tunes the message state machine.
type OCPPConfig struct {
	// CallTimeoutSeconds bounds outbound request/response round trips.
	CallTimeoutSeconds int `json:"call_timeout_seconds"`
	// SnapshotIntervalSeconds is the period for connector snapshot writes.
	SnapshotIntervalSeconds int `json:"snapshot_interval_seconds"`
}

// SetDefaults fills missing values.
func (c *OCPPConfig) SetDefaults() {
	if c.CallTimeoutSeconds <= 0 {
		c.CallTimeoutSeconds = 30
	}
	if c.SnapshotIntervalSeconds <= 0 {
		c.SnapshotIntervalSeconds = 60
	}
}

// Config is the full service configuration.
type Config struct {
	MQTT     mqtt.Config        `json:"mqtt"`
	WS       ws.Config          `json:"ws"`
	API      api.Config         `json:"api"`
	OCPP     OCPPConfig         `json:"ocpp"`
	Metrics  coremetrics.Config `json:"metrics"`
	Postgres postgres.Config    `json:"postgres"`
	Logging  LoggingConfig      `json:"logging"`
}

// Load reads the configuration file (yaml or json by extension) and applies
// CSMS_* environment overrides, with "__" separating nesting levels.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("CSMS_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "csms_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.WS.SetDefaults()
	cfg.API.SetDefaults()
	cfg.OCPP.SetDefaults()
	cfg.Logging.SetDefaults()
	if err := cfg.Logging.Validate(); err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	return &cfg, nil
}
