package config

import (
	"strings"

	"github.com/spf13/viper"
)

// ServiceConfig holds process-wide operational settings that sit outside
// the per-flow Configuration record: admission caps, listen address, and
// the optional snapshot/error/alert sinks.
type ServiceConfig struct {
	ListenAddr        string `mapstructure:"listen_addr"`
	MaxConcurrentFlows int   `mapstructure:"max_concurrent_flows"`
	MaxWorkers        int    `mapstructure:"max_workers"`
	Environment       string `mapstructure:"environment"` // development|production; gates traceback inclusion
	SnapshotDir       string `mapstructure:"snapshot_dir"`
	ErrorsDir         string `mapstructure:"errors_dir"`
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubject       string `mapstructure:"nats_alert_subject"`
}

// DefaultServiceConfig returns sane operator defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:         ":8080",
		MaxConcurrentFlows: 10,
		MaxWorkers:         8,
		Environment:        "development",
		SnapshotDir:        "./data/snapshots",
		ErrorsDir:          "./data/errors",
		NATSURL:            "",
		NATSSubject:        "deepresearch.alerts",
	}
}

// LoadService builds a ServiceConfig from environment variables layered over
// DefaultServiceConfig, using the DEEPRESEARCH_ prefix (distinct from the
// per-flow Configuration's unprefixed field names, since this is process
// config rather than a per-call override).
func LoadService() (ServiceConfig, error) {
	v := viper.New()
	d := DefaultServiceConfig()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("max_concurrent_flows", d.MaxConcurrentFlows)
	v.SetDefault("max_workers", d.MaxWorkers)
	v.SetDefault("environment", d.Environment)
	v.SetDefault("snapshot_dir", d.SnapshotDir)
	v.SetDefault("errors_dir", d.ErrorsDir)
	v.SetDefault("nats_url", d.NATSURL)
	v.SetDefault("nats_alert_subject", d.NATSSubject)

	v.SetEnvPrefix("deepresearch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg ServiceConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// IncludeTraceback reports whether error envelopes should include a
// traceback field, per spec §6's ENVIRONMENT gate.
func (s ServiceConfig) IncludeTraceback() bool {
	return s.Environment != "production"
}
