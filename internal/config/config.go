// Package config loads the typed Configuration record consumed by the
// pipeline and every external caller, using viper for file/env/default
// layering in the style of the capture-agent config loader.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ResearchMode selects which pipeline topology a flow runs.
type ResearchMode string

const (
	ModeLinear         ResearchMode = "linear"
	ModeIterativeGraph  ResearchMode = "iterative-graph"
	ModeMultiAgent      ResearchMode = "multi-agent"
)

// Configuration is the typed record described in spec.md §4.9. Both
// mapstructure tags (for viper's file/env layering in Load) and matching
// json tags (so internal/httpapi can decode a config override straight off
// the wire in spec.md §6's "optional config" control-API fields) name the
// same snake_case keys.
type Configuration struct {
	ResearchMode       ResearchMode `mapstructure:"research_mode" json:"research_mode"`
	SearchAPI          string       `mapstructure:"search_api" json:"search_api"`
	FallbackAPIs       []string     `mapstructure:"fallback_apis" json:"fallback_apis"`
	EnableFallbackAPIs bool         `mapstructure:"enable_fallback_apis" json:"enable_fallback_apis"`

	MaxRetries int     `mapstructure:"max_retries" json:"max_retries"`
	RetryDelay float64 `mapstructure:"retry_delay" json:"retry_delay"`

	MaxSearchDepth  int `mapstructure:"max_search_depth" json:"max_search_depth"`
	NumberOfQueries int `mapstructure:"number_of_queries" json:"number_of_queries"`

	ReportStructure string `mapstructure:"report_structure" json:"report_structure"`

	PlannerModel    string `mapstructure:"planner_model" json:"planner_model"`
	WriterModel     string `mapstructure:"writer_model" json:"writer_model"`
	SupervisorModel string `mapstructure:"supervisor_model" json:"supervisor_model"`
	ResearcherModel string `mapstructure:"researcher_model" json:"researcher_model"`

	MaxConcurrentResearchers int  `mapstructure:"max_concurrent_researchers" json:"max_concurrent_researchers"`
	EnableParallelExecution  bool `mapstructure:"enable_parallel_execution" json:"enable_parallel_execution"`

	EnableSearchCache bool `mapstructure:"enable_search_cache" json:"enable_search_cache"`
	CacheTTL          int  `mapstructure:"cache_ttl" json:"cache_ttl"` // seconds
}

// RetryDelayDuration returns RetryDelay as a time.Duration.
func (c Configuration) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay * float64(time.Second))
}

// CacheTTLDuration returns CacheTTL as a time.Duration.
func (c Configuration) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

const defaultReportStructure = `# Introduction
# Overview of {{.Topic}}
# Key Aspects
# Conclusion`

// Default returns the built-in Configuration defaults from spec.md §4.9.
func Default() Configuration {
	return Configuration{
		ResearchMode:             ModeLinear,
		SearchAPI:                "tavily",
		FallbackAPIs:             []string{"tavily", "perplexity", "exa", "duckduckgo"},
		EnableFallbackAPIs:       true,
		MaxRetries:               3,
		RetryDelay:               1.0,
		MaxSearchDepth:           2,
		NumberOfQueries:          2,
		ReportStructure:          defaultReportStructure,
		PlannerModel:             "vendor-default",
		WriterModel:              "vendor-default",
		SupervisorModel:          "vendor-default",
		ResearcherModel:          "vendor-default",
		MaxConcurrentResearchers: 3,
		EnableParallelExecution:  true,
		EnableSearchCache:        true,
		CacheTTL:                 3600,
	}
}

// envPrefix mirrors each Configuration field name, uppercased, with no
// namespace prefix — spec §4.9/§6 say "environment field name uppercased",
// not a project-prefixed variable.
const envPrefix = ""

// Load builds a Configuration starting from Default(), layering in (in
// ascending precedence): an optional YAML/JSON file at path (skipped if
// empty or missing), a caller-supplied override mapping, and finally
// environment variables — "environment wins over the mapping unless the
// caller says otherwise" (spec §4.9). viper's own precedence is
// Set > env > config > default, so Set-ing every override would make it
// beat env regardless of call order; instead we skip the override for any
// key that has a matching env var set, letting AutomaticEnv supply that
// field directly.
func Load(path string, overrides map[string]any) (Configuration, error) {
	v := viper.New()
	applyDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Configuration{}, err
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range overrides {
		if envKeyPresent(key) {
			continue
		}
		v.Set(key, val)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// envKeyPresent reports whether an environment variable matching key (per
// viper's AutomaticEnv + the "."->"_" replacer configured above) is set.
func envKeyPresent(key string) bool {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(envKey)
	return ok
}

// LoadWithoutEnvPrecedence is identical to Load except overrides win over
// environment variables — the "caller says otherwise" escape hatch named in
// spec §4.9.
func LoadWithoutEnvPrecedence(path string, overrides map[string]any) (Configuration, error) {
	v := viper.New()
	applyDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Configuration{}, err
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func applyDefaults(v *viper.Viper, d Configuration) {
	v.SetDefault("research_mode", string(d.ResearchMode))
	v.SetDefault("search_api", d.SearchAPI)
	v.SetDefault("fallback_apis", d.FallbackAPIs)
	v.SetDefault("enable_fallback_apis", d.EnableFallbackAPIs)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_delay", d.RetryDelay)
	v.SetDefault("max_search_depth", d.MaxSearchDepth)
	v.SetDefault("number_of_queries", d.NumberOfQueries)
	v.SetDefault("report_structure", d.ReportStructure)
	v.SetDefault("planner_model", d.PlannerModel)
	v.SetDefault("writer_model", d.WriterModel)
	v.SetDefault("supervisor_model", d.SupervisorModel)
	v.SetDefault("researcher_model", d.ResearcherModel)
	v.SetDefault("max_concurrent_researchers", d.MaxConcurrentResearchers)
	v.SetDefault("enable_parallel_execution", d.EnableParallelExecution)
	v.SetDefault("enable_search_cache", d.EnableSearchCache)
	v.SetDefault("cache_ttl", d.CacheTTL)
}
