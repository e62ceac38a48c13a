package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigurationMatchesSpec(t *testing.T) {
	d := Default()
	assert.Equal(t, ModeLinear, d.ResearchMode)
	assert.Equal(t, "tavily", d.SearchAPI)
	assert.Equal(t, []string{"tavily", "perplexity", "exa", "duckduckgo"}, d.FallbackAPIs)
	assert.Equal(t, 3, d.MaxRetries)
	assert.Equal(t, 2, d.MaxSearchDepth)
	assert.Equal(t, 2, d.NumberOfQueries)
	assert.Equal(t, 3, d.MaxConcurrentResearchers)
	assert.True(t, d.EnableParallelExecution)
	assert.True(t, d.EnableSearchCache)
	assert.Equal(t, 3600, d.CacheTTL)
}

func TestLoadAppliesOverrideMap(t *testing.T) {
	cfg, err := Load("", map[string]any{"number_of_queries": 5, "search_api": "exa"})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.NumberOfQueries)
	assert.Equal(t, "exa", cfg.SearchAPI)
}

func TestEnvOverridesWinOverOverrideMap(t *testing.T) {
	t.Setenv("SEARCH_API", "perplexity")
	cfg, err := Load("", map[string]any{"search_api": "exa"})
	require.NoError(t, err)
	assert.Equal(t, "perplexity", cfg.SearchAPI, "env should take precedence over the override map by default")
}

func TestLoadWithoutEnvPrecedenceLetsOverrideWin(t *testing.T) {
	t.Setenv("SEARCH_API", "perplexity")
	cfg, err := LoadWithoutEnvPrecedence("", map[string]any{"search_api": "exa"})
	require.NoError(t, err)
	assert.Equal(t, "exa", cfg.SearchAPI)
}

func TestServiceConfigDefaults(t *testing.T) {
	d := DefaultServiceConfig()
	assert.Equal(t, 10, d.MaxConcurrentFlows)
	assert.Equal(t, 8, d.MaxWorkers)
	assert.True(t, d.IncludeTraceback())
	d.Environment = "production"
	assert.False(t, d.IncludeTraceback())
}
