package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "dev", cfg.EnvPrefix())
	assert.Equal(t, "https://app.koyeb.com", cfg.Koyeb.BaseURL)
	assert.Equal(t, 2, cfg.Vercel.Retries)
	assert.Equal(t, RepairPolicyCapped, cfg.Builds.RepairPolicy)
	assert.Equal(t, "build/", cfg.Builds.LogSegment)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
environment: production
vercel:
  team_id: team_123
  token: tok
builds:
  repair_policy: manual
agents:
  frontend:
    url: http://agents.local/frontend
    enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.EnvPrefix())
	assert.Equal(t, "team_123", cfg.Vercel.TeamID)
	assert.Equal(t, "https://api.vercel.com", cfg.Vercel.BaseURL)
	assert.Equal(t, RepairPolicyManual, cfg.Builds.RepairPolicy)
	assert.Equal(t, "staging", cfg.Builds.BackendBranch)
	assert.False(t, cfg.Agents.Frontend.Active())
	assert.False(t, cfg.Agents.Backend.Active())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":  "environment: staging\n",
		"policy":       "builds:\n  repair_policy: sometimes\n",
		"max attempts": "builds:\n  max_fix_attempts: 0\n",
		"base url":     "koyeb:\n  base_url: \"\"\n",
		"retries":      "github:\n  retries: -1\n",
		"dispatch":     "dispatch:\n  max_attempts: 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Environment)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "shipline.yml"), []byte("environment: production\n"), 0o644))
	cfg, err = Load(Path(dir))
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
}

func TestAgentEndpointLookup(t *testing.T) {
	cfg := Default()
	cfg.Agents.BackendRepair.URL = "http://agents.local/repair"
	ep, ok := cfg.Agents.Endpoint(AgentBackendRepair)
	require.True(t, ok)
	assert.True(t, ep.Active())
	_, ok = cfg.Agents.Endpoint("qa")
	assert.False(t, ok)
}
