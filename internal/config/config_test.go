package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, DriverSQLite, cfg.Driver())
	assert.Equal(t, 2, cfg.Delegation.MaxConcurrency)
	assert.True(t, cfg.KnownGate("security"))
	assert.False(t, cfg.KnownGate("vibes"))
	assert.Equal(t, domain.PhaseGateEvaluation, cfg.Gates["tests"].Phase)
}

func TestSeedContext(t *testing.T) {
	cfg := Default("acme")
	cfg.Project.Name = "Acme Portal"
	cfg.Project.ComplianceTargets = []string{"soc2"}
	sctx := cfg.SeedContext()
	assert.Equal(t, "Acme Portal", sctx.Project.Name)
	assert.Equal(t, []string{"soc2"}, sctx.Project.ComplianceTargets)
	assert.Equal(t, []string{"dev", "staging", "prod"}, sctx.Project.Environments)
	assert.Equal(t, domain.PhaseIdle, sctx.CurrentPhase)
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(c *Config){
		"missing id":      func(c *Config) { c.Project.ID = "" },
		"risk":            func(c *Config) { c.Project.RiskTolerance = "yolo" },
		"driver":          func(c *Config) { c.Store.Driver = "mongo" },
		"postgres dsn":    func(c *Config) { c.Store.Driver = DriverPostgres },
		"concurrency":     func(c *Config) { c.Delegation.MaxConcurrency = -1 },
		"gate phase":      func(c *Config) { c.Gates["x"] = Gate{Phase: "shipping"} },
		"gate evidence":   func(c *Config) { c.Gates["x"] = Gate{RequireEvidence: []domain.EvidenceType{"hunch"}} },
		"logging":         func(c *Config) { c.Logging.Format = "xml" },
		"webhook url":     func(c *Config) { c.Server.Webhooks = []Webhook{{URL: "not a url"}} },
		"webhook event":   func(c *Config) { c.Server.Webhooks = []Webhook{{URL: "http://x.test/h", Events: []domain.Event{"NOPE"}}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("acme")
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("acme")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Project.ID)

	require.NoError(t, os.WriteFile(Path(dir), []byte("project: ["), 0o644))
	_, err = LoadOptional(dir)
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestDefinitionPath(t *testing.T) {
	cfg := Default("acme")
	assert.Empty(t, cfg.DefinitionPath("/ws"))
	cfg.Machine.Definition = "lifecycle.yaml"
	assert.Equal(t, filepath.Join("/ws", "lifecycle.yaml"), cfg.DefinitionPath("/ws"))
	cfg.Machine.Definition = "/etc/foundry/lifecycle.yaml"
	assert.Equal(t, "/etc/foundry/lifecycle.yaml", cfg.DefinitionPath("/ws"))
}
