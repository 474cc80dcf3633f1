package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"foundry/internal/domain"
	"foundry/internal/logging"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config models foundry.yml.
type Config struct {
	Project struct {
		ID                string   `yaml:"id"`
		Name              string   `yaml:"name"`
		RepoRoot          string   `yaml:"repo_root"`
		Stakeholders      []string `yaml:"stakeholders"`
		Environments      []string `yaml:"environments"`
		ComplianceTargets []string `yaml:"compliance_targets"`
		RiskTolerance     string   `yaml:"risk_tolerance"`
	} `yaml:"project"`
	Machine struct {
		// Definition is an optional YAML lifecycle replacing the built-in one.
		// Relative paths resolve against the workspace.
		Definition string `yaml:"definition"`
	} `yaml:"machine"`
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Delegation struct {
		MaxConcurrency  int  `yaml:"max_concurrency"`
		CascadeFailures bool `yaml:"cascade_failures"`
	} `yaml:"delegation"`
	Orchestrator struct {
		StrictIntents bool `yaml:"strict_intents"`
	} `yaml:"orchestrator"`
	Gates   map[string]Gate `yaml:"gates"`
	Logging logging.Config  `yaml:"logging"`
	Server  struct {
		Addr             string    `yaml:"addr"`
		JWTSecret        string    `yaml:"jwt_secret"`
		AllowActorHeader bool      `yaml:"allow_actor_header"`
		Webhooks         []Webhook `yaml:"webhooks"`
	} `yaml:"server"`
}

// Gate is a catalog entry for a quality gate.
type Gate struct {
	Description     string                `yaml:"description"`
	Phase           domain.Phase          `yaml:"phase"`
	RequireEvidence []domain.EvidenceType `yaml:"require_evidence"`
}

// Webhook receives transition records. An empty Events list means all.
type Webhook struct {
	URL    string         `yaml:"url"`
	Events []domain.Event `yaml:"events"`
	Secret string         `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with foundry init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	switch c.Project.RiskTolerance {
	case "", "low", "medium", "high":
	default:
		return fmt.Errorf("config.project.risk_tolerance must be low, medium or high")
	}
	switch c.Store.Driver {
	case "", DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config.store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Delegation.MaxConcurrency < 0 {
		return fmt.Errorf("config.delegation.max_concurrency must not be negative")
	}
	for id, gate := range c.Gates {
		if id == "" {
			return fmt.Errorf("config.gates contains an empty gate id")
		}
		if gate.Phase != "" && !gate.Phase.Valid() {
			return fmt.Errorf("gate %s references unknown phase %s", id, gate.Phase)
		}
		for _, typ := range gate.RequireEvidence {
			if !typ.Valid() {
				return fmt.Errorf("gate %s requires unknown evidence type %s", id, typ)
			}
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	for i, hook := range c.Server.Webhooks {
		u, err := url.Parse(hook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.server.webhooks[%d].url is invalid", i)
		}
		for _, ev := range hook.Events {
			if !ev.Valid() {
				return fmt.Errorf("config.server.webhooks[%d] references unknown event %s", i, ev)
			}
		}
	}
	return nil
}

// Driver returns the configured store driver, sqlite by default.
func (c *Config) Driver() string {
	if c.Store.Driver == "" {
		return DriverSQLite
	}
	return c.Store.Driver
}

// DefinitionPath resolves Machine.Definition against workspace.
func (c *Config) DefinitionPath(workspace string) string {
	p := c.Machine.Definition
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

// KnownGate reports whether id is in the catalog. Any id is accepted when
// the catalog is empty.
func (c *Config) KnownGate(id string) bool {
	if len(c.Gates) == 0 {
		return true
	}
	_, ok := c.Gates[id]
	return ok
}

// SeedContext returns the default context for the project with the
// configured metadata applied.
func (c *Config) SeedContext() *domain.StateContext {
	sctx := domain.DefaultContext(c.Project.ID)
	if c.Project.Name != "" {
		sctx.Project.Name = c.Project.Name
	}
	sctx.Project.RepoRoot = c.Project.RepoRoot
	if c.Project.Stakeholders != nil {
		sctx.Project.Stakeholders = append([]string{}, c.Project.Stakeholders...)
	}
	if c.Project.Environments != nil {
		sctx.Project.Environments = append([]string{}, c.Project.Environments...)
	}
	if c.Project.ComplianceTargets != nil {
		sctx.Project.ComplianceTargets = append([]string{}, c.Project.ComplianceTargets...)
	}
	if c.Project.RiskTolerance != "" {
		sctx.Project.RiskTolerance = c.Project.RiskTolerance
	}
	return sctx
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "foundry.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: %s
  environments: [dev, staging, prod]
  risk_tolerance: medium

store:
  driver: sqlite

delegation:
  max_concurrency: 2
  cascade_failures: false

orchestrator:
  strict_intents: false

gates:
  tests:
    description: "Unit and integration suites are green"
    phase: gate_evaluation
    require_evidence: [test_report, ci_job]
  security:
    description: "SAST and dependency scans show no high findings"
    phase: gate_evaluation
    require_evidence: [vuln_report]
  docs:
    description: "Runbook and release notes are written"
    phase: gate_evaluation
    require_evidence: [doc_ref]
  release:
    description: "Stakeholders approved the release"
    phase: release_review
    require_evidence: [audit_report]

logging:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  allow_actor_header: true
`
