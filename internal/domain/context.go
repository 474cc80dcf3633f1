package domain

// ProjectMeta describes the project a context belongs to.
type ProjectMeta struct {
	Name              string   `json:"name"`
	RepoRoot          string   `json:"repo_root"`
	Stakeholders      []string `json:"stakeholders"`
	Environments      []string `json:"environments"`
	ComplianceTargets []string `json:"compliance_targets"`
	RiskTolerance     string   `json:"risk_tolerance" enum:"low,medium,high"`
}

type BacklogItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// StateContext is the persisted per-project document carried alongside the
// phase machine.
type StateContext struct {
	Project              ProjectMeta           `json:"project"`
	Artifacts            map[string]*string    `json:"artifacts"`
	Backlog              []BacklogItem         `json:"backlog"`
	CurrentPhase         Phase                 `json:"current_phase"`
	CurrentFeatureID     string                `json:"current_feature_id,omitempty"`
	PhaseIteration       int                   `json:"phase_iteration"`
	RemediationIteration int                   `json:"remediation_iteration"`
	Evidence             []string              `json:"evidence"`
	LastGateResults      map[string]GateStatus `json:"last_gate_results"`
}

// Artifact names registered on every new context.
var DefaultArtifacts = []string{"prd", "architecture", "threat_model", "test_plan", "runbook", "release_notes"}

// DefaultContext returns the initial context for a project that has never
// been persisted.
func DefaultContext(projectID string) *StateContext {
	artifacts := make(map[string]*string, len(DefaultArtifacts))
	for _, name := range DefaultArtifacts {
		artifacts[name] = nil
	}
	return &StateContext{
		Project: ProjectMeta{
			Name:              projectID,
			Stakeholders:      []string{},
			Environments:      []string{"dev", "staging", "prod"},
			ComplianceTargets: []string{},
			RiskTolerance:     "medium",
		},
		Artifacts:       artifacts,
		Backlog:         []BacklogItem{},
		CurrentPhase:    PhaseIdle,
		Evidence:        []string{},
		LastGateResults: map[string]GateStatus{},
	}
}

// Clone returns a deep copy.
func (c *StateContext) Clone() *StateContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Project.Stakeholders = cloneStrings(c.Project.Stakeholders)
	out.Project.Environments = cloneStrings(c.Project.Environments)
	out.Project.ComplianceTargets = cloneStrings(c.Project.ComplianceTargets)
	if c.Artifacts != nil {
		out.Artifacts = make(map[string]*string, len(c.Artifacts))
		for k, v := range c.Artifacts {
			if v != nil {
				s := *v
				v = &s
			}
			out.Artifacts[k] = v
		}
	}
	if c.Backlog != nil {
		out.Backlog = append([]BacklogItem{}, c.Backlog...)
	}
	out.Evidence = cloneStrings(c.Evidence)
	if c.LastGateResults != nil {
		out.LastGateResults = make(map[string]GateStatus, len(c.LastGateResults))
		for k, v := range c.LastGateResults {
			out.LastGateResults[k] = v
		}
	}
	return &out
}

// AddEvidence appends ids not already referenced, preserving order.
func (c *StateContext) AddEvidence(ids ...string) {
	seen := make(map[string]struct{}, len(c.Evidence))
	for _, id := range c.Evidence {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		c.Evidence = append(c.Evidence, id)
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}
