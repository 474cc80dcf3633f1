package delegation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is a YAML task list, as read by `foundry tasks run`.
type Plan struct {
	Workers int        `yaml:"workers"`
	Roles   []string   `yaml:"roles"`
	Tasks   []TaskSpec `yaml:"tasks"`
}

// Validate checks ids are present and unique and that dependencies refer to
// tasks in the plan.
func (p Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	seen := make(map[string]bool, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.ID == "" {
			return fmt.Errorf("tasks[%d].id is required", i)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		switch t.Priority {
		case "", PriorityLow, PriorityMedium, PriorityHigh:
		default:
			return fmt.Errorf("task %s: invalid priority %q", t.ID, t.Priority)
		}
	}
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	return nil
}

func PlanFromYAML(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("invalid plan yaml: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

func PlanFromFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, err
	}
	return PlanFromYAML(data)
}
