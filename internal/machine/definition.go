package machine

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"foundry/internal/domain"
)

//go:embed foundry.yaml
var foundryDefinition []byte

// Transition names the state an event leads to.
type Transition struct {
	Target      domain.Phase `yaml:"target" json:"target"`
	Description string       `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML accepts either a bare target name or a mapping.
func (t *Transition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Target = domain.Phase(node.Value)
		return nil
	}
	type plain Transition
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Transition(p)
	return nil
}

type StateDefinition struct {
	Description  string                      `yaml:"description" json:"description"`
	EntryActions []string                    `yaml:"entry_actions,omitempty" json:"entry_actions,omitempty"`
	ExitCriteria []string                    `yaml:"exit_criteria,omitempty" json:"exit_criteria,omitempty"`
	On           map[domain.Event]Transition `yaml:"on,omitempty" json:"on,omitempty"`
	Terminal     bool                        `yaml:"terminal,omitempty" json:"terminal,omitempty"`
}

// Definition is the full description of a phase machine.
type Definition struct {
	ID      string                           `yaml:"id" json:"id"`
	Initial domain.Phase                     `yaml:"initial" json:"initial"`
	States  map[domain.Phase]StateDefinition `yaml:"states" json:"states"`
}

// Validate checks that the initial state and every transition target exist
// and that only known phases and events are used.
func (d Definition) Validate() error {
	if len(d.States) == 0 {
		return definitionError("no states defined")
	}
	if _, ok := d.States[d.Initial]; !ok {
		return definitionError("initial state %q is not defined", d.Initial)
	}
	for _, phase := range d.sortedPhases() {
		if !phase.Valid() {
			return definitionError("unknown phase %q", phase)
		}
		state := d.States[phase]
		if state.Terminal && len(state.On) > 0 {
			return definitionError("terminal state %q declares transitions", phase)
		}
		for event, tr := range state.On {
			if !event.Valid() {
				return definitionError("state %q: unknown event %q", phase, event)
			}
			if _, ok := d.States[tr.Target]; !ok {
				return definitionError("state %q: event %s targets undefined state %q", phase, event, tr.Target)
			}
		}
	}
	return nil
}

func (d Definition) sortedPhases() []domain.Phase {
	out := make([]domain.Phase, 0, len(d.States))
	for p := range d.States {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefinitionFromYAML parses and validates a definition.
func DefinitionFromYAML(data []byte) (Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, definitionError("parse: %v", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// DefinitionFromFile reads a YAML definition from disk.
func DefinitionFromFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read definition: %w", err)
	}
	return DefinitionFromYAML(data)
}

// DefaultDefinition returns the built-in Foundry lifecycle.
func DefaultDefinition() Definition {
	def, err := DefinitionFromYAML(foundryDefinition)
	if err != nil {
		panic(fmt.Sprintf("built-in definition: %v", err))
	}
	return def
}
