package machine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/domain"
)

func TestDefaultDefinitionCoversEveryPhase(t *testing.T) {
	def := DefaultDefinition()
	require.NoError(t, def.Validate())
	assert.Equal(t, domain.PhaseIdle, def.Initial)
	for _, p := range domain.Phases() {
		_, ok := def.States[p]
		assert.True(t, ok, "phase %s missing", p)
	}
	assert.True(t, def.States[domain.PhaseReleased].Terminal)
	assert.True(t, def.States[domain.PhaseAborted].Terminal)
	for phase, state := range def.States {
		if state.Terminal {
			continue
		}
		_, ok := state.On[domain.EventAbort]
		assert.True(t, ok, "phase %s cannot abort", phase)
	}
}

func TestDefaultLifecycleHappyPath(t *testing.T) {
	m, err := New(DefaultDefinition(), domain.DefaultContext("p"))
	require.NoError(t, err)
	steps := []struct {
		event domain.Event
		want  domain.Phase
	}{
		{domain.EventInitProject, domain.PhaseDiscovery},
		{domain.EventCompleteTask, domain.PhaseArchitecture},
		{domain.EventApprovePhase, domain.PhaseSecurityFoundation},
		{domain.EventStartFeatureLoop, domain.PhaseFeatureLoop},
		{domain.EventStartPhase, domain.PhaseFeaturePlanning},
		{domain.EventCompleteTask, domain.PhaseFeatureImplementation},
		{domain.EventCompleteTask, domain.PhaseFeatureReview},
		{domain.EventCompleteFeature, domain.PhaseFeatureDone},
		{domain.EventRequestRelease, domain.PhaseHardening},
		{domain.EventRunGates, domain.PhaseGateEvaluation},
		{domain.EventGatesFailed, domain.PhaseRemediation},
		{domain.EventStartRemediation, domain.PhaseRemediationWork},
		{domain.EventCompleteRemediation, domain.PhaseHardening},
		{domain.EventRunGates, domain.PhaseGateEvaluation},
		{domain.EventGatesPassed, domain.PhaseReleaseReadiness},
		{domain.EventPause, domain.PhasePaused},
		{domain.EventResume, domain.PhaseReturnToCaller},
		{domain.EventRequestRelease, domain.PhaseHardening},
		{domain.EventRunGates, domain.PhaseGateEvaluation},
		{domain.EventGatesPassed, domain.PhaseReleaseReadiness},
		{domain.EventRequestRelease, domain.PhaseReleaseReview},
		{domain.EventApproveRelease, domain.PhaseReleased},
	}
	for i, step := range steps {
		require.NoError(t, m.Dispatch(step.event, nil), "step %d %s", i, step.event)
		require.Equal(t, step.want, m.CurrentPhase(), "step %d", i)
	}
	assert.True(t, m.IsTerminal())
	assert.Len(t, m.History(), len(steps))
}

func TestDefinitionFromYAMLShorthand(t *testing.T) {
	def, err := DefinitionFromYAML([]byte(`
id: mini
initial: idle
states:
  idle:
    on:
      INIT_PROJECT: discovery
      ABORT:
        target: aborted
        description: give up
  discovery:
    description: look around
  aborted:
    terminal: true
`))
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDiscovery, def.States[domain.PhaseIdle].On[domain.EventInitProject].Target)
	assert.Equal(t, "give up", def.States[domain.PhaseIdle].On[domain.EventAbort].Description)
	assert.Equal(t, "look around", def.States[domain.PhaseDiscovery].Description)
}

func TestDefinitionFromYAMLErrors(t *testing.T) {
	cases := map[string]string{
		"missing initial":           "initial: discovery\nstates:\n  idle: {}\n",
		"bad target":                "initial: idle\nstates:\n  idle:\n    on:\n      INIT_PROJECT: nowhere\n",
		"terminal with transitions": "initial: idle\nstates:\n  idle:\n    terminal: true\n    on:\n      ABORT: idle\n",
		"malformed":                 "initial: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DefinitionFromYAML([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}
