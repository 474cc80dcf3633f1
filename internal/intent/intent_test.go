package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/domain"
)

func TestKeywordInterpreter(t *testing.T) {
	k := NewKeyword()
	cases := map[string]string{
		"Please start the project":         "init_project",
		"run the quality gates":            "run_gates",
		"gates passed":                     "gates_passed",
		"the gates failed again":           "gates_failed",
		"approve the release":              "approve_release",
		"reject the release, not ready":    "reject_release",
		"request a release":                "request_release",
		"let's start remediation":          "start_remediation",
		"complete remediation":             "complete_remediation",
		"enter the feature loop":           "start_feature_loop",
		"feature is done":                  "complete_feature",
		"LGTM":                             "approve_phase",
		"task done":                        "complete_task",
		"next phase please":                "start_phase",
		"pause everything":                 "pause",
		"resume":                           "resume",
		"abort":                            "abort",
		"what's the status?":               "show_status",
	}
	for input, want := range cases {
		res, err := k.Interpret(context.Background(), input, nil)
		require.NoError(t, err, input)
		require.NotNil(t, res.Intent, input)
		assert.Equal(t, want, res.Intent.Action, input)
		assert.Equal(t, input, res.Raw)
	}
}

func TestKeywordInterpreterClarifies(t *testing.T) {
	k := NewKeyword()
	res, err := k.Interpret(context.Background(), "bake a cake", domain.DefaultContext("p"))
	require.NoError(t, err)
	assert.Nil(t, res.Intent)
	assert.Contains(t, res.Clarification, "idle")

	res, err = k.Interpret(context.Background(), "   ", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Intent)
	assert.NotEmpty(t, res.Clarification)
}

func TestInterpreterFunc(t *testing.T) {
	var i Interpreter = InterpreterFunc(func(ctx context.Context, input string, sctx *domain.StateContext) (Result, error) {
		return Result{Intent: &Intent{Action: input}}, nil
	})
	res, err := i.Interpret(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Intent.Action)
}
