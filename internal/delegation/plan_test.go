package delegation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFromYAML(t *testing.T) {
	p, err := PlanFromYAML([]byte(`
workers: 3
roles: [engineer]
tasks:
  - id: design
    role_id: engineer
    priority: high
  - id: build
    role_id: engineer
    depends_on: [design]
    max_retries: 0
    payload:
      duration_ms: 5
`))
	require.NoError(t, err)
	assert.Equal(t, 3, p.Workers)
	require.Len(t, p.Tasks, 2)
	require.NotNil(t, p.Tasks[1].MaxRetries)
	assert.Equal(t, 0, *p.Tasks[1].MaxRetries)
	assert.Nil(t, p.Tasks[0].MaxRetries)
	assert.Equal(t, 5, p.Tasks[1].Payload["duration_ms"])

	e := New()
	e.AddTasks(p.Tasks...)
	task, ok := e.Task("build")
	require.True(t, ok)
	assert.Equal(t, 0, task.MaxRetries)
	assert.Equal(t, PriorityMedium, task.Priority)
}

func TestPlanValidation(t *testing.T) {
	cases := map[string]string{
		"no tasks":     `tasks: []`,
		"missing id":   "tasks:\n  - role_id: a\n",
		"duplicate":    "tasks:\n  - id: a\n  - id: a\n",
		"unknown dep":  "tasks:\n  - id: a\n    depends_on: [b]\n",
		"bad priority": "tasks:\n  - id: a\n    priority: urgent\n",
		"bad yaml":     "tasks: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := PlanFromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}
