package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"foundry/internal/config"
	"foundry/internal/domain"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte(body), 0o644))
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	id, err := a.ProjectID("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProjectID, id)

	o, err := a.Project(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseIdle, o.CurrentPhase())
	assert.Equal(t, 2, o.Delegation().MaxConcurrency())
}

func TestOpenSeedsConfiguredProject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeConfig(t, dir, `project:
  id: billing
  name: Billing Revamp
  stakeholders: [cfo]
  risk_tolerance: low
delegation:
  max_concurrency: 4
`)
	a, err := Open(ctx, Options{Workspace: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()

	o, err := a.Project(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "billing", o.ProjectID())
	assert.Equal(t, 4, o.Delegation().MaxConcurrency())

	_, err = o.Dispatch(ctx, domain.EventInitProject, nil)
	require.NoError(t, err)
	sctx := o.Context(ctx)
	require.NotNil(t, sctx)
	assert.Equal(t, "Billing Revamp", sctx.Project.Name)
	assert.Equal(t, []string{"cfo"}, sctx.Project.Stakeholders)
	assert.Equal(t, "low", sctx.Project.RiskTolerance)

	other, err := a.Project(ctx, "scratch")
	require.NoError(t, err)
	assert.Equal(t, "scratch", other.Snapshot(ctx).Context.Project.Name)
	_, err = os.Stat(filepath.Join(dir, ".foundry", "foundry.db"))
	assert.NoError(t, err)
}

func TestOpenLoadsCustomDefinition(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lifecycle.yaml"), []byte(`id: short
initial: idle
states:
  idle:
    on:
      INIT_PROJECT: released
  released:
    terminal: true
`), 0o644))
	writeConfig(t, dir, "project:\n  id: p1\nmachine:\n  definition: lifecycle.yaml\n")

	a, err := Open(ctx, Options{Workspace: dir, Logger: zap.NewNop()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "short", a.Definition.ID)

	o, err := a.Project(ctx, "")
	require.NoError(t, err)
	res, err := o.Dispatch(ctx, domain.EventInitProject, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseReleased, res.Phase)
}

func TestOpenRejectsBadInputs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeConfig(t, dir, "project:\n  id: p1\nmachine:\n  definition: missing.yaml\n")
	_, err := Open(ctx, Options{Workspace: dir, Logger: zap.NewNop()})
	assert.ErrorContains(t, err, "load machine definition")

	_, err = Open(ctx, Options{ConfigPath: filepath.Join(t.TempDir(), "nope.yml")})
	assert.Error(t, err)
}
