package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"foundry/internal/db"
	"foundry/internal/domain"
)

type backend struct {
	store   Store
	logs    *observer.ObservedLogs
	corrupt func(t *testing.T, projectID string)
}

var testNow = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func newSQLiteBackend(t *testing.T) backend {
	t.Helper()
	logger, logs := observedLogger()
	s, err := OpenSQLite(context.Background(), db.Config{Workspace: t.TempDir()},
		WithLogger(logger), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return backend{
		store: s,
		logs:  logs,
		corrupt: func(t *testing.T, projectID string) {
			_, err := s.DB.Exec(`UPDATE foundry_context SET context_json='{"current_phase": 7' WHERE project_id=?`, projectID)
			require.NoError(t, err)
		},
	}
}

func newPostgresBackend(t *testing.T) backend {
	t.Helper()
	dsn := os.Getenv("FOUNDRY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FOUNDRY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	logger, logs := observedLogger()
	s, err := OpenPostgres(ctx, dsn, WithLogger(logger), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	for _, table := range []string{"foundry_context", "evidence", "gate_evaluation", "transition_log"} {
		_, err := s.pool.Exec(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	t.Cleanup(func() { s.Close() })
	return backend{
		store: s,
		logs:  logs,
		corrupt: func(t *testing.T, projectID string) {
			_, err := s.pool.Exec(ctx, `UPDATE foundry_context SET context_json='{"current_phase": 7}'::jsonb WHERE project_id=$1`, projectID)
			require.NoError(t, err)
		},
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, newSQLiteBackend)
}

func TestPostgresStore(t *testing.T) {
	runStoreContract(t, newPostgresBackend)
}

func runStoreContract(t *testing.T, open func(t *testing.T) backend) {
	ctx := context.Background()

	t.Run("save then load round-trips", func(t *testing.T) {
		b := open(t)
		sctx := domain.DefaultContext("p1")
		prd := "docs/prd.md"
		sctx.Artifacts["prd"] = &prd
		sctx.Project.Stakeholders = []string{"cto", "ciso"}
		sctx.Backlog = []domain.BacklogItem{{ID: "F-1", Title: "sso", Status: "todo", Priority: "high"}}
		sctx.CurrentPhase = domain.PhaseArchitecture
		sctx.PhaseIteration = 2
		sctx.Evidence = []string{"e1"}
		sctx.LastGateResults["security"] = domain.GateFailed

		require.NoError(t, b.store.Save(ctx, "p1", sctx))
		assert.Equal(t, sctx, b.store.Load(ctx, "p1"))

		sctx.CurrentPhase = domain.PhaseHardening
		require.NoError(t, b.store.Save(ctx, "p1", sctx))
		assert.Equal(t, domain.PhaseHardening, b.store.Load(ctx, "p1").CurrentPhase)
	})

	t.Run("missing project loads nil quietly", func(t *testing.T) {
		b := open(t)
		assert.Nil(t, b.store.Load(ctx, "ghost"))
		_, ok := b.store.CurrentPhase(ctx, "ghost")
		assert.False(t, ok)
		assert.Zero(t, b.logs.FilterMessage("context store read failed").Len())
	})

	t.Run("corrupt context loads nil and logs", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.store.Save(ctx, "p1", domain.DefaultContext("p1")))
		b.corrupt(t, "p1")
		assert.Nil(t, b.store.Load(ctx, "p1"))
		assert.Equal(t, 1, b.logs.FilterMessage("context store read failed").Len())

		require.NoError(t, b.store.SetCurrentPhase(ctx, "p1", domain.PhaseDiscovery))
		phase, ok := b.store.CurrentPhase(ctx, "p1")
		require.True(t, ok)
		assert.Equal(t, domain.PhaseDiscovery, phase)
	})

	t.Run("save validates input", func(t *testing.T) {
		b := open(t)
		assert.ErrorIs(t, b.store.Save(ctx, "", domain.DefaultContext("x")), ErrMissingProject)
		assert.ErrorIs(t, b.store.Save(ctx, "p1", nil), ErrNilContext)
		assert.ErrorIs(t, b.store.SetCurrentPhase(ctx, "p1", "nowhere"), ErrInvalidPhase)
	})

	t.Run("set current phase creates default context", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.store.SetCurrentPhase(ctx, "fresh", domain.PhaseDiscovery))
		got := b.store.Load(ctx, "fresh")
		require.NotNil(t, got)
		want := domain.DefaultContext("fresh")
		want.CurrentPhase = domain.PhaseDiscovery
		assert.Equal(t, want, got)

		got.Project.RiskTolerance = "low"
		require.NoError(t, b.store.Save(ctx, "fresh", got))
		require.NoError(t, b.store.SetCurrentPhase(ctx, "fresh", domain.PhaseArchitecture))
		again := b.store.Load(ctx, "fresh")
		assert.Equal(t, "low", again.Project.RiskTolerance)
		assert.Equal(t, domain.PhaseArchitecture, again.CurrentPhase)
	})

	t.Run("evidence is filtered and newest first", func(t *testing.T) {
		b := open(t)
		add := func(name string, phase domain.Phase, gate string, at time.Time) domain.Evidence {
			ev, err := b.store.AddEvidence(ctx, domain.Evidence{
				ProjectID: "p1", Phase: phase, Gate: gate, Type: domain.EvidenceTestReport,
				Name: name, Hash: "sha256:abc", CreatedAt: at, CreatedBy: "ci",
			})
			require.NoError(t, err)
			return ev
		}
		first := add("unit", domain.PhaseHardening, "tests", testNow)
		second := add("sast", domain.PhaseHardening, "security", testNow.Add(time.Minute))
		third := add("e2e", domain.PhaseHardening, "tests", testNow.Add(2*time.Minute))
		add("prd", domain.PhaseDiscovery, "", testNow)

		assert.NotEmpty(t, first.ID)
		assert.NotEqual(t, first.ID, second.ID)

		tests := b.store.Evidence(ctx, "p1", EvidenceFilter{Phase: domain.PhaseHardening, Gate: "tests"})
		require.Len(t, tests, 2)
		assert.Equal(t, third.ID, tests[0].ID)
		assert.Equal(t, first.ID, tests[1].ID)
		assert.Equal(t, "sha256:abc", tests[0].Hash)
		assert.Equal(t, domain.EvidenceTestReport, tests[0].Type)
		assert.True(t, tests[0].CreatedAt.Equal(third.CreatedAt))

		hardening := b.store.Evidence(ctx, "p1", EvidenceFilter{Phase: domain.PhaseHardening})
		require.Len(t, hardening, 3)
		assert.Equal(t, second.ID, hardening[1].ID)

		assert.Len(t, b.store.Evidence(ctx, "p1", EvidenceFilter{}), 4)
		assert.Empty(t, b.store.Evidence(ctx, "other", EvidenceFilter{}))
	})

	t.Run("evidence defaults", func(t *testing.T) {
		b := open(t)
		ev, err := b.store.AddEvidence(ctx, domain.Evidence{ID: "caller-id", ProjectID: "p1", Phase: domain.PhaseDiscovery, Name: "notes"})
		require.NoError(t, err)
		assert.NotEqual(t, "caller-id", ev.ID)
		assert.Equal(t, domain.SystemActor, ev.CreatedBy)
		assert.Equal(t, domain.EvidenceFile, ev.Type)
		assert.True(t, ev.CreatedAt.Equal(testNow))

		_, err = b.store.AddEvidence(ctx, domain.Evidence{Phase: domain.PhaseDiscovery, Name: "x"})
		assert.ErrorIs(t, err, ErrMissingProject)
		_, err = b.store.AddEvidence(ctx, domain.Evidence{ProjectID: "p1", Name: "x"})
		assert.ErrorIs(t, err, ErrInvalidPhase)
		_, err = b.store.AddEvidence(ctx, domain.Evidence{ProjectID: "p1", Phase: domain.PhaseDiscovery, Name: "x", Type: "bogus"})
		assert.ErrorIs(t, err, ErrInvalidType)
		assert.Len(t, b.store.Evidence(ctx, "p1", EvidenceFilter{}), 1)
	})

	t.Run("gate results keep full history newest first", func(t *testing.T) {
		b := open(t)
		failed := domain.GateResult{
			GateID: "security", Phase: domain.PhaseGateEvaluation, Status: domain.GateFailed,
			Timestamp: testNow,
			Checks:    []domain.GateCheck{{Name: "sast", Status: domain.GateFailed, Message: "2 highs"}},
		}
		passed := domain.GateResult{
			GateID: "security", Phase: domain.PhaseGateEvaluation, Status: domain.GatePassed,
			Timestamp: testNow.Add(time.Hour), EvidenceIDs: []string{"e9"},
		}
		record := func(res domain.GateResult) domain.GateResult {
			saved, err := b.store.RecordGateResult(ctx, "p1", res)
			require.NoError(t, err)
			return saved
		}
		savedFailed := record(failed)
		record(passed)
		docs := record(domain.GateResult{GateID: "docs", Phase: domain.PhaseHardening, Status: domain.GatePassed})
		assert.NotEmpty(t, docs.ID)
		assert.True(t, docs.Timestamp.Equal(testNow))
		assert.Equal(t, []domain.GateCheck{}, docs.Checks)

		got := b.store.LastGateResults(ctx, "p1", domain.PhaseGateEvaluation)
		require.Len(t, got, 2)
		assert.Equal(t, domain.GatePassed, got[0].Status)
		assert.Equal(t, []string{"e9"}, got[0].EvidenceIDs)
		assert.Empty(t, got[0].Checks)
		assert.Equal(t, domain.GateFailed, got[1].Status)
		assert.Equal(t, failed.Checks, got[1].Checks)
		assert.Equal(t, savedFailed.ID, got[1].ID)
		assert.True(t, got[1].Timestamp.Equal(testNow))

		assert.Len(t, b.store.LastGateResults(ctx, "p1", ""), 3)
		assert.Empty(t, b.store.LastGateResults(ctx, "p2", domain.PhaseGateEvaluation))
		_, err := b.store.RecordGateResult(ctx, "", passed)
		assert.ErrorIs(t, err, ErrMissingProject)
	})

	t.Run("transition log", func(t *testing.T) {
		b := open(t)
		assert.Empty(t, b.store.Transitions(ctx, "p1"))
		recs := []domain.TransitionRecord{
			{ID: newID(), Timestamp: testNow, From: domain.PhaseIdle, To: domain.PhaseDiscovery, Event: domain.EventInitProject, Actor: "alice", EvidenceIDs: []string{}},
			{ID: newID(), Timestamp: testNow.Add(time.Second), From: domain.PhaseDiscovery, To: domain.PhaseArchitecture, Event: domain.EventCompleteTask, Actor: domain.SystemActor, EvidenceIDs: []string{"e1"}},
		}
		for _, rec := range recs {
			require.NoError(t, b.store.AppendTransition(ctx, "p1", rec))
		}
		assert.Equal(t, recs, b.store.Transitions(ctx, "p1"))
		assert.ErrorIs(t, b.store.AppendTransition(ctx, "", recs[0]), ErrMissingProject)
	})
}
