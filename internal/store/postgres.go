package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"foundry/internal/domain"
)

// Postgres is a Store for deployments that share state between hosts.
type Postgres struct {
	base
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{base: newBase("postgres", opts), pool: pool}
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewPostgres(pool, opts...)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the foundry tables if they don't exist.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("postgres store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS foundry_context (
    project_id   TEXT PRIMARY KEY,
    context_json JSONB NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS evidence (
    seq         BIGSERIAL PRIMARY KEY,
    id          TEXT NOT NULL UNIQUE,
    project_id  TEXT NOT NULL,
    phase       TEXT NOT NULL,
    gate        TEXT NOT NULL DEFAULT '',
    task_id     TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    file_path   TEXT NOT NULL DEFAULT '',
    hash        TEXT NOT NULL DEFAULT '',
    ci_job_id   TEXT NOT NULL DEFAULT '',
    ci_run_id   TEXT NOT NULL DEFAULT '',
    content     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    created_by  TEXT NOT NULL,
    signature   TEXT NOT NULL DEFAULT ''
)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_project_phase_gate ON evidence (project_id, phase, gate)`,
		`CREATE TABLE IF NOT EXISTS gate_evaluation (
    seq          BIGSERIAL PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    project_id   TEXT NOT NULL,
    phase        TEXT NOT NULL,
    gate_id      TEXT NOT NULL,
    status       TEXT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    checks       JSONB NOT NULL,
    evidence_ids JSONB NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_evaluation_project_phase ON gate_evaluation (project_id, phase)`,
		`CREATE TABLE IF NOT EXISTS transition_log (
    seq          BIGSERIAL PRIMARY KEY,
    id           TEXT NOT NULL UNIQUE,
    project_id   TEXT NOT NULL,
    ts           TIMESTAMPTZ NOT NULL,
    from_phase   TEXT NOT NULL,
    to_phase     TEXT NOT NULL,
    event        TEXT NOT NULL,
    actor        TEXT NOT NULL,
    evidence_ids JSONB NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_transition_log_project ON transition_log (project_id, seq)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure foundry schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func scanContext(row pgx.Row) (*domain.StateContext, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var sctx domain.StateContext
	if err := json.Unmarshal(payload, &sctx); err != nil {
		return nil, fmt.Errorf("corrupt context: %w", err)
	}
	return &sctx, nil
}

func (s *Postgres) Load(ctx context.Context, projectID string) *domain.StateContext {
	sctx, err := scanContext(s.pool.QueryRow(ctx, `SELECT context_json FROM foundry_context WHERE project_id=$1`, projectID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.soft("load", projectID, err)
		}
		return nil
	}
	return sctx
}

const upsertContextSQL = `INSERT INTO foundry_context(project_id, context_json, updated_at) VALUES ($1, $2, $3)
ON CONFLICT (project_id) DO UPDATE SET context_json = EXCLUDED.context_json, updated_at = EXCLUDED.updated_at`

func (s *Postgres) Save(ctx context.Context, projectID string, sctx *domain.StateContext) error {
	if projectID == "" {
		return ErrMissingProject
	}
	if sctx == nil {
		return ErrNilContext
	}
	payload, err := json.Marshal(sctx)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertContextSQL, projectID, payload, s.now().UTC()); err != nil {
		return s.loud("save", fmt.Errorf("save context %s: %w", projectID, err))
	}
	return nil
}

func (s *Postgres) CurrentPhase(ctx context.Context, projectID string) (domain.Phase, bool) {
	sctx := s.Load(ctx, projectID)
	if sctx == nil {
		return "", false
	}
	return sctx.CurrentPhase, true
}

func (s *Postgres) SetCurrentPhase(ctx context.Context, projectID string, phase domain.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return s.loud("set_phase", err)
	}
	defer tx.Rollback(ctx)

	sctx, err := scanContext(tx.QueryRow(ctx, `SELECT context_json FROM foundry_context WHERE project_id=$1 FOR UPDATE`, projectID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("replacing unreadable context", zap.String("project_id", projectID), zap.Error(err))
		}
		sctx = domain.DefaultContext(projectID)
	}
	sctx.CurrentPhase = phase
	payload, err := json.Marshal(sctx)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertContextSQL, projectID, payload, s.now().UTC()); err != nil {
		return s.loud("set_phase", err)
	}
	return s.loud("set_phase", tx.Commit(ctx))
}

func (s *Postgres) AddEvidence(ctx context.Context, ev domain.Evidence) (domain.Evidence, error) {
	ev, err := s.prepareEvidence(ev)
	if err != nil {
		return domain.Evidence{}, err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO evidence(id, project_id, phase, gate, task_id, type, name, description, file_path, hash, ci_job_id, ci_run_id, content, created_at, created_by, signature)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		ev.ID, ev.ProjectID, string(ev.Phase), ev.Gate, ev.TaskID, string(ev.Type), ev.Name, ev.Description, ev.FilePath,
		ev.Hash, ev.CIJobID, ev.CIRunID, ev.Content, ev.CreatedAt, ev.CreatedBy, ev.Signature)
	if err != nil {
		return domain.Evidence{}, s.loud("add_evidence", fmt.Errorf("insert evidence: %w", err))
	}
	return ev, nil
}

func (s *Postgres) Evidence(ctx context.Context, projectID string, f EvidenceFilter) []domain.Evidence {
	clauses := []string{"project_id=$1"}
	args := []any{projectID}
	if f.Phase != "" {
		args = append(args, string(f.Phase))
		clauses = append(clauses, "phase=$"+strconv.Itoa(len(args)))
	}
	if f.Gate != "" {
		args = append(args, f.Gate)
		clauses = append(clauses, "gate=$"+strconv.Itoa(len(args)))
	}
	rows, err := s.pool.Query(ctx, `SELECT id, project_id, phase, gate, task_id, type, name, description, file_path, hash, ci_job_id, ci_run_id, content, created_at, created_by, signature
FROM evidence WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at DESC, seq DESC`, args...)
	if err != nil {
		s.soft("evidence", projectID, err)
		return []domain.Evidence{}
	}
	defer rows.Close()
	out := []domain.Evidence{}
	for rows.Next() {
		var ev domain.Evidence
		var phase, typ string
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &phase, &ev.Gate, &ev.TaskID, &typ, &ev.Name, &ev.Description, &ev.FilePath,
			&ev.Hash, &ev.CIJobID, &ev.CIRunID, &ev.Content, &ev.CreatedAt, &ev.CreatedBy, &ev.Signature); err != nil {
			s.soft("evidence", projectID, err)
			continue
		}
		ev.Phase, ev.Type = domain.Phase(phase), domain.EvidenceType(typ)
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		s.soft("evidence", projectID, err)
	}
	return out
}

func (s *Postgres) RecordGateResult(ctx context.Context, projectID string, res domain.GateResult) (domain.GateResult, error) {
	res, err := s.prepareGateResult(projectID, res)
	if err != nil {
		return domain.GateResult{}, err
	}
	checks, err := json.Marshal(res.Checks)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("marshal gate checks: %w", err)
	}
	ids, err := json.Marshal(res.EvidenceIDs)
	if err != nil {
		return domain.GateResult{}, fmt.Errorf("marshal gate evidence: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO gate_evaluation(id, project_id, phase, gate_id, status, ts, checks, evidence_ids) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		res.ID, projectID, string(res.Phase), res.GateID, string(res.Status), res.Timestamp, checks, ids)
	if err != nil {
		return domain.GateResult{}, s.loud("record_gate", fmt.Errorf("insert gate result: %w", err))
	}
	return res, nil
}

func (s *Postgres) LastGateResults(ctx context.Context, projectID string, phase domain.Phase) []domain.GateResult {
	query := `SELECT id, phase, gate_id, status, ts, checks, evidence_ids FROM gate_evaluation WHERE project_id=$1`
	args := []any{projectID}
	if phase != "" {
		query += ` AND phase=$2`
		args = append(args, string(phase))
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY ts DESC, seq DESC`, args...)
	if err != nil {
		s.soft("gate_results", projectID, err)
		return []domain.GateResult{}
	}
	defer rows.Close()
	out := []domain.GateResult{}
	for rows.Next() {
		var (
			res             domain.GateResult
			ph, status      string
			checks, idsJSON []byte
		)
		if err := rows.Scan(&res.ID, &ph, &res.GateID, &status, &res.Timestamp, &checks, &idsJSON); err != nil {
			s.soft("gate_results", projectID, err)
			continue
		}
		res.Phase, res.Status = domain.Phase(ph), domain.GateStatus(status)
		res.Timestamp = res.Timestamp.UTC()
		res.Checks, res.EvidenceIDs = []domain.GateCheck{}, []string{}
		if err := json.Unmarshal(checks, &res.Checks); err != nil {
			s.soft("gate_results", projectID, err)
			continue
		}
		if err := json.Unmarshal(idsJSON, &res.EvidenceIDs); err != nil {
			s.soft("gate_results", projectID, err)
			continue
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		s.soft("gate_results", projectID, err)
	}
	return out
}

func (s *Postgres) AppendTransition(ctx context.Context, projectID string, rec domain.TransitionRecord) error {
	if projectID == "" {
		return ErrMissingProject
	}
	ids := rec.EvidenceIDs
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO transition_log(id, project_id, ts, from_phase, to_phase, event, actor, evidence_ids) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, projectID, rec.Timestamp.UTC(), string(rec.From), string(rec.To), string(rec.Event), rec.Actor, data)
	if err != nil {
		return s.loud("append_transition", fmt.Errorf("append transition: %w", err))
	}
	return nil
}

func (s *Postgres) Transitions(ctx context.Context, projectID string) []domain.TransitionRecord {
	rows, err := s.pool.Query(ctx, `SELECT id, ts, from_phase, to_phase, event, actor, evidence_ids FROM transition_log WHERE project_id=$1 ORDER BY seq ASC`, projectID)
	if err != nil {
		s.soft("transitions", projectID, err)
		return []domain.TransitionRecord{}
	}
	defer rows.Close()
	out := []domain.TransitionRecord{}
	for rows.Next() {
		var (
			rec             domain.TransitionRecord
			from, to, event string
			ids             []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &from, &to, &event, &rec.Actor, &ids); err != nil {
			s.soft("transitions", projectID, err)
			continue
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.From, rec.To, rec.Event = domain.Phase(from), domain.Phase(to), domain.Event(event)
		rec.EvidenceIDs = []string{}
		if err := json.Unmarshal(ids, &rec.EvidenceIDs); err != nil {
			s.soft("transitions", projectID, err)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		s.soft("transitions", projectID, err)
	}
	return out
}
