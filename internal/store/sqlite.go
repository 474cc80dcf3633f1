package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/events"
	"foundry/internal/migrate"
)

// SQLite is the default Store backed by the workspace database.
type SQLite struct {
	base
	DB     *sql.DB
	events events.Writer
}

var _ Store = (*SQLite)(nil)

// NewSQLite wraps an already migrated database.
func NewSQLite(conn *sql.DB, opts ...Option) *SQLite {
	return &SQLite{
		base:   newBase("sqlite", opts),
		DB:     conn,
		events: events.Writer{DB: conn},
	}
}

// OpenSQLite opens and migrates the database described by cfg.
func OpenSQLite(ctx context.Context, cfg db.Config, opts ...Option) (*SQLite, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := NewSQLite(conn, opts...)
	if _, err := migrate.Up(ctx, conn, migrate.WithLogger(s.logger), migrate.WithClock(s.now)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadContext(ctx context.Context, q queryRower, projectID string) (*domain.StateContext, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT context_json FROM foundry_context WHERE project_id=?`, projectID).Scan(&payload)
	if err != nil {
		return nil, err
	}
	var sctx domain.StateContext
	if err := json.Unmarshal([]byte(payload), &sctx); err != nil {
		return nil, fmt.Errorf("corrupt context: %w", err)
	}
	return &sctx, nil
}

func (s *SQLite) Load(ctx context.Context, projectID string) *domain.StateContext {
	sctx, err := loadContext(ctx, s.DB, projectID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.soft("load", projectID, err)
		}
		return nil
	}
	return sctx
}

func (s *SQLite) Save(ctx context.Context, projectID string, sctx *domain.StateContext) error {
	return s.loud("save", s.save(ctx, s.DB, projectID, sctx))
}

func (s *SQLite) save(ctx context.Context, exec events.Execer, projectID string, sctx *domain.StateContext) error {
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
	_, err = exec.ExecContext(ctx, `INSERT INTO foundry_context(project_id,context_json,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET context_json=excluded.context_json, updated_at=excluded.updated_at`,
		projectID, string(payload), db.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("save context %s: %w", projectID, err)
	}
	return nil
}

func (s *SQLite) CurrentPhase(ctx context.Context, projectID string) (domain.Phase, bool) {
	sctx := s.Load(ctx, projectID)
	if sctx == nil {
		return "", false
	}
	return sctx.CurrentPhase, true
}

// SetCurrentPhase updates the stored phase, creating the default context
// when the project has none.
func (s *SQLite) SetCurrentPhase(ctx context.Context, projectID string, phase domain.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return s.loud("set_phase", err)
	}
	defer tx.Rollback()

	sctx, err := loadContext(ctx, tx, projectID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("replacing unreadable context", zap.String("project_id", projectID), zap.Error(err))
		}
		sctx = domain.DefaultContext(projectID)
	}
	sctx.CurrentPhase = phase
	if err := s.save(ctx, tx, projectID, sctx); err != nil {
		return s.loud("set_phase", err)
	}
	return s.loud("set_phase", tx.Commit())
}

func (s *SQLite) AddEvidence(ctx context.Context, ev domain.Evidence) (domain.Evidence, error) {
	ev, err := s.prepareEvidence(ev)
	if err != nil {
		return domain.Evidence{}, err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO evidence(id,project_id,phase,gate,task_id,type,name,description,file_path,hash,ci_job_id,ci_run_id,content,created_at,created_by,signature)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ProjectID, string(ev.Phase), nullable(ev.Gate), nullable(ev.TaskID), string(ev.Type), ev.Name,
		nullable(ev.Description), nullable(ev.FilePath), nullable(ev.Hash), nullable(ev.CIJobID), nullable(ev.CIRunID),
		nullable(ev.Content), db.FormatTime(ev.CreatedAt), ev.CreatedBy, nullable(ev.Signature))
	if err != nil {
		return domain.Evidence{}, s.loud("add_evidence", fmt.Errorf("insert evidence: %w", err))
	}
	return ev, nil
}

func (s *SQLite) Evidence(ctx context.Context, projectID string, f EvidenceFilter) []domain.Evidence {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, string(f.Phase))
	}
	if f.Gate != "" {
		clauses = append(clauses, "gate=?")
		args = append(args, f.Gate)
	}
	query := `SELECT id,project_id,phase,COALESCE(gate,''),COALESCE(task_id,''),type,name,COALESCE(description,''),COALESCE(file_path,''),
COALESCE(hash,''),COALESCE(ci_job_id,''),COALESCE(ci_run_id,''),COALESCE(content,''),created_at,created_by,COALESCE(signature,'')
FROM evidence WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		s.soft("evidence", projectID, err)
		return []domain.Evidence{}
	}
	defer rows.Close()
	res := []domain.Evidence{}
	for rows.Next() {
		var (
			ev        domain.Evidence
			phase     string
			typ       string
			createdAt string
		)
		if err := rows.Scan(&ev.ID, &ev.ProjectID, &phase, &ev.Gate, &ev.TaskID, &typ, &ev.Name, &ev.Description, &ev.FilePath,
			&ev.Hash, &ev.CIJobID, &ev.CIRunID, &ev.Content, &createdAt, &ev.CreatedBy, &ev.Signature); err != nil {
			s.soft("evidence", projectID, err)
			continue
		}
		ev.Phase, ev.Type = domain.Phase(phase), domain.EvidenceType(typ)
		if ev.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			s.soft("evidence", projectID, err)
			continue
		}
		res = append(res, ev)
	}
	if err := rows.Err(); err != nil {
		s.soft("evidence", projectID, err)
	}
	return res
}

func (s *SQLite) RecordGateResult(ctx context.Context, projectID string, res domain.GateResult) (domain.GateResult, error) {
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
	_, err = s.DB.ExecContext(ctx, `INSERT INTO gate_evaluation(id,project_id,phase,gate_id,status,ts,checks_json,evidence_ids_json) VALUES (?,?,?,?,?,?,?,?)`,
		res.ID, projectID, string(res.Phase), res.GateID, string(res.Status), db.FormatTime(res.Timestamp), string(checks), string(ids))
	if err != nil {
		return domain.GateResult{}, s.loud("record_gate", fmt.Errorf("insert gate result: %w", err))
	}
	return res, nil
}

// LastGateResults returns every result recorded for phase, newest first. An
// empty phase returns results for all phases.
func (s *SQLite) LastGateResults(ctx context.Context, projectID string, phase domain.Phase) []domain.GateResult {
	query := `SELECT id,phase,gate_id,status,ts,checks_json,evidence_ids_json FROM gate_evaluation WHERE project_id=?`
	args := []any{projectID}
	if phase != "" {
		query += ` AND phase=?`
		args = append(args, string(phase))
	}
	query += ` ORDER BY ts DESC, seq DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		s.soft("gate_results", projectID, err)
		return []domain.GateResult{}
	}
	defer rows.Close()
	out := []domain.GateResult{}
	for rows.Next() {
		var (
			res                 domain.GateResult
			ph, status, ts      string
			checksJSON, idsJSON string
		)
		if err := rows.Scan(&res.ID, &ph, &res.GateID, &status, &ts, &checksJSON, &idsJSON); err != nil {
			s.soft("gate_results", projectID, err)
			continue
		}
		res.Phase, res.Status = domain.Phase(ph), domain.GateStatus(status)
		if err := decodeGateResult(&res, ts, checksJSON, idsJSON); err != nil {
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

func decodeGateResult(res *domain.GateResult, ts, checksJSON, idsJSON string) error {
	var err error
	if res.Timestamp, err = db.ParseTime(ts); err != nil {
		return fmt.Errorf("gate result %s: %w", res.ID, err)
	}
	res.Checks = []domain.GateCheck{}
	if err := json.Unmarshal([]byte(checksJSON), &res.Checks); err != nil {
		return fmt.Errorf("gate result %s checks: %w", res.ID, err)
	}
	res.EvidenceIDs = []string{}
	if err := json.Unmarshal([]byte(idsJSON), &res.EvidenceIDs); err != nil {
		return fmt.Errorf("gate result %s evidence: %w", res.ID, err)
	}
	return nil
}

func (s *SQLite) AppendTransition(ctx context.Context, projectID string, rec domain.TransitionRecord) error {
	if projectID == "" {
		return ErrMissingProject
	}
	if err := s.events.Append(ctx, nil, projectID, rec); err != nil {
		return s.loud("append_transition", fmt.Errorf("append transition: %w", err))
	}
	return nil
}

func (s *SQLite) Transitions(ctx context.Context, projectID string) []domain.TransitionRecord {
	recs, err := s.events.List(ctx, projectID)
	if err != nil {
		s.soft("transitions", projectID, err)
		return []domain.TransitionRecord{}
	}
	return recs
}
