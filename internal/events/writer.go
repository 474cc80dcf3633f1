// Package events persists the phase transition log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"foundry/internal/db"
	"foundry/internal/domain"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Entry is a stored transition record with its log position.
type Entry struct {
	Seq       int64  `json:"seq"`
	ProjectID string `json:"project_id"`
	domain.TransitionRecord
}

type Writer struct {
	DB *sql.DB
}

// Append stores rec for projectID using exec, or the writer's DB when exec
// is nil.
func (w Writer) Append(ctx context.Context, exec Execer, projectID string, rec domain.TransitionRecord) error {
	if exec == nil {
		exec = w.DB
	}
	ids := rec.EvidenceIDs
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO transition_log(id,project_id,ts,from_phase,to_phase,event,actor,evidence_ids_json) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, projectID, db.FormatTime(rec.Timestamp), string(rec.From), string(rec.To), string(rec.Event), rec.Actor, string(data))
	return err
}

// List returns the project's transitions oldest first.
func (w Writer) List(ctx context.Context, projectID string) ([]domain.TransitionRecord, error) {
	entries, err := w.After(ctx, projectID, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TransitionRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.TransitionRecord)
	}
	return out, nil
}

// After returns entries with a sequence greater than cursor, oldest first.
// An empty projectID spans all projects; a limit of 0 means no limit.
func (w Writer) After(ctx context.Context, projectID string, cursor int64, limit int) ([]Entry, error) {
	query := `SELECT seq,project_id,id,ts,from_phase,to_phase,event,actor,evidence_ids_json FROM transition_log WHERE seq>?`
	args := []any{cursor}
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var (
			e        Entry
			ts       string
			from, to string
			event    string
			ids      string
		)
		if err := rows.Scan(&e.Seq, &e.ProjectID, &e.ID, &ts, &from, &to, &event, &e.Actor, &ids); err != nil {
			return nil, err
		}
		if e.Timestamp, err = db.ParseTime(ts); err != nil {
			return nil, fmt.Errorf("transition %s: %w", e.ID, err)
		}
		e.From, e.To, e.Event = domain.Phase(from), domain.Phase(to), domain.Event(event)
		e.EvidenceIDs = []string{}
		if err := json.Unmarshal([]byte(ids), &e.EvidenceIDs); err != nil {
			return nil, fmt.Errorf("transition %s evidence ids: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
