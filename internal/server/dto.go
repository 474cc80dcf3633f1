package server

import (
	"foundry/internal/delegation"
	"foundry/internal/domain"
	"foundry/internal/store"
)

// Request payloads

type DispatchRequest struct {
	Event       domain.Event `json:"event" example:"INIT_PROJECT"`
	EvidenceIDs []string     `json:"evidence_ids,omitempty"`
}

type InterpretRequest struct {
	Input string `json:"input" minLength:"1" example:"run the gates"`
}

type ParallelUpdateRequest struct {
	Status  domain.ParallelStatus `json:"status,omitempty" enum:"active,paused,error"`
	Metrics map[string]any        `json:"metrics,omitempty"`
}

type AddEvidenceRequest struct {
	Type        domain.EvidenceType `json:"type,omitempty" enum:"file,ci_job,test_report,vuln_report,audit_report,config_ref,doc_ref,screenshot"`
	Name        string              `json:"name" minLength:"1"`
	Phase       domain.Phase        `json:"phase,omitempty"`
	Gate        string              `json:"gate,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	Description string              `json:"description,omitempty"`
	FilePath    string              `json:"file_path,omitempty"`
	Hash        string              `json:"hash,omitempty"`
	CIJobID     string              `json:"ci_job_id,omitempty"`
	CIRunID     string              `json:"ci_run_id,omitempty"`
	Content     string              `json:"content,omitempty"`
	Signature   string              `json:"signature,omitempty"`
}

type RecordGateRequest struct {
	Status      domain.GateStatus  `json:"status" enum:"passed,failed,error"`
	Phase       domain.Phase       `json:"phase,omitempty"`
	Checks      []domain.GateCheck `json:"checks,omitempty"`
	EvidenceIDs []string           `json:"evidence_ids,omitempty"`
}

type AddTasksRequest struct {
	Tasks []delegation.TaskSpec `json:"tasks" minItems:"1"`
}

type NextTaskRequest struct {
	Roles []string `json:"roles,omitempty"`
}

type FailTaskRequest struct {
	Error string `json:"error"`
	Retry bool   `json:"retry,omitempty"`
}

// Responses

type HistoryResponse struct {
	Items      []domain.TransitionRecord `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

type EvidenceList struct {
	Items []domain.Evidence `json:"items"`
}

type GateResultList struct {
	Items []domain.GateResult `json:"items"`
}

type TaskList struct {
	Items []delegation.Task `json:"items"`
	Stats delegation.Stats  `json:"stats"`
}

type NextTaskResponse struct {
	State string           `json:"state" enum:"assigned,wait,drained,stalled"`
	Task  *delegation.Task `json:"task,omitempty"`
}

func (r AddEvidenceRequest) evidence(actor string) domain.Evidence {
	return domain.Evidence{
		Phase:       r.Phase,
		Gate:        r.Gate,
		TaskID:      r.TaskID,
		Type:        r.Type,
		Name:        r.Name,
		Description: r.Description,
		FilePath:    r.FilePath,
		Hash:        r.Hash,
		CIJobID:     r.CIJobID,
		CIRunID:     r.CIRunID,
		Content:     r.Content,
		CreatedBy:   actor,
		Signature:   r.Signature,
	}
}

func evidenceFilter(phase, gate string) store.EvidenceFilter {
	return store.EvidenceFilter{Phase: domain.Phase(phase), Gate: gate}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
