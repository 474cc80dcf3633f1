package domain

import "time"

// Phase is a named lifecycle stage of a project. Exactly one phase is
// current per project at any time.
type Phase string

const (
	PhaseIdle                  Phase = "idle"
	PhaseDiscovery             Phase = "discovery"
	PhaseArchitecture          Phase = "architecture"
	PhaseSecurityFoundation    Phase = "security_foundation"
	PhaseFeatureLoop           Phase = "feature_loop"
	PhaseHardening             Phase = "hardening"
	PhaseReleaseReadiness      Phase = "release_readiness"
	PhaseFeaturePlanning       Phase = "feature_planning"
	PhaseFeatureImplementation Phase = "feature_implementation"
	PhaseFeatureReview         Phase = "feature_review"
	PhaseFeatureDone           Phase = "feature_done"
	PhaseGateEvaluation        Phase = "gate_evaluation"
	PhaseRemediation           Phase = "remediation"
	PhaseRemediationWork       Phase = "remediation_work"
	PhaseReleaseReview         Phase = "release_review"
	PhasePaused                Phase = "paused"
	PhaseReturnToCaller        Phase = "return_to_caller"
	PhaseReleased              Phase = "released"
	PhaseAborted               Phase = "aborted"
)

var phases = []Phase{
	PhaseIdle, PhaseDiscovery, PhaseArchitecture, PhaseSecurityFoundation, PhaseFeatureLoop,
	PhaseHardening, PhaseReleaseReadiness, PhaseFeaturePlanning, PhaseFeatureImplementation,
	PhaseFeatureReview, PhaseFeatureDone, PhaseGateEvaluation, PhaseRemediation,
	PhaseRemediationWork, PhaseReleaseReview, PhasePaused, PhaseReturnToCaller,
	PhaseReleased, PhaseAborted,
}

// Phases returns every known phase in lifecycle order.
func Phases() []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

func (p Phase) Valid() bool {
	for _, known := range phases {
		if p == known {
			return true
		}
	}
	return false
}

func (p Phase) String() string { return string(p) }

// Event is a named stimulus that may move a project to another phase.
type Event string

const (
	EventInitProject         Event = "INIT_PROJECT"
	EventStartPhase          Event = "START_PHASE"
	EventCompleteTask        Event = "COMPLETE_TASK"
	EventRunGates            Event = "RUN_GATES"
	EventGatesPassed         Event = "GATES_PASSED"
	EventGatesFailed         Event = "GATES_FAILED"
	EventStartRemediation    Event = "START_REMEDIATION"
	EventCompleteRemediation Event = "COMPLETE_REMEDIATION"
	EventStartFeatureLoop    Event = "START_FEATURE_LOOP"
	EventCompleteFeature     Event = "COMPLETE_FEATURE"
	EventApprovePhase        Event = "APPROVE_PHASE"
	EventRequestRelease      Event = "REQUEST_RELEASE"
	EventApproveRelease      Event = "APPROVE_RELEASE"
	EventRejectRelease       Event = "REJECT_RELEASE"
	EventPause               Event = "PAUSE"
	EventResume              Event = "RESUME"
	EventAbort               Event = "ABORT"
)

var events = []Event{
	EventInitProject, EventStartPhase, EventCompleteTask, EventRunGates, EventGatesPassed,
	EventGatesFailed, EventStartRemediation, EventCompleteRemediation, EventStartFeatureLoop,
	EventCompleteFeature, EventApprovePhase, EventRequestRelease, EventApproveRelease,
	EventRejectRelease, EventPause, EventResume, EventAbort,
}

// Events returns every known event.
func Events() []Event {
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

func (e Event) Valid() bool {
	for _, known := range events {
		if e == known {
			return true
		}
	}
	return false
}

func (e Event) String() string { return string(e) }

// SystemActor is recorded when a dispatch names no actor.
const SystemActor = "SYSTEM"

// TransitionRecord is the immutable audit entry appended on every successful
// phase change.
type TransitionRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp" format:"date-time"`
	From        Phase     `json:"from"`
	To          Phase     `json:"to"`
	Event       Event     `json:"event"`
	Actor       string    `json:"actor"`
	EvidenceIDs []string  `json:"evidence_ids"`
}

type ParallelStateType string

const (
	ParallelSecurityMonitoring   ParallelStateType = "security_monitoring"
	ParallelComplianceMonitoring ParallelStateType = "compliance_monitoring"
	ParallelObservability        ParallelStateType = "observability"
)

// ParallelStateTypes lists the concurrent monitoring dimensions in a fixed order.
func ParallelStateTypes() []ParallelStateType {
	return []ParallelStateType{ParallelSecurityMonitoring, ParallelComplianceMonitoring, ParallelObservability}
}

type ParallelStatus string

const (
	ParallelActive ParallelStatus = "active"
	ParallelPaused ParallelStatus = "paused"
	ParallelError  ParallelStatus = "error"
)

type ParallelState struct {
	Type      ParallelStateType `json:"type" enum:"security_monitoring,compliance_monitoring,observability"`
	Status    ParallelStatus    `json:"status" enum:"active,paused,error"`
	LastCheck time.Time         `json:"last_check" format:"date-time"`
	Metrics   map[string]any    `json:"metrics"`
}

// Clone returns a copy whose metrics map can be mutated independently.
func (s ParallelState) Clone() ParallelState {
	out := s
	out.Metrics = make(map[string]any, len(s.Metrics))
	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}
	return out
}

type EvidenceType string

const (
	EvidenceFile        EvidenceType = "file"
	EvidenceCIJob       EvidenceType = "ci_job"
	EvidenceTestReport  EvidenceType = "test_report"
	EvidenceVulnReport  EvidenceType = "vuln_report"
	EvidenceAuditReport EvidenceType = "audit_report"
	EvidenceConfigRef   EvidenceType = "config_ref"
	EvidenceDocRef      EvidenceType = "doc_ref"
	EvidenceScreenshot  EvidenceType = "screenshot"
)

func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceFile, EvidenceCIJob, EvidenceTestReport, EvidenceVulnReport,
		EvidenceAuditReport, EvidenceConfigRef, EvidenceDocRef, EvidenceScreenshot:
		return true
	}
	return false
}

// Evidence is an immutable record proving that a gate check or task was
// satisfied.
type Evidence struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Phase       Phase        `json:"phase"`
	Gate        string       `json:"gate,omitempty"`
	TaskID      string       `json:"task_id,omitempty"`
	Type        EvidenceType `json:"type" enum:"file,ci_job,test_report,vuln_report,audit_report,config_ref,doc_ref,screenshot"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	FilePath    string       `json:"file_path,omitempty"`
	Hash        string       `json:"hash,omitempty"`
	CIJobID     string       `json:"ci_job_id,omitempty"`
	CIRunID     string       `json:"ci_run_id,omitempty"`
	Content     string       `json:"content,omitempty"`
	CreatedAt   time.Time    `json:"created_at" format:"date-time"`
	CreatedBy   string       `json:"created_by"`
	Signature   string       `json:"signature,omitempty"`
}

type GateStatus string

const (
	GatePassed GateStatus = "passed"
	GateFailed GateStatus = "failed"
	GateError  GateStatus = "error"
)

func (s GateStatus) Valid() bool {
	return s == GatePassed || s == GateFailed || s == GateError
}

type GateCheck struct {
	Name    string     `json:"name"`
	Status  GateStatus `json:"status" enum:"passed,failed,error"`
	Message string     `json:"message,omitempty"`
}

// GateResult is one evaluation of a quality gate. Results are append-only.
type GateResult struct {
	ID          string      `json:"id"`
	GateID      string      `json:"gate_id"`
	Phase       Phase       `json:"phase"`
	Status      GateStatus  `json:"status" enum:"passed,failed,error"`
	Timestamp   time.Time   `json:"timestamp" format:"date-time"`
	Checks      []GateCheck `json:"checks"`
	EvidenceIDs []string    `json:"evidence_ids"`
}
