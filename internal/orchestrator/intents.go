package orchestrator

import (
	"errors"
	"sort"

	"foundry/internal/domain"
	"foundry/internal/intent"
)

// ErrUnhandledIntent is returned in strict mode when an interpreted action
// has no event mapping.
var ErrUnhandledIntent = errors.New("unhandled intent")

var actionEvents = map[string]domain.Event{
	"init_project":         domain.EventInitProject,
	"start_phase":          domain.EventStartPhase,
	"complete_task":        domain.EventCompleteTask,
	"run_gates":            domain.EventRunGates,
	"gates_passed":         domain.EventGatesPassed,
	"gates_failed":         domain.EventGatesFailed,
	"start_remediation":    domain.EventStartRemediation,
	"complete_remediation": domain.EventCompleteRemediation,
	"start_feature_loop":   domain.EventStartFeatureLoop,
	"complete_feature":     domain.EventCompleteFeature,
	"approve_phase":        domain.EventApprovePhase,
	"request_release":      domain.EventRequestRelease,
	"approve_release":      domain.EventApproveRelease,
	"reject_release":       domain.EventRejectRelease,
	"pause":                domain.EventPause,
	"resume":               domain.EventResume,
	"abort":                domain.EventAbort,
}

// ActionEvent maps an intent action to the event it dispatches.
func ActionEvent(action string) (domain.Event, bool) {
	ev, ok := actionEvents[action]
	return ev, ok
}

// Actions lists every mapped action, sorted.
func Actions() []string {
	out := make([]string, 0, len(actionEvents))
	for a := range actionEvents {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

type OutcomeStatus string

const (
	OutcomeDispatched OutcomeStatus = "dispatched"
	OutcomeNoIntent   OutcomeStatus = "no_intent"
	OutcomeUnhandled  OutcomeStatus = "unhandled"
	OutcomeRejected   OutcomeStatus = "rejected"
)

// Outcome reports what Interpret did with the input.
type Outcome struct {
	Status        OutcomeStatus   `json:"status" enum:"dispatched,no_intent,unhandled,rejected"`
	Action        string          `json:"action,omitempty"`
	Event         domain.Event    `json:"event,omitempty"`
	Clarification string          `json:"clarification,omitempty"`
	Intent        *intent.Intent  `json:"intent,omitempty"`
	Result        *DispatchResult `json:"result,omitempty"`
}
