package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"foundry/internal/delegation"
	"foundry/internal/domain"
	"foundry/internal/machine"
	"foundry/internal/orchestrator"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

var projectErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerState(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/state",
		Summary:     "Current phase, context and monitors",
		Tags:        []string{"state"},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body orchestrator.Snapshot `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body orchestrator.Snapshot `json:"body"`
		}{Body: o.Snapshot(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Events accepted from the current phase",
		Tags:        []string{"state"},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []machine.AvailableTransition `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return &struct {
			Body []machine.AvailableTransition `json:"body"`
		}{Body: nonNilSlice(o.AvailableTransitions())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispatch-event",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/dispatch",
		Summary:     "Dispatch a lifecycle event",
		Tags:        []string{"state"},
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      DispatchRequest
	}) (*struct {
		Body orchestrator.DispatchResult `json:"body"`
	}, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if !input.Body.Event.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event", map[string]any{"event": string(input.Body.Event)})
		}
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		payload := machine.Payload{machine.PayloadActor: actor}
		if len(input.Body.EvidenceIDs) > 0 {
			payload[machine.PayloadEvidenceIDs] = input.Body.EvidenceIDs
		}
		res, err := o.Dispatch(ctx, input.Body.Event, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.DispatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "interpret",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/interpret",
		Summary:     "Interpret free-form input and dispatch the matching event",
		Tags:        []string{"state"},
		Errors:      projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      InterpretRequest
	}) (*struct {
		Body orchestrator.Outcome `json:"body"`
	}, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		out, err := o.Interpret(ctx, input.Body.Input, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body orchestrator.Outcome `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/history",
		Summary:     "Transition history, oldest first",
		Tags:        []string{"state"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		offset := 0
		if input.Cursor != "" {
			parsed, err := strconv.Atoi(input.Cursor)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			offset = parsed
		}
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		limit := normalizeLimit(input.Limit)
		history := o.History()
		resp := HistoryResponse{Items: []domain.TransitionRecord{}}
		if offset < len(history) {
			end := min(offset+limit, len(history))
			resp.Items = append(resp.Items, history[offset:end]...)
			if end < len(history) {
				resp.NextCursor = strconv.Itoa(end)
			}
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-parallel-state",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/parallel/{type}",
		Summary:     "Update a monitoring dimension",
		Tags:        []string{"state"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `path:"type" enum:"security_monitoring,compliance_monitoring,observability"`
		Body      ParallelUpdateRequest
	}) (*struct {
		Body domain.ParallelState `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		typ := domain.ParallelStateType(input.Type)
		o.UpdateParallelState(typ, machine.ParallelStateUpdate{Status: input.Body.Status, Metrics: input.Body.Metrics})
		return &struct {
			Body domain.ParallelState `json:"body"`
		}{Body: o.Snapshot(ctx).ParallelStates[typ]}, nil
	})
}

func registerEvidence(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-evidence",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/evidence",
		Summary:       "Record evidence",
		Tags:          []string{"evidence"},
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AddEvidenceRequest
	}) (*struct {
		Body domain.Evidence `json:"body"`
	}, error) {
		actor, herr := actorIDFromContext(ctx)
		if herr != nil {
			return nil, herr
		}
		if input.Body.Phase != "" && !input.Body.Phase.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown phase", map[string]any{"phase": string(input.Body.Phase)})
		}
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		ev, err := o.AddEvidence(ctx, input.Body.evidence(actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Evidence `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/evidence",
		Summary:     "List evidence",
		Tags:        []string{"evidence"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     string `query:"phase"`
		Gate      string `query:"gate"`
	}) (*struct {
		Body EvidenceList `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		items := o.Evidence(ctx, evidenceFilter(input.Phase, input.Gate))
		return &struct {
			Body EvidenceList `json:"body"`
		}{Body: EvidenceList{Items: nonNilSlice(items)}}, nil
	})
}

func registerGates(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-gate-result",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/gates/{gate_id}/results",
		Summary:       "Record a gate evaluation",
		Tags:          []string{"gates"},
		DefaultStatus: http.StatusCreated,
		Errors:        projectErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		GateID    string `path:"gate_id"`
		Body      RecordGateRequest
	}) (*struct {
		Body domain.GateResult `json:"body"`
	}, error) {
		gate, ok := h.gate(input.GateID)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "unknown_gate", fmt.Sprintf("gate %s is not in the catalog", input.GateID), map[string]any{"gate_id": input.GateID})
		}
		phase := input.Body.Phase
		if phase == "" {
			phase = gate.Phase
		}
		if phase != "" && !phase.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown phase", map[string]any{"phase": string(phase)})
		}
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		if input.Body.Status == domain.GatePassed {
			if missing := missingEvidence(ctx, o, gate.RequireEvidence, input.Body.EvidenceIDs); len(missing) > 0 {
				return nil, newAPIError(http.StatusUnprocessableEntity, "missing_evidence",
					fmt.Sprintf("gate %s cannot pass without evidence", input.GateID),
					map[string]any{"missing": missing})
			}
		}
		res, err := o.RecordGateResult(ctx, domain.GateResult{
			GateID:      input.GateID,
			Phase:       phase,
			Status:      input.Body.Status,
			Checks:      input.Body.Checks,
			EvidenceIDs: input.Body.EvidenceIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GateResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gate-results",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "Gate evaluations for a phase, newest first",
		Tags:        []string{"gates"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Phase     string `query:"phase"`
	}) (*struct {
		Body GateResultList `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		phase := domain.Phase(input.Phase)
		if phase == "" {
			phase = o.CurrentPhase()
		}
		return &struct {
			Body GateResultList `json:"body"`
		}{Body: GateResultList{Items: nonNilSlice(o.LastGateResults(ctx, phase))}}, nil
	})
}

// missingEvidence returns the required evidence types not covered by ids.
func missingEvidence(ctx context.Context, o *orchestrator.Orchestrator, required []domain.EvidenceType, ids []string) []domain.EvidenceType {
	if len(required) == 0 {
		return nil
	}
	referenced := make(map[string]bool, len(ids))
	for _, id := range ids {
		referenced[id] = true
	}
	have := map[domain.EvidenceType]bool{}
	for _, ev := range o.Evidence(ctx, evidenceFilter("", "")) {
		if referenced[ev.ID] {
			have[ev.Type] = true
		}
	}
	var missing []domain.EvidenceType
	for _, typ := range required {
		if !have[typ] {
			missing = append(missing, typ)
		}
	}
	return missing
}

func registerTasks(api huma.API, h handlers) {
	type taskPath struct {
		ProjectID string `path:"project_id"`
		TaskID    string `path:"task_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "add-tasks",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "Enqueue delegated tasks",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      AddTasksRequest
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		eng := o.Delegation()
		eng.AddTasks(input.Body.Tasks...)
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilSlice(eng.Tasks()), Stats: eng.Stats()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List delegated tasks",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		eng := o.Delegation()
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: nonNilSlice(eng.Tasks()), Stats: eng.Stats()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "next-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/next",
		Summary:     "Claim the next selectable task",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      NextTaskRequest `required:"false"`
	}) (*struct {
		Body NextTaskResponse `json:"body"`
	}, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		task, state := o.Delegation().Poll(input.Body.Roles...)
		resp := NextTaskResponse{State: state.String()}
		if state == delegation.Assigned {
			resp.Task = &task
		}
		return &struct {
			Body NextTaskResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{task_id}",
		Summary:     "Get a delegated task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		return taskResponse(o.Delegation(), input.TaskID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/complete",
		Summary:     "Mark a task completed",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		o.Delegation().MarkCompleted(input.TaskID)
		return taskResponse(o.Delegation(), input.TaskID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/fail",
		Summary:     "Record a task failure",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `path:"task_id"`
		Body      FailTaskRequest
	}) (*taskBody, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		o.Delegation().MarkFailed(input.TaskID, input.Body.Error, input.Body.Retry)
		return taskResponse(o.Delegation(), input.TaskID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{task_id}/reset",
		Summary:     "Return a task to pending",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		o, herr := h.project(ctx, input.ProjectID)
		if herr != nil {
			return nil, herr
		}
		o.Delegation().Reset(input.TaskID)
		return taskResponse(o.Delegation(), input.TaskID)
	})
}

type taskBody struct {
	Body delegation.Task `json:"body"`
}

func taskResponse(eng *delegation.Engine, id string) (*taskBody, error) {
	task, ok := eng.Task(id)
	if !ok {
		return nil, handleError(fmt.Errorf("task %s: %w", id, errNotFound))
	}
	return &taskBody{Body: task}, nil
}
