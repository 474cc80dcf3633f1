package foundrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Foundry HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v0.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// TransitionRecord is one entry of the project history.
type TransitionRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Event       string    `json:"event"`
	Actor       string    `json:"actor"`
	EvidenceIDs []string  `json:"evidence_ids"`
}

// StateContext represents the persisted project context (partial).
type StateContext struct {
	CurrentPhase         string            `json:"current_phase"`
	PhaseIteration       int               `json:"phase_iteration"`
	RemediationIteration int               `json:"remediation_iteration"`
	Evidence             []string          `json:"evidence"`
	LastGateResults      map[string]string `json:"last_gate_results"`
}

// AvailableTransition is an event accepted in the current phase.
type AvailableTransition struct {
	Event  string `json:"event"`
	Target string `json:"target"`
}

// Snapshot represents the project state view.
type Snapshot struct {
	ProjectID            string                `json:"project_id"`
	Phase                string                `json:"phase"`
	Terminal             bool                  `json:"terminal"`
	AvailableTransitions []AvailableTransition `json:"available_transitions"`
	Context              *StateContext         `json:"context"`
	Delegation           TaskStats             `json:"delegation"`
}

// DispatchResult is returned by a successful dispatch.
type DispatchResult struct {
	Record  TransitionRecord `json:"record"`
	Phase   string           `json:"phase"`
	Context *StateContext    `json:"context"`
}

// Outcome reports what an interpreted input did.
type Outcome struct {
	Status        string          `json:"status"`
	Action        string          `json:"action,omitempty"`
	Event         string          `json:"event,omitempty"`
	Clarification string          `json:"clarification,omitempty"`
	Result        *DispatchResult `json:"result,omitempty"`
}

// Evidence represents a recorded evidence item.
type Evidence struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Phase       string    `json:"phase"`
	Gate        string    `json:"gate,omitempty"`
	TaskID      string    `json:"task_id,omitempty"`
	Type        string    `json:"type,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Hash        string    `json:"hash,omitempty"`
	CIJobID     string    `json:"ci_job_id,omitempty"`
	CIRunID     string    `json:"ci_run_id,omitempty"`
	Content     string    `json:"content,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
}

// EvidenceInput is the payload for AddEvidence.
type EvidenceInput struct {
	Type        string `json:"type,omitempty"`
	Name        string `json:"name"`
	Phase       string `json:"phase,omitempty"`
	Gate        string `json:"gate,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	Description string `json:"description,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Hash        string `json:"hash,omitempty"`
	CIJobID     string `json:"ci_job_id,omitempty"`
	CIRunID     string `json:"ci_run_id,omitempty"`
	Content     string `json:"content,omitempty"`
}

// GateCheck is a single check inside a gate result.
type GateCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GateResult represents a recorded gate evaluation.
type GateResult struct {
	ID          string      `json:"id"`
	GateID      string      `json:"gate_id"`
	Phase       string      `json:"phase"`
	Status      string      `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	Checks      []GateCheck `json:"checks"`
	EvidenceIDs []string    `json:"evidence_ids"`
}

// TaskSpec describes a task to delegate.
type TaskSpec struct {
	ID         string         `json:"id"`
	Title      string         `json:"title,omitempty"`
	RoleID     string         `json:"role_id"`
	Priority   string         `json:"priority,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Task represents a delegated task.
type Task struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	RoleID     string   `json:"role_id"`
	Priority   string   `json:"priority"`
	DependsOn  []string `json:"depends_on"`
	MaxRetries int      `json:"max_retries"`
	Attempts   int      `json:"attempts"`
	Status     string   `json:"status"`
	LastError  string   `json:"last_error,omitempty"`
}

// TaskStats counts tasks by status.
type TaskStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// TaskList wraps task listings.
type TaskList struct {
	Items []Task    `json:"items"`
	Stats TaskStats `json:"stats"`
}

// NextTask is the result of polling for work.
type NextTask struct {
	State string `json:"state"`
	Task  *Task  `json:"task,omitempty"`
}

// PaginatedHistory wraps history responses with cursors.
type PaginatedHistory struct {
	Items      []TransitionRecord `json:"items"`
	NextCursor string             `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Health pings the server.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

// State returns the project snapshot.
func (c *Client) State(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, c.projectPath("state"), nil, &resp)
	return resp, err
}

// Dispatch fires a lifecycle event.
func (c *Client) Dispatch(ctx context.Context, event string, evidenceIDs ...string) (DispatchResult, error) {
	body := map[string]any{"event": event}
	if len(evidenceIDs) > 0 {
		body["evidence_ids"] = evidenceIDs
	}
	var resp DispatchResult
	err := c.do(ctx, http.MethodPost, c.projectPath("dispatch"), body, &resp)
	return resp, err
}

// Interpret sends free-form input to the intent interpreter.
func (c *Client) Interpret(ctx context.Context, input string) (Outcome, error) {
	var resp Outcome
	err := c.do(ctx, http.MethodPost, c.projectPath("interpret"), map[string]any{"input": input}, &resp)
	return resp, err
}

// History returns the most recent transitions.
func (c *Client) History(ctx context.Context, limit int) ([]TransitionRecord, error) {
	page, err := c.HistoryPage(ctx, limit, "")
	return page.Items, err
}

// HistoryPage returns a paginated history listing.
func (c *Client) HistoryPage(ctx context.Context, limit int, cursor string) (PaginatedHistory, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedHistory
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("history"), q), nil, &resp)
	return resp, err
}

// AddEvidence records an evidence item.
func (c *Client) AddEvidence(ctx context.Context, ev EvidenceInput) (Evidence, error) {
	var resp Evidence
	err := c.do(ctx, http.MethodPost, c.projectPath("evidence"), ev, &resp)
	return resp, err
}

// ListEvidence returns evidence filtered by phase and gate.
func (c *Client) ListEvidence(ctx context.Context, phase, gate string) ([]Evidence, error) {
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	if gate != "" {
		q.Set("gate", gate)
	}
	var resp struct {
		Items []Evidence `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("evidence"), q), nil, &resp)
	return resp.Items, err
}

// RecordGate records a gate evaluation.
func (c *Client) RecordGate(ctx context.Context, gateID, status string, evidenceIDs []string, checks ...GateCheck) (GateResult, error) {
	body := map[string]any{"status": status}
	if len(evidenceIDs) > 0 {
		body["evidence_ids"] = evidenceIDs
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	var resp GateResult
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/results", url.PathEscape(gateID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GateResults lists recorded gate results, optionally for one phase.
func (c *Client) GateResults(ctx context.Context, phase string) ([]GateResult, error) {
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	var resp struct {
		Items []GateResult `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("gates"), q), nil, &resp)
	return resp.Items, err
}

// AddTasks queues tasks for delegation.
func (c *Client) AddTasks(ctx context.Context, specs ...TaskSpec) (TaskList, error) {
	var resp TaskList
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks"), map[string]any{"tasks": specs}, &resp)
	return resp, err
}

// Tasks lists delegated tasks.
func (c *Client) Tasks(ctx context.Context) (TaskList, error) {
	var resp TaskList
	err := c.do(ctx, http.MethodGet, c.projectPath("tasks"), nil, &resp)
	return resp, err
}

// NextTask asks for the next runnable task for the given roles.
func (c *Client) NextTask(ctx context.Context, roles ...string) (NextTask, error) {
	var body any
	if len(roles) > 0 {
		body = map[string]any{"roles": roles}
	}
	var resp NextTask
	err := c.do(ctx, http.MethodPost, c.projectPath("tasks/next"), body, &resp)
	return resp, err
}

// CompleteTask marks a task completed.
func (c *Client) CompleteTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "complete", nil)
}

// FailTask records a failure; retry asks for another attempt when budget remains.
func (c *Client) FailTask(ctx context.Context, id, reason string, retry bool) (Task, error) {
	return c.taskAction(ctx, id, "fail", map[string]any{"error": reason, "retry": retry})
}

// ResetTask returns a task to pending.
func (c *Client) ResetTask(ctx context.Context, id string) (Task, error) {
	return c.taskAction(ctx, id, "reset", nil)
}

func (c *Client) taskAction(ctx context.Context, id, action string, body any) (Task, error) {
	var resp Task
	endpoint := c.projectPath(fmt.Sprintf("tasks/%s/%s", url.PathEscape(id), action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
