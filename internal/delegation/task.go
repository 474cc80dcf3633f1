package delegation

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight orders priorities; unknown values sort last.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Task is a unit of work bound to a role. Values handed out by the engine are
// copies.
type Task struct {
	ID         string         `json:"id" yaml:"id"`
	Title      string         `json:"title" yaml:"title"`
	RoleID     string         `json:"role_id" yaml:"role_id"`
	Priority   Priority       `json:"priority" yaml:"priority" enum:"low,medium,high"`
	DependsOn  []string       `json:"depends_on" yaml:"depends_on"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Attempts   int            `json:"attempts" yaml:"attempts"`
	Status     Status         `json:"status" yaml:"status" enum:"pending,in_progress,completed,failed"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	LastError  string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at" format:"date-time"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"updated_at" format:"date-time"`

	seq int
}

// TaskSpec describes a task to enqueue. A nil MaxRetries means one retry.
type TaskSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	RoleID     string         `json:"role_id" yaml:"role_id"`
	Priority   Priority       `json:"priority,omitempty" yaml:"priority,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

func (t *Task) clone() Task {
	out := *t
	out.DependsOn = append([]string{}, t.DependsOn...)
	if t.Payload != nil {
		out.Payload = make(map[string]any, len(t.Payload))
		for k, v := range t.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// Stats is a count of tasks by status.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
