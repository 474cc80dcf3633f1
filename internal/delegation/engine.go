package delegation

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"foundry/internal/metrics"
)

const DefaultMaxConcurrency = 2

// PollState explains the outcome of Poll.
type PollState int

const (
	// Assigned means a task was moved to in_progress and returned.
	Assigned PollState = iota
	// Wait means nothing is selectable now but running work, or a runnable
	// task for another role, may unblock more.
	Wait
	// Drained means no pending or running work matches the role filter.
	Drained
	// Stalled means matching tasks are pending but can never become
	// selectable: nothing is running and no pending task of any role is
	// runnable.
	Stalled
)

func (s PollState) String() string {
	switch s {
	case Assigned:
		return "assigned"
	case Wait:
		return "wait"
	case Drained:
		return "drained"
	case Stalled:
		return "stalled"
	}
	return fmt.Sprintf("PollState(%d)", int(s))
}

type Option func(*Engine)

// WithMaxConcurrency caps simultaneous in-progress tasks. Values below 1 are
// raised to 1.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = max(1, n) }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCascadeFailure makes a terminal failure fail every pending task that
// transitively depends on it.
func WithCascadeFailure(enabled bool) Option {
	return func(e *Engine) { e.cascade = enabled }
}

// Engine is an in-memory queue of role-bound tasks with dependency gating,
// priority ordering, retries and a concurrency cap. All state is guarded by
// one mutex.
type Engine struct {
	mu             sync.Mutex
	tasks          map[string]*Task
	order          []string
	inProgress     map[string]struct{}
	seq            int
	maxConcurrency int
	cascade        bool

	now    func() time.Time
	logger *zap.Logger
}

func New(opts ...Option) *Engine {
	e := &Engine{
		tasks:          make(map[string]*Task),
		inProgress:     make(map[string]struct{}),
		maxConcurrency: DefaultMaxConcurrency,
		now:            time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) MaxConcurrency() int { return e.maxConcurrency }

// AddTasks enqueues specs as pending tasks. Ids already known are ignored.
func (e *Engine) AddTasks(specs ...TaskSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	for _, spec := range specs {
		if spec.ID == "" {
			continue
		}
		if _, ok := e.tasks[spec.ID]; ok {
			continue
		}
		retries := 1
		if spec.MaxRetries != nil {
			retries = max(0, *spec.MaxRetries)
		}
		priority := spec.Priority
		if priority == "" {
			priority = PriorityMedium
		}
		e.seq++
		task := &Task{
			ID:         spec.ID,
			Title:      spec.Title,
			RoleID:     spec.RoleID,
			Priority:   priority,
			DependsOn:  append([]string{}, spec.DependsOn...),
			MaxRetries: retries,
			Status:     StatusPending,
			Payload:    spec.Payload,
			CreatedAt:  now,
			UpdatedAt:  now,
			seq:        e.seq,
		}
		e.tasks[spec.ID] = task
		e.order = append(e.order, spec.ID)
	}
}

// NextTask assigns the best selectable task for roles (all roles when empty)
// and returns a copy of it.
func (e *Engine) NextTask(roles ...string) (Task, bool) {
	task, state := e.Poll(roles...)
	return task, state == Assigned
}

// Poll is NextTask with an explanation of why nothing was assigned. The
// verdict is computed under the same lock as the selection.
func (e *Engine) Poll(roles ...string) (Task, PollState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	allowed := roleFilter(roles)
	if len(e.inProgress) >= e.maxConcurrency {
		return Task{}, Wait
	}
	var candidates []*Task
	matching := 0
	runnable := false
	for _, id := range e.order {
		t := e.tasks[id]
		if t.Status == StatusPending && e.depsCompletedLocked(t) {
			runnable = true
		}
		if !allowed(t.RoleID) {
			continue
		}
		if t.Status == StatusPending || t.Status == StatusInProgress {
			matching++
		}
		if t.Status == StatusPending && e.depsCompletedLocked(t) {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		switch {
		case matching == 0:
			return Task{}, Drained
		case len(e.inProgress) > 0, runnable:
			// another role can still make progress
			return Task{}, Wait
		default:
			return Task{}, Stalled
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
			return wa > wb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
	t := candidates[0]
	t.Status = StatusInProgress
	t.Attempts++
	t.UpdatedAt = e.now()
	e.inProgress[t.ID] = struct{}{}
	metrics.TasksInProgress.Inc()
	metrics.TaskOutcomes.WithLabelValues("assigned").Inc()
	e.logger.Debug("task assigned",
		zap.String("task_id", t.ID),
		zap.String("role_id", t.RoleID),
		zap.Int("attempt", t.Attempts))
	return t.clone(), Assigned
}

// MarkCompleted records success and frees the task's slot.
func (e *Engine) MarkCompleted(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	t.Status = StatusCompleted
	t.LastError = ""
	t.UpdatedAt = e.now()
	e.releaseLocked(id)
	metrics.TaskOutcomes.WithLabelValues("completed").Inc()
}

// MarkFailed records errMsg and frees the task's slot. With retry set the
// task returns to pending while its attempts stay within MaxRetries;
// otherwise it fails terminally.
func (e *Engine) MarkFailed(id, errMsg string, retry bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	t.LastError = errMsg
	t.UpdatedAt = e.now()
	e.releaseLocked(id)
	if retry && t.Attempts <= t.MaxRetries {
		t.Status = StatusPending
		metrics.TaskOutcomes.WithLabelValues("retried").Inc()
		e.logger.Info("task will be retried",
			zap.String("task_id", id),
			zap.Int("attempts", t.Attempts),
			zap.Int("max_retries", t.MaxRetries),
			zap.String("error", errMsg))
		return
	}
	t.Status = StatusFailed
	metrics.TaskOutcomes.WithLabelValues("failed").Inc()
	e.logger.Warn("task failed",
		zap.String("task_id", id),
		zap.Int("attempts", t.Attempts),
		zap.String("error", errMsg))
	if e.cascade {
		e.cascadeLocked(id)
	}
}

// Reset forces a task back to pending, keeping its attempt count.
func (e *Engine) Reset(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	t.Status = StatusPending
	t.UpdatedAt = e.now()
	e.releaseLocked(id)
	metrics.TaskOutcomes.WithLabelValues("reset").Inc()
}

func (e *Engine) Task(id string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of every task in insertion order.
func (e *Engine) Tasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].clone())
	}
	return out
}

// HasRemainingWork reports whether any task is pending or in progress.
func (e *Engine) HasRemainingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.Status == StatusPending || t.Status == StatusInProgress {
			return true
		}
	}
	return false
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	for _, t := range e.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

func (e *Engine) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := e.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (e *Engine) releaseLocked(id string) {
	if _, ok := e.inProgress[id]; !ok {
		return
	}
	delete(e.inProgress, id)
	metrics.TasksInProgress.Dec()
}

func (e *Engine) cascadeLocked(failedID string) {
	queue := []string{failedID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range e.order {
			t := e.tasks[id]
			if t.Status != StatusPending || !dependsOn(t, cur) {
				continue
			}
			t.Status = StatusFailed
			t.LastError = fmt.Sprintf("dependency %s failed", cur)
			t.UpdatedAt = e.now()
			metrics.TaskOutcomes.WithLabelValues("cascaded").Inc()
			queue = append(queue, id)
		}
	}
}

func dependsOn(t *Task, id string) bool {
	for _, dep := range t.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}

func roleFilter(roles []string) func(string) bool {
	if len(roles) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return func(role string) bool {
		_, ok := set[role]
		return ok
	}
}
