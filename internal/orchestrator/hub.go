package orchestrator

import (
	"context"
	"sort"
	"sync"

	"foundry/internal/domain"
)

// Hub hands out one Orchestrator per project id so that all dispatches for
// a project in this process share one lock.
type Hub struct {
	deps Deps
	opts []Option

	mu            sync.Mutex
	orchestrators map[string]*Orchestrator
	subscribers   []func(projectID string, rec domain.TransitionRecord)
}

func NewHub(deps Deps, opts ...Option) *Hub {
	return &Hub{deps: deps, opts: opts, orchestrators: make(map[string]*Orchestrator)}
}

// Get returns the orchestrator for projectID, creating and resuming it on
// first use.
func (h *Hub) Get(ctx context.Context, projectID string) (*Orchestrator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.orchestrators[projectID]; ok {
		return o, nil
	}
	o, err := New(ctx, projectID, h.deps, h.opts...)
	if err != nil {
		return nil, err
	}
	for _, fn := range h.subscribers {
		o.Subscribe(bindProject(projectID, fn))
	}
	h.orchestrators[projectID] = o
	return o, nil
}

// Subscribe registers fn on every current and future orchestrator.
func (h *Hub) Subscribe(fn func(projectID string, rec domain.TransitionRecord)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
	for id, o := range h.orchestrators {
		o.Subscribe(bindProject(id, fn))
	}
}

// Projects lists the project ids loaded so far.
func (h *Hub) Projects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.orchestrators))
	for id := range h.orchestrators {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func bindProject(projectID string, fn func(string, domain.TransitionRecord)) func(domain.TransitionRecord) {
	return func(rec domain.TransitionRecord) { fn(projectID, rec) }
}
