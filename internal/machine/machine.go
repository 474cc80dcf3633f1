package machine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"foundry/internal/domain"
)

// Payload carries optional dispatch data. Recognised keys are "actor"
// (string) and "evidenceIds" (list of ids).
type Payload map[string]any

const (
	PayloadActor       = "actor"
	PayloadEvidenceIDs = "evidenceIds"
)

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	Phase          domain.Phase                                        `json:"phase"`
	ParallelStates map[domain.ParallelStateType]domain.ParallelState `json:"parallel_states"`
	Context        *domain.StateContext                                `json:"context"`
	Timestamp      time.Time                                           `json:"timestamp"`
}

// ParallelStateUpdate is a partial update. Empty fields are left untouched and
// Metrics is merged key by key.
type ParallelStateUpdate struct {
	Status  domain.ParallelStatus
	Metrics map[string]any
}

// AvailableTransition is an event accepted from the current phase.
type AvailableTransition struct {
	Event       domain.Event `json:"event"`
	Target      domain.Phase `json:"target"`
	Description string       `json:"description,omitempty"`
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine drives one project through its lifecycle. It is not safe for
// concurrent use; callers serialize Dispatch.
type Machine struct {
	def      Definition
	phase    domain.Phase
	context  *domain.StateContext
	history  []domain.TransitionRecord
	parallel map[domain.ParallelStateType]*domain.ParallelState

	subscribers         []func(domain.TransitionRecord)
	parallelSubscribers []func(domain.ParallelState)

	now    func() time.Time
	logger *zap.Logger
}

// New validates def and returns a machine positioned at its initial state,
// bound to sctx for its lifetime.
func New(def Definition, sctx *domain.StateContext, opts ...Option) (*Machine, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		def:      def,
		phase:    def.Initial,
		context:  sctx,
		parallel: make(map[domain.ParallelStateType]*domain.ParallelState),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	started := m.now().UTC()
	for _, typ := range domain.ParallelStateTypes() {
		m.parallel[typ] = &domain.ParallelState{
			Type:      typ,
			Status:    domain.ParallelActive,
			LastCheck: started,
			Metrics:   map[string]any{},
		}
	}
	return m, nil
}

// Restore repositions the machine at phase with a prior history, used when
// resuming a persisted project. Subscribers are not notified.
func (m *Machine) Restore(phase domain.Phase, history []domain.TransitionRecord) error {
	if _, ok := m.def.States[phase]; !ok {
		return &Error{Code: CodeUnknownState, Phase: phase}
	}
	m.phase = phase
	m.history = append([]domain.TransitionRecord(nil), history...)
	return nil
}

// Dispatch applies event to the current phase. On failure the phase is
// unchanged and nothing is recorded.
func (m *Machine) Dispatch(event domain.Event, payload Payload) error {
	rec, err := m.Prepare(event, payload)
	if err != nil {
		return err
	}
	return m.Commit(rec)
}

// Prepare validates event against the current phase and returns the record
// Dispatch would append. The machine is not changed.
func (m *Machine) Prepare(event domain.Event, payload Payload) (domain.TransitionRecord, error) {
	state, ok := m.def.States[m.phase]
	if !ok {
		return domain.TransitionRecord{}, &Error{Code: CodeUnknownState, Phase: m.phase, Event: event}
	}
	tr, ok := state.On[event]
	if !ok {
		return domain.TransitionRecord{}, &Error{Code: CodeInvalidTransition, Phase: m.phase, Event: event}
	}
	if _, ok := m.def.States[tr.Target]; !ok {
		return domain.TransitionRecord{}, &Error{Code: CodeUndefinedTarget, Phase: m.phase, Event: event}
	}
	return domain.TransitionRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Timestamp:   m.now().UTC(),
		From:        m.phase,
		To:          tr.Target,
		Event:       event,
		Actor:       payloadActor(payload),
		EvidenceIDs: payloadEvidenceIDs(payload),
	}, nil
}

// Commit applies a record returned by Prepare. It fails when the machine has
// left rec.From since the record was prepared.
func (m *Machine) Commit(rec domain.TransitionRecord) error {
	if rec.From != m.phase {
		return &Error{Code: CodeInvalidTransition, Phase: m.phase, Event: rec.Event}
	}
	m.phase = rec.To
	m.history = append(m.history, rec)
	m.logger.Debug("phase transition",
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.String("event", string(rec.Event)),
		zap.String("actor", rec.Actor))

	for _, fn := range m.subscribers {
		fn(rec)
	}
	m.applyParallelHeuristics(rec)
	return nil
}

// Can reports whether event is accepted from the current phase.
func (m *Machine) Can(event domain.Event) bool {
	state, ok := m.def.States[m.phase]
	if !ok {
		return false
	}
	_, ok = state.On[event]
	return ok
}

func (m *Machine) CurrentPhase() domain.Phase { return m.phase }

// CurrentState returns a snapshot. The context is the instance bound at
// construction.
func (m *Machine) CurrentState() Snapshot {
	return Snapshot{
		Phase:          m.phase,
		ParallelStates: m.parallelStates(),
		Context:        m.context,
		Timestamp:      m.now().UTC(),
	}
}

// History returns a copy of the transition log, oldest first.
func (m *Machine) History() []domain.TransitionRecord {
	out := make([]domain.TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// LastTransition returns the most recent transition record.
func (m *Machine) LastTransition() (domain.TransitionRecord, bool) {
	if len(m.history) == 0 {
		return domain.TransitionRecord{}, false
	}
	return m.history[len(m.history)-1], true
}

// AvailableTransitions lists the events accepted from the current phase,
// sorted by event name.
func (m *Machine) AvailableTransitions() []AvailableTransition {
	state, ok := m.def.States[m.phase]
	if !ok {
		return nil
	}
	out := make([]AvailableTransition, 0, len(state.On))
	for ev, tr := range state.On {
		out = append(out, AvailableTransition{Event: ev, Target: tr.Target, Description: tr.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event < out[j].Event })
	return out
}

// StateDefinition returns the definition of the current phase.
func (m *Machine) StateDefinition() (StateDefinition, bool) {
	s, ok := m.def.States[m.phase]
	return s, ok
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *Machine) IsTerminal() bool {
	s, ok := m.def.States[m.phase]
	return ok && s.Terminal
}

// Subscribe registers fn to receive every transition record, in
// subscription order, after the phase has changed.
func (m *Machine) Subscribe(fn func(domain.TransitionRecord)) {
	m.subscribers = append(m.subscribers, fn)
}

// SubscribeParallel registers fn to receive parallel state updates.
func (m *Machine) SubscribeParallel(fn func(domain.ParallelState)) {
	m.parallelSubscribers = append(m.parallelSubscribers, fn)
}

func (m *Machine) ParallelState(typ domain.ParallelStateType) (domain.ParallelState, bool) {
	s, ok := m.parallel[typ]
	if !ok {
		return domain.ParallelState{}, false
	}
	return s.Clone(), true
}

// UpdateParallelState merges upd into the named parallel state. Unknown types
// are ignored.
func (m *Machine) UpdateParallelState(typ domain.ParallelStateType, upd ParallelStateUpdate) {
	s, ok := m.parallel[typ]
	if !ok {
		return
	}
	if upd.Status != "" {
		s.Status = upd.Status
	}
	for k, v := range upd.Metrics {
		s.Metrics[k] = v
	}
	s.LastCheck = m.now().UTC()
	snapshot := s.Clone()
	for _, fn := range m.parallelSubscribers {
		fn(snapshot)
	}
}

func (m *Machine) parallelStates() map[domain.ParallelStateType]domain.ParallelState {
	out := make(map[domain.ParallelStateType]domain.ParallelState, len(m.parallel))
	for typ, s := range m.parallel {
		out[typ] = s.Clone()
	}
	return out
}

func (m *Machine) applyParallelHeuristics(rec domain.TransitionRecord) {
	name := string(rec.Event)
	metrics := map[string]any{"last_event": name, "last_phase": string(rec.To)}
	if strings.Contains(name, "SECURITY") || strings.Contains(name, "GATE") {
		m.UpdateParallelState(domain.ParallelSecurityMonitoring, ParallelStateUpdate{Metrics: metrics})
	}
	if strings.Contains(name, "COMPLIANCE") || strings.Contains(name, "APPROVE") {
		m.UpdateParallelState(domain.ParallelComplianceMonitoring, ParallelStateUpdate{Metrics: metrics})
	}
}

func payloadActor(p Payload) string {
	if actor, ok := p[PayloadActor].(string); ok && actor != "" {
		return actor
	}
	return domain.SystemActor
}

func payloadEvidenceIDs(p Payload) []string {
	switch ids := p[PayloadEvidenceIDs].(type) {
	case []string:
		return append([]string{}, ids...)
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
				continue
			}
			out = append(out, fmt.Sprint(id))
		}
		return out
	}
	return []string{}
}
