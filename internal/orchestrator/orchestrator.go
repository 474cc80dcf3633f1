// Package orchestrator composes the phase machine, context store, delegation
// engine and intent interpreter for one project at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"foundry/internal/delegation"
	"foundry/internal/domain"
	"foundry/internal/intent"
	"foundry/internal/machine"
	"foundry/internal/metrics"
	"foundry/internal/store"
)

// Deps are the collaborators shared by every orchestrator.
type Deps struct {
	Store       store.Store
	Interpreter intent.Interpreter
	// Definition replaces the built-in lifecycle when set.
	Definition *machine.Definition
	// Seed builds the context for projects that have none stored.
	Seed func(projectID string) *domain.StateContext
	// NewDelegation builds the per-project delegation engine.
	NewDelegation func() *delegation.Engine
	Logger        *zap.Logger
}

type Option func(*Orchestrator)

// WithStrictIntents makes Interpret return ErrUnhandledIntent for actions
// with no event mapping.
func WithStrictIntents(strict bool) Option {
	return func(o *Orchestrator) { o.strict = strict }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// DispatchResult is returned by a successful Dispatch.
type DispatchResult struct {
	Record  domain.TransitionRecord `json:"record"`
	Phase   domain.Phase            `json:"phase"`
	Context *domain.StateContext    `json:"context"`
}

// Snapshot is the externally visible state of a project.
type Snapshot struct {
	ProjectID            string                                              `json:"project_id"`
	Phase                domain.Phase                                        `json:"phase"`
	Description          string                                              `json:"description,omitempty"`
	EntryActions         []string                                            `json:"entry_actions,omitempty"`
	ExitCriteria         []string                                            `json:"exit_criteria,omitempty"`
	Terminal             bool                                                `json:"terminal"`
	AvailableTransitions []machine.AvailableTransition                       `json:"available_transitions"`
	ParallelStates       map[domain.ParallelStateType]domain.ParallelState `json:"parallel_states"`
	Context              *domain.StateContext                                `json:"context"`
	Delegation           delegation.Stats                                    `json:"delegation"`
	Timestamp            time.Time                                           `json:"timestamp"`
}

// Orchestrator serializes every mutation of one project behind a mutex, so
// the load-modify-save of the stored context never interleaves.
type Orchestrator struct {
	projectID string

	mu          sync.Mutex
	machine     *machine.Machine
	store       store.Store
	interpreter intent.Interpreter
	delegation  *delegation.Engine
	seed        func(string) *domain.StateContext
	subscribers []func(domain.TransitionRecord)

	strict bool
	now    func() time.Time
	logger *zap.Logger
}

// New builds the orchestrator for projectID and resumes it from the store.
// Restore problems are logged and the project starts from the initial phase.
func New(ctx context.Context, projectID string, deps Deps, opts ...Option) (*Orchestrator, error) {
	if projectID == "" {
		return nil, store.ErrMissingProject
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: store is required")
	}
	o := &Orchestrator{
		projectID:   projectID,
		store:       deps.Store,
		interpreter: deps.Interpreter,
		seed:        deps.Seed,
		now:         time.Now,
		logger:      deps.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.With(zap.String("project_id", projectID))
	if o.interpreter == nil {
		o.interpreter = intent.NewKeyword()
	}
	if o.seed == nil {
		o.seed = domain.DefaultContext
	}
	if deps.NewDelegation != nil {
		o.delegation = deps.NewDelegation()
	} else {
		o.delegation = delegation.New(delegation.WithLogger(o.logger))
	}

	def := machine.DefaultDefinition()
	if deps.Definition != nil {
		def = *deps.Definition
	}
	stored := o.store.Load(ctx, projectID)
	bound := stored
	if bound == nil {
		bound = o.seed(projectID)
	}
	m, err := machine.New(def, bound, machine.WithClock(o.now), machine.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	m.Subscribe(func(rec domain.TransitionRecord) {
		metrics.Transitions.WithLabelValues(string(rec.From), string(rec.To), string(rec.Event)).Inc()
	})
	o.machine = m
	if stored != nil {
		o.restore(ctx, stored.CurrentPhase)
	}
	return o, nil
}

func (o *Orchestrator) restore(ctx context.Context, phase domain.Phase) {
	history := o.store.Transitions(ctx, o.projectID)
	if err := o.machine.Restore(phase, history); err != nil {
		o.logger.Warn("could not restore stored phase; starting from initial state",
			zap.String("phase", string(phase)), zap.Error(err))
		return
	}
	o.logger.Info("project resumed",
		zap.String("phase", string(phase)),
		zap.Int("transitions", len(history)))
}

func (o *Orchestrator) ProjectID() string { return o.projectID }

// Delegation returns the project's task delegation engine.
func (o *Orchestrator) Delegation() *delegation.Engine { return o.delegation }

// Subscribe registers fn to receive each transition once it is persisted.
func (o *Orchestrator) Subscribe(fn func(domain.TransitionRecord)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

// SubscribeParallel registers fn for parallel monitoring updates.
func (o *Orchestrator) SubscribeParallel(fn func(domain.ParallelState)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.machine.SubscribeParallel(fn)
}

// Dispatch applies event and persists the new phase and transition record.
// The machine only moves once both writes succeed, so a failed write leaves
// the project where it was and the same event can be retried.
func (o *Orchestrator) Dispatch(ctx context.Context, event domain.Event, payload machine.Payload) (DispatchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	rec, err := o.machine.Prepare(event, payload)
	if err != nil {
		code := "unknown"
		var merr *machine.Error
		if errors.As(err, &merr) {
			code = string(merr.Code)
		}
		metrics.DispatchErrors.WithLabelValues(code).Inc()
		o.logger.Info("dispatch rejected",
			zap.String("event", string(event)),
			zap.String("phase", string(o.machine.CurrentPhase())),
			zap.Error(err))
		return DispatchResult{}, err
	}

	prev := o.loadOrSeed(ctx)
	sctx := o.loadOrSeed(ctx)
	sctx.CurrentPhase = rec.To
	switch rec.To {
	case domain.PhaseFeaturePlanning:
		sctx.PhaseIteration++
	case domain.PhaseRemediationWork:
		sctx.RemediationIteration++
	}
	sctx.AddEvidence(rec.EvidenceIDs...)

	if err := o.store.Save(ctx, o.projectID, sctx); err != nil {
		metrics.DispatchErrors.WithLabelValues("store").Inc()
		return DispatchResult{}, fmt.Errorf("persist context after %s: %w", event, err)
	}
	if err := o.store.AppendTransition(ctx, o.projectID, rec); err != nil {
		metrics.DispatchErrors.WithLabelValues("store").Inc()
		if rerr := o.store.Save(ctx, o.projectID, prev); rerr != nil {
			o.logger.Error("could not revert context after failed transition append",
				zap.String("event", string(event)),
				zap.Error(rerr))
		}
		return DispatchResult{}, fmt.Errorf("persist transition %s: %w", rec.ID, err)
	}
	if err := o.machine.Commit(rec); err != nil {
		return DispatchResult{}, err
	}
	o.logger.Info("phase changed",
		zap.String("from", string(rec.From)),
		zap.String("to", string(rec.To)),
		zap.String("event", string(event)),
		zap.String("actor", rec.Actor))
	for _, fn := range o.subscribers {
		fn(rec)
	}
	return DispatchResult{Record: rec, Phase: rec.To, Context: sctx}, nil
}

// Interpret maps input to an action through the interpreter and dispatches
// the corresponding event. Actions with no mapping are reported as
// unhandled; in strict mode that is also an error.
func (o *Orchestrator) Interpret(ctx context.Context, input, actor string) (Outcome, error) {
	res, err := o.interpreter.Interpret(ctx, input, o.Context(ctx))
	if err != nil {
		return Outcome{}, fmt.Errorf("interpret: %w", err)
	}
	if res.Intent == nil {
		metrics.Intents.WithLabelValues(string(OutcomeNoIntent)).Inc()
		return Outcome{Status: OutcomeNoIntent, Clarification: res.Clarification}, nil
	}
	out := Outcome{Action: res.Intent.Action, Intent: res.Intent}
	event, ok := ActionEvent(res.Intent.Action)
	if !ok {
		out.Status = OutcomeUnhandled
		metrics.Intents.WithLabelValues(string(OutcomeUnhandled)).Inc()
		o.logger.Info("intent has no event mapping", zap.String("action", res.Intent.Action))
		if o.strict {
			return out, fmt.Errorf("%w: %s", ErrUnhandledIntent, res.Intent.Action)
		}
		return out, nil
	}
	out.Event = event

	payload := machine.Payload{}
	for k, v := range res.Intent.Params {
		payload[k] = v
	}
	if actor != "" {
		payload[machine.PayloadActor] = actor
	}
	dr, err := o.Dispatch(ctx, event, payload)
	if err != nil {
		out.Status = OutcomeRejected
		metrics.Intents.WithLabelValues(string(OutcomeRejected)).Inc()
		return out, err
	}
	out.Status = OutcomeDispatched
	out.Result = &dr
	metrics.Intents.WithLabelValues(string(OutcomeDispatched)).Inc()
	return out, nil
}

// Context returns the stored context, or nil when none is stored.
func (o *Orchestrator) Context(ctx context.Context) *domain.StateContext {
	return o.store.Load(ctx, o.projectID)
}

func (o *Orchestrator) CurrentPhase() domain.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.CurrentPhase()
}

// Can reports whether event is accepted from the current phase.
func (o *Orchestrator) Can(event domain.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.Can(event)
}

func (o *Orchestrator) History() []domain.TransitionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.History()
}

func (o *Orchestrator) AvailableTransitions() []machine.AvailableTransition {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.AvailableTransitions()
}

// Snapshot returns the current phase with its definition, monitors, the
// stored context (or the seed when nothing is stored) and delegation counts.
func (o *Orchestrator) Snapshot(ctx context.Context) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := o.machine.CurrentState()
	snap := Snapshot{
		ProjectID:            o.projectID,
		Phase:                state.Phase,
		Terminal:             o.machine.IsTerminal(),
		AvailableTransitions: o.machine.AvailableTransitions(),
		ParallelStates:       state.ParallelStates,
		Context:              o.loadOrSeed(ctx),
		Delegation:           o.delegation.Stats(),
		Timestamp:            state.Timestamp,
	}
	if def, ok := o.machine.StateDefinition(); ok {
		snap.Description = def.Description
		snap.EntryActions = def.EntryActions
		snap.ExitCriteria = def.ExitCriteria
	}
	return snap
}

// UpdateParallelState merges an update into one monitoring dimension.
func (o *Orchestrator) UpdateParallelState(typ domain.ParallelStateType, upd machine.ParallelStateUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.machine.UpdateParallelState(typ, upd)
}

// AddEvidence stores ev for this project, defaulting its phase to the
// current one, and references it from the context.
func (o *Orchestrator) AddEvidence(ctx context.Context, ev domain.Evidence) (domain.Evidence, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev.ProjectID = o.projectID
	if ev.Phase == "" {
		ev.Phase = o.machine.CurrentPhase()
	}
	saved, err := o.store.AddEvidence(ctx, ev)
	if err != nil {
		return domain.Evidence{}, err
	}
	sctx := o.loadOrSeed(ctx)
	sctx.AddEvidence(saved.ID)
	if err := o.store.Save(ctx, o.projectID, sctx); err != nil {
		return saved, fmt.Errorf("reference evidence %s: %w", saved.ID, err)
	}
	return saved, nil
}

func (o *Orchestrator) Evidence(ctx context.Context, f store.EvidenceFilter) []domain.Evidence {
	return o.store.Evidence(ctx, o.projectID, f)
}

// RecordGateResult appends a gate evaluation and updates the context's
// latest status for that gate.
func (o *Orchestrator) RecordGateResult(ctx context.Context, res domain.GateResult) (domain.GateResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if res.GateID == "" {
		return domain.GateResult{}, errors.New("gate id required")
	}
	if !res.Status.Valid() {
		return domain.GateResult{}, fmt.Errorf("invalid gate status %q", res.Status)
	}
	if res.Phase == "" {
		res.Phase = o.machine.CurrentPhase()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = o.now().UTC()
	}
	res, err := o.store.RecordGateResult(ctx, o.projectID, res)
	if err != nil {
		return domain.GateResult{}, err
	}
	sctx := o.loadOrSeed(ctx)
	if sctx.LastGateResults == nil {
		sctx.LastGateResults = map[string]domain.GateStatus{}
	}
	sctx.LastGateResults[res.GateID] = res.Status
	sctx.AddEvidence(res.EvidenceIDs...)
	if err := o.store.Save(ctx, o.projectID, sctx); err != nil {
		return res, fmt.Errorf("update gate status: %w", err)
	}
	return res, nil
}

// LastGateResults returns the gate history for phase, newest first.
func (o *Orchestrator) LastGateResults(ctx context.Context, phase domain.Phase) []domain.GateResult {
	return o.store.LastGateResults(ctx, o.projectID, phase)
}

func (o *Orchestrator) loadOrSeed(ctx context.Context) *domain.StateContext {
	if sctx := o.store.Load(ctx, o.projectID); sctx != nil {
		return sctx
	}
	sctx := o.seed(o.projectID)
	sctx.CurrentPhase = o.machine.CurrentPhase()
	return sctx
}
