// Package store persists project contexts, evidence, gate evaluations and
// the transition log.
//
// Reads fail soft: a missing row, a corrupt document or an I/O error is
// logged and reported as absent. Writes fail loud and return the error.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"foundry/internal/domain"
	"foundry/internal/metrics"
)

// Store is the persistence contract used by the orchestrator.
type Store interface {
	Load(ctx context.Context, projectID string) *domain.StateContext
	Save(ctx context.Context, projectID string, sctx *domain.StateContext) error
	CurrentPhase(ctx context.Context, projectID string) (domain.Phase, bool)
	SetCurrentPhase(ctx context.Context, projectID string, phase domain.Phase) error

	AddEvidence(ctx context.Context, ev domain.Evidence) (domain.Evidence, error)
	Evidence(ctx context.Context, projectID string, f EvidenceFilter) []domain.Evidence

	RecordGateResult(ctx context.Context, projectID string, res domain.GateResult) (domain.GateResult, error)
	LastGateResults(ctx context.Context, projectID string, phase domain.Phase) []domain.GateResult

	AppendTransition(ctx context.Context, projectID string, rec domain.TransitionRecord) error
	Transitions(ctx context.Context, projectID string) []domain.TransitionRecord

	Close() error
}

// EvidenceFilter narrows Evidence. Empty fields match everything.
type EvidenceFilter struct {
	Phase domain.Phase
	Gate  string
}

var (
	ErrMissingProject = errors.New("project id required")
	ErrNilContext     = errors.New("context required")
	ErrInvalidPhase   = errors.New("invalid phase")
	ErrInvalidType    = errors.New("invalid evidence type")
)

type Option func(*base)

func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *base) { b.logger = logger }
}

// base carries what every backend shares.
type base struct {
	backend string
	now     func() time.Time
	logger  *zap.Logger
}

func newBase(backend string, opts []Option) base {
	b := base{backend: backend, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.With(zap.String("store", backend))
	return b
}

// soft records a read failure that is reported to the caller as absence.
func (b base) soft(op, projectID string, err error) {
	metrics.StoreErrors.WithLabelValues(b.backend, op).Inc()
	b.logger.Warn("context store read failed",
		zap.String("op", op),
		zap.String("project_id", projectID),
		zap.Error(err))
}

// loud records a write failure that is returned to the caller.
func (b base) loud(op string, err error) error {
	if err != nil {
		metrics.StoreErrors.WithLabelValues(b.backend, op).Inc()
	}
	return err
}

func (b base) prepareEvidence(ev domain.Evidence) (domain.Evidence, error) {
	if ev.ProjectID == "" {
		return ev, ErrMissingProject
	}
	if !ev.Phase.Valid() {
		return ev, ErrInvalidPhase
	}
	if ev.Type == "" {
		ev.Type = domain.EvidenceFile
	}
	if !ev.Type.Valid() {
		return ev, fmt.Errorf("%w: %q", ErrInvalidType, ev.Type)
	}
	ev.ID = newID()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = b.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if ev.CreatedBy == "" {
		ev.CreatedBy = domain.SystemActor
	}
	return ev, nil
}

func (b base) prepareGateResult(projectID string, res domain.GateResult) (domain.GateResult, error) {
	if projectID == "" {
		return res, ErrMissingProject
	}
	if res.ID == "" {
		res.ID = newID()
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = b.now()
	}
	res.Timestamp = res.Timestamp.UTC()
	if res.Checks == nil {
		res.Checks = []domain.GateCheck{}
	}
	if res.EvidenceIDs == nil {
		res.EvidenceIDs = []string{}
	}
	return res, nil
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
