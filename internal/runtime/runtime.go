// Package runtime defines the Runtime value: the single explicit context
// threaded into every HTTP handler and background loop in the gateway.
// Nothing in this codebase reaches for a package-level singleton; anything
// a component needs (config, store, logger, metrics, clock, catalog,
// policy engine) comes in through a Runtime passed at construction time.
package runtime

import (
	"context"
	"sync/atomic"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/logging"
	"github.com/Auro-rium/aex/internal/metrics"
)

// ControlState is the admin-driven operating mode consulted by the
// admission controller before every reserve.
type ControlState string

const (
	ControlNormal    ControlState = "normal"
	ControlPaused    ControlState = "paused"
	ControlSandboxed ControlState = "sandboxed"
)

// PolicyDecision is the outcome of running the policy pipeline over a
// proposed request: either a patch to apply or a denial reason.
type PolicyDecision struct {
	Allow        bool
	DenyReason   string
	Patch        map[string]any
	DecisionHash [32]byte
}

// PolicyInput is what the policy engine evaluates.
type PolicyInput struct {
	Agent   domain.Agent
	Route   domain.Route
	Model   string
	Payload []byte
	Catalog domain.Catalog
}

// PolicyEngine evaluates the kernel rules and plugin pipeline over a
// request and returns a single reduced decision.
type PolicyEngine interface {
	Evaluate(ctx context.Context, in PolicyInput) (PolicyDecision, error)
}

// Store is the durable persistence boundary: agents, executions,
// reservations, and the hash-chained event log. Implemented by
// internal/store against Postgres.
type Store interface {
	GetAgentByTokenHash(ctx context.Context, tokenHash string) (domain.Agent, error)
	GetAgentByIdempotency(ctx context.Context, agentID, idempotencyKey string) (domain.Execution, bool, error)

	// MarkDispatched, Commit, Release, and Fail each append their
	// corresponding event inside the same transaction as the row mutation
	// they perform, so eventPayload is required on every call — there is
	// no path that mutates agent/execution state without a paired,
	// atomically-appended event.
	Reserve(ctx context.Context, exec domain.Execution) (domain.Execution, error)
	MarkDispatched(ctx context.Context, executionID string, eventPayload []byte) error
	Commit(ctx context.Context, executionID string, commitMicro int64, responseCache []byte, statusCode int, eventPayload []byte) (domain.Execution, error)
	Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error)
	Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error)

	AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	LastEvent(ctx context.Context, chainScope string) (domain.Event, bool, error)
	WalkEvents(ctx context.Context, chainScope string, fn func(domain.Event) error) error

	RateWindowCount(ctx context.Context, agentID string, since int64) (requests int64, tokens int64, err error)
	RecordRateSample(ctx context.Context, agentID string, sample domain.RateSample) error

	ExpiredReservations(ctx context.Context, now int64) ([]domain.Reservation, error)
	OrphanedExecutions(ctx context.Context, cutoff int64) ([]domain.Execution, error)
}

// Runtime is the shared dependency set passed explicitly to constructors
// throughout the gateway.
type Runtime struct {
	Config  config.Config
	Store   Store
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Policy  PolicyEngine

	catalog atomic.Pointer[domain.Catalog]
	control atomic.Value // ControlState
}

// New builds a Runtime. catalog may be nil and supplied later via
// SetCatalog once the model file has been loaded.
func New(cfg config.Config, store Store, logger *logging.Logger, m *metrics.Metrics, clk clock.Clock, policy PolicyEngine) *Runtime {
	rt := &Runtime{
		Config:  cfg,
		Store:   store,
		Logger:  logger,
		Metrics: m,
		Clock:   clk,
		Policy:  policy,
	}
	rt.control.Store(ControlNormal)
	return rt
}

// Catalog returns the current model catalog snapshot.
func (rt *Runtime) Catalog() domain.Catalog {
	p := rt.catalog.Load()
	if p == nil {
		return domain.Catalog{}
	}
	return *p
}

// SetCatalog atomically swaps in a new model catalog snapshot. Safe to call
// from an admin reload handler while requests are in flight.
func (rt *Runtime) SetCatalog(c domain.Catalog) {
	rt.catalog.Store(&c)
}

// Control returns the current admin control state.
func (rt *Runtime) Control() ControlState {
	v, _ := rt.control.Load().(ControlState)
	if v == "" {
		return ControlNormal
	}
	return v
}

// SetControl atomically sets the admin control state.
func (rt *Runtime) SetControl(s ControlState) {
	rt.control.Store(s)
}
