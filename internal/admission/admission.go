// Package admission orchestrates identity, fingerprinting, rate limiting,
// and policy evaluation into a single reserve decision, handing the
// dispatcher a ticket it can safely act on.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/fingerprint"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/runtime"
	"github.com/Auro-rium/aex/internal/store"
)

var (
	// ErrPaused is returned when the admin control state is "paused".
	ErrPaused = errors.New("admission: gateway is paused")
	// ErrRateLimited is returned when the rate limiter denies the request.
	ErrRateLimited = errors.New("admission: rate limit exceeded")
	// ErrPolicyDenied is returned when the policy engine denies the request.
	ErrPolicyDenied = errors.New("admission: denied by policy")
	// ErrLockTimeout is returned when a duplicate in-flight request could
	// not acquire the execution lock in time.
	ErrLockTimeout = errors.New("admission: timed out waiting for an in-flight duplicate request")
)

const lockWait = 5 * time.Second

// Request is one inbound call to be admitted.
type Request struct {
	AuthorizationHeader string
	IdempotencyKey      string
	Route               domain.Route
	Model               string
	Payload             []byte
}

// Result is what a successful (or replayed) admission hands to the
// dispatcher.
type Result struct {
	Agent     domain.Agent
	Execution domain.Execution
	Patch     map[string]any
	Replayed  bool
}

// Controller runs the admission pipeline.
type Controller struct {
	rt      *runtime.Runtime
	auth    *identity.Authenticator
	limiter *ratelimit.Limiter
	locks   *execLocks
}

// New builds a Controller.
func New(rt *runtime.Runtime, auth *identity.Authenticator, limiter *ratelimit.Limiter) *Controller {
	return &Controller{rt: rt, auth: auth, limiter: limiter, locks: newExecLocks()}
}

// Admit runs the full pipeline: authenticate, fingerprint, lock, check for
// a replay, rate-limit, evaluate policy, and reserve. On success the
// returned Execution is RESERVED and its ReserveMicro has been debited
// from the agent's available budget.
func (c *Controller) Admit(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	outcome := "reserved"
	defer func() {
		if c.rt.Metrics != nil {
			c.rt.Metrics.RecordAdmission(string(req.Route), outcome, time.Since(start))
		}
	}()

	if c.rt.Control() == runtime.ControlPaused {
		outcome = "paused"
		return Result{}, ErrPaused
	}

	agent, err := c.auth.Authenticate(ctx, req.AuthorizationHeader)
	if err != nil {
		outcome = "unauthenticated"
		return Result{}, err
	}

	reqHash, err := fingerprint.RequestHash(req.Payload)
	if err != nil {
		outcome = "bad_request"
		return Result{}, fmt.Errorf("admission: fingerprint request: %w", err)
	}
	executionID := fingerprint.ExecutionID(agent.AgentID, req.IdempotencyKey, reqHash)

	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	release, err := c.locks.acquire(lockCtx, executionID)
	if err != nil {
		outcome = "lock_timeout"
		return Result{}, ErrLockTimeout
	}
	defer release()

	if prior, found, err := c.rt.Store.GetAgentByIdempotency(ctx, agent.AgentID, req.IdempotencyKey); err != nil {
		outcome = "store_error"
		return Result{}, err
	} else if found {
		if prior.State == domain.StateDenied {
			// A prior budget denial re-surfaces as one, as Reserve does.
			outcome = "denied_budget"
			return Result{}, store.ErrBudgetExceeded
		}
		outcome = "replayed"
		return Result{Agent: agent, Execution: prior, Replayed: true}, nil
	}

	rpmLimit, tpmLimit := agent.RPMLimit, agent.TPMLimit
	estimatedTokens := estimateTokens(req.Payload)
	decision, err := c.limiter.Allow(ctx, agent.AgentID, rpmLimit, tpmLimit, estimatedTokens)
	if err != nil {
		outcome = "rate_limit_error"
		return Result{}, err
	}
	if !decision.Allow {
		outcome = "denied_rate_" + decision.Dimension
		if c.rt.Metrics != nil {
			c.rt.Metrics.RecordRateLimitDenied(decision.Dimension)
		}
		if aerr := c.logDenyEvent(ctx, executionID, agent.AgentID, domain.EventDenyRate, decision.Dimension); aerr != nil {
			outcome = "event_log_error"
			return Result{}, aerr
		}
		return Result{}, ErrRateLimited
	}

	catalog := c.rt.Catalog()
	model, ok := catalog.Lookup(req.Model)
	if !ok {
		outcome = "denied_policy"
		if aerr := c.logDenyEvent(ctx, executionID, agent.AgentID, domain.EventDenyPolicy, "unknown model"); aerr != nil {
			outcome = "event_log_error"
			return Result{}, aerr
		}
		return Result{}, ErrPolicyDenied
	}

	policyDecision, err := c.rt.Policy.Evaluate(ctx, runtime.PolicyInput{
		Agent:   agent,
		Route:   req.Route,
		Model:   req.Model,
		Payload: req.Payload,
		Catalog: catalog,
	})
	if err != nil {
		outcome = "policy_error"
		return Result{}, err
	}
	if !policyDecision.Allow {
		outcome = "denied_policy"
		if aerr := c.logDenyEvent(ctx, executionID, agent.AgentID, domain.EventDenyPolicy, policyDecision.DenyReason); aerr != nil {
			outcome = "event_log_error"
			return Result{}, aerr
		}
		return Result{}, fmt.Errorf("%w: %s", ErrPolicyDenied, policyDecision.DenyReason)
	}

	reserveMicro := estimateReserveMicro(model, req.Payload, estimatedTokens)
	exec := domain.Execution{
		ExecutionID:    executionID,
		AgentID:        agent.AgentID,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    reqHash,
		Route:          req.Route,
		Model:          req.Model,
		Provider:       model.Provider,
		ReserveMicro:   reserveMicro,
	}

	reserved, err := c.rt.Store.Reserve(ctx, exec)
	if err != nil {
		if errors.Is(err, store.ErrBudgetExceeded) {
			// Reserve already wrote the DENIED row and its deny.budget
			// event in the same transaction before returning this error.
			outcome = "denied_budget"
			return Result{}, err
		}
		if errors.Is(err, store.ErrIdempotencyConflict) {
			outcome = "idempotency_conflict"
			return Result{}, err
		}
		outcome = "store_error"
		return Result{}, err
	}

	if reserved.State != domain.StateReserved {
		outcome = "replayed"
		return Result{Agent: agent, Execution: reserved, Replayed: true}, nil
	}

	// Reserve already appended the reserve event in its own transaction;
	// no separate append is needed here.

	return Result{Agent: agent, Execution: reserved, Patch: policyDecision.Patch}, nil
}

// logDenyEvent records a standalone deny event that has no paired row
// mutation (rate-limit and policy denials never touch executions/agents).
// An append failure here must fail the admission, not be swallowed.
func (c *Controller) logDenyEvent(ctx context.Context, executionID, agentID string, eventType domain.EventType, reason string) error {
	return c.appendEvent(ctx, executionID, eventType, map[string]any{"agent_id": agentID, "reason": reason})
}

func (c *Controller) appendEvent(ctx context.Context, executionID string, eventType domain.EventType, fields map[string]any) error {
	payload, err := canonicalEventPayload(fields)
	if err != nil {
		return fmt.Errorf("admission: encode event payload: %w", err)
	}
	if _, err := c.rt.Store.AppendEvent(ctx, domain.Event{
		ChainScope:  domain.DefaultScope,
		ExecutionID: executionID,
		EventType:   eventType,
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("admission: append event: %w", err)
	}
	return nil
}
