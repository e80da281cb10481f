package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/runtime"
	"github.com/Auro-rium/aex/internal/store"
)

type fakeStore struct {
	agent        domain.Agent
	priorExec    domain.Execution
	priorFound   bool
	reserveErr   error
	reserved     domain.Execution
	appendedType []domain.EventType
}

func (f *fakeStore) GetAgentByTokenHash(ctx context.Context, tokenHash string) (domain.Agent, error) {
	return f.agent, nil
}
func (f *fakeStore) GetAgentByIdempotency(ctx context.Context, agentID, idemKey string) (domain.Execution, bool, error) {
	return f.priorExec, f.priorFound, nil
}
func (f *fakeStore) Reserve(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	if f.reserveErr != nil {
		if f.reserveErr == store.ErrBudgetExceeded {
			// Mirrors the real Store.Reserve: the deny event is appended
			// inside the same transaction as the DENIED row, not by the
			// admission layer.
			f.appendedType = append(f.appendedType, domain.EventDenyBudget)
		}
		return domain.Execution{}, f.reserveErr
	}
	exec.State = domain.StateReserved
	f.reserved = exec
	f.appendedType = append(f.appendedType, domain.EventReserve)
	return exec, nil
}
func (f *fakeStore) MarkDispatched(ctx context.Context, executionID string, eventPayload []byte) error {
	return nil
}
func (f *fakeStore) Commit(ctx context.Context, executionID string, commitMicro int64, responseCache []byte, statusCode int, eventPayload []byte) (domain.Execution, error) {
	return domain.Execution{}, nil
}
func (f *fakeStore) Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error) {
	return domain.Execution{}, nil
}
func (f *fakeStore) Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error) {
	return domain.Execution{}, nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	f.appendedType = append(f.appendedType, ev.EventType)
	return ev, nil
}
func (f *fakeStore) LastEvent(ctx context.Context, scope string) (domain.Event, bool, error) {
	return domain.Event{}, false, nil
}
func (f *fakeStore) WalkEvents(ctx context.Context, scope string, fn func(domain.Event) error) error {
	return nil
}
func (f *fakeStore) RateWindowCount(ctx context.Context, agentID string, since int64) (int64, int64, error) {
	return 0, 0, nil
}
func (f *fakeStore) RecordRateSample(ctx context.Context, agentID string, sample domain.RateSample) error {
	return nil
}
func (f *fakeStore) ExpiredReservations(ctx context.Context, now int64) ([]domain.Reservation, error) {
	return nil, nil
}
func (f *fakeStore) OrphanedExecutions(ctx context.Context, cutoff int64) ([]domain.Execution, error) {
	return nil, nil
}

var _ runtime.Store = (*fakeStore)(nil)

type allowPolicy struct{}

func (allowPolicy) Evaluate(ctx context.Context, in runtime.PolicyInput) (runtime.PolicyDecision, error) {
	return runtime.PolicyDecision{Allow: true}, nil
}

func newTestController(t *testing.T, fs *fakeStore) *Controller {
	t.Helper()
	cfg := config.Config{}
	clk := clock.NewFake(time.Unix(0, 0))
	rt := runtime.New(cfg, fs, nil, nil, clk, allowPolicy{})
	rt.SetCatalog(domain.Catalog{Models: map[string]domain.ModelInfo{
		"gpt-test": {Provider: "openai", ProviderModel: "gpt-test-0", InputMicro: 1, OutputMicro: 2, MaxTokens: 1000},
	}})
	auth := identity.New(fs, func() time.Time { return clk.Now() })
	limiter := ratelimit.New(fs, nil, clk)
	return New(rt, auth, limiter)
}

func TestAdmitReservesOnValidRequest(t *testing.T) {
	token := "a-sufficiently-long-test-token-value"
	fs := &fakeStore{agent: domain.Agent{
		AgentID: "agent_1", TokenHash: identity.HashToken(token),
		BudgetMicro: 1_000_000, RPMLimit: 100, TPMLimit: 100000,
	}}
	c := newTestController(t, fs)

	res, err := c.Admit(context.Background(), Request{
		AuthorizationHeader: "Bearer " + token,
		IdempotencyKey:      "idem_1",
		Route:               domain.RouteChat,
		Model:               "gpt-test",
		Payload:              []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NoError(t, err)
	require.False(t, res.Replayed)
	require.Equal(t, domain.StateReserved, res.Execution.State)
	require.Contains(t, fs.appendedType, domain.EventReserve)
}

func TestAdmitReplaysPriorExecution(t *testing.T) {
	token := "a-sufficiently-long-test-token-value"
	fs := &fakeStore{
		agent:      domain.Agent{AgentID: "agent_1", TokenHash: identity.HashToken(token), BudgetMicro: 1_000_000, RPMLimit: 100, TPMLimit: 100000},
		priorExec:  domain.Execution{ExecutionID: "ex_prior", State: domain.StateCommitted},
		priorFound: true,
	}
	c := newTestController(t, fs)

	res, err := c.Admit(context.Background(), Request{
		AuthorizationHeader: "Bearer " + token,
		IdempotencyKey:      "idem_1",
		Route:               domain.RouteChat,
		Model:               "gpt-test",
		Payload:              []byte(`{"model":"gpt-test"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Replayed)
	require.Equal(t, "ex_prior", res.Execution.ExecutionID)
}

func TestAdmitDeniesOnBudgetExceeded(t *testing.T) {
	token := "a-sufficiently-long-test-token-value"
	fs := &fakeStore{
		agent:      domain.Agent{AgentID: "agent_1", TokenHash: identity.HashToken(token), BudgetMicro: 1, RPMLimit: 100, TPMLimit: 100000},
		reserveErr: store.ErrBudgetExceeded,
	}
	c := newTestController(t, fs)

	_, err := c.Admit(context.Background(), Request{
		AuthorizationHeader: "Bearer " + token,
		IdempotencyKey:      "idem_1",
		Route:               domain.RouteChat,
		Model:               "gpt-test",
		Payload:              []byte(`{"model":"gpt-test"}`),
	})
	require.ErrorIs(t, err, store.ErrBudgetExceeded)
	require.Contains(t, fs.appendedType, domain.EventDenyBudget)
}
