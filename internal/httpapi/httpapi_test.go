package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/runtime"
	"github.com/Auro-rium/aex/internal/store"
)

const testToken = "a-sufficiently-long-test-token-value"

// fakeStore is the narrowest runtime.Store fake needed to drive the
// northbound handlers end to end without a database.
type fakeStore struct {
	agent      domain.Agent
	priorExec  domain.Execution
	priorFound bool
	reserveErr error
	committed  domain.Execution
	events     []domain.EventType
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
			f.events = append(f.events, domain.EventDenyBudget)
		}
		return domain.Execution{}, f.reserveErr
	}
	exec.State = domain.StateReserved
	f.events = append(f.events, domain.EventReserve)
	return exec, nil
}
func (f *fakeStore) MarkDispatched(ctx context.Context, executionID string, eventPayload []byte) error {
	f.events = append(f.events, domain.EventDispatch)
	return nil
}
func (f *fakeStore) Commit(ctx context.Context, executionID string, commitMicro int64, responseCache []byte, statusCode int, eventPayload []byte) (domain.Execution, error) {
	f.committed = domain.Execution{
		ExecutionID:   executionID,
		State:         domain.StateCommitted,
		CommitMicro:   commitMicro,
		ResponseCache: responseCache,
		StatusCode:    statusCode,
	}
	f.events = append(f.events, domain.EventCommit)
	return f.committed, nil
}
func (f *fakeStore) Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error) {
	f.events = append(f.events, domain.EventRelease)
	return domain.Execution{ExecutionID: executionID, State: domain.StateReleased}, nil
}
func (f *fakeStore) Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error) {
	f.events = append(f.events, domain.EventFail)
	return domain.Execution{ExecutionID: executionID, State: domain.StateFailed, StatusCode: statusCode}, nil
}
func (f *fakeStore) AppendEvent(ctx context.Context, ev domain.Event) (domain.Event, error) {
	f.events = append(f.events, ev.EventType)
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

// allowPolicy evaluates every request as allowed with no patch, standing in
// for the full kernel+plugin pipeline in handler-level tests.
type allowPolicy struct{}

func (allowPolicy) Evaluate(ctx context.Context, in runtime.PolicyInput) (runtime.PolicyDecision, error) {
	return runtime.PolicyDecision{Allow: true}, nil
}

// fakeUpstream returns a canned completion body and usage figures.
type fakeUpstream struct {
	body []byte
	err  error
}

func (u *fakeUpstream) Do(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (dispatch.UpstreamResponse, error) {
	if u.err != nil {
		return dispatch.UpstreamResponse{}, u.err
	}
	return dispatch.UpstreamResponse{StatusCode: http.StatusOK, Body: u.body, InputTokens: 10, OutputTokens: 5, UsageReported: true}, nil
}

func newTestHandler(t *testing.T, fs *fakeStore, upstream dispatch.UpstreamClient) http.Handler {
	t.Helper()
	cfg := config.Config{ProviderTimeout: 5 * time.Second, OverrunPolicy: config.OverrunClamp}
	clk := clock.NewFake(time.Unix(0, 0))
	rt := runtime.New(cfg, fs, nil, nil, clk, allowPolicy{})
	rt.SetCatalog(domain.Catalog{Models: map[string]domain.ModelInfo{
		"gpt-test": {Provider: "openai", ProviderModel: "gpt-test-0", InputMicro: 1, OutputMicro: 2, MaxTokens: 1000},
	}})

	auth := identity.New(fs, func() time.Time { return clk.Now() })
	limiter := ratelimit.New(fs, nil, clk)
	admit := admission.New(rt, auth, limiter)
	dispatcher := dispatch.New(rt, upstream, dispatch.EchoSandbox{})

	return Northbound(rt, admit, dispatcher, RouteDeps{})
}

func validAgent() domain.Agent {
	return domain.Agent{
		AgentID:     "agent_1",
		TokenHash:   identity.HashToken(testToken),
		BudgetMicro: 1_000_000,
		RPMLimit:    100,
		TPMLimit:    100000,
	}
}

func TestChatCompletionsAdmitsAndDispatches(t *testing.T) {
	fs := &fakeStore{agent: validAgent()}
	upstream := &fakeUpstream{body: []byte(`{"id":"chatcmpl-1","choices":[]}`)}
	h := newTestHandler(t, fs, upstream)

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Idempotency-Key", "idem-1")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"chatcmpl-1","choices":[]}`, rec.Body.String())
	require.Contains(t, fs.events, domain.EventReserve)
	require.Contains(t, fs.events, domain.EventCommit)
}

func TestChatCompletionsReplaysIdempotentRequest(t *testing.T) {
	fs := &fakeStore{
		agent: validAgent(),
		priorExec: domain.Execution{
			ExecutionID:   "ex_prior",
			State:         domain.StateCommitted,
			StatusCode:    http.StatusOK,
			ResponseCache: []byte(`{"id":"chatcmpl-cached"}`),
		},
		priorFound: true,
	}
	h := newTestHandler(t, fs, &fakeUpstream{})

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Idempotency-Key", "idem-1")
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"chatcmpl-cached"}`, rec.Body.String())
}

func TestChatCompletionsRejectsMissingToken(t *testing.T) {
	fs := &fakeStore{agent: validAgent()}
	h := newTestHandler(t, fs, &fakeUpstream{})

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsMapsBudgetExceededTo402(t *testing.T) {
	fs := &fakeStore{agent: validAgent(), reserveErr: store.ErrBudgetExceeded}
	h := newTestHandler(t, fs, &fakeUpstream{})

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestChatCompletionsReturnsBadGatewayOnUpstreamFailure(t *testing.T) {
	fs := &fakeStore{agent: validAgent()}
	upstream := &fakeUpstream{err: context.DeadlineExceeded}
	h := newTestHandler(t, fs, upstream)

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestOpenAIAliasMountServesTheSameRoutes(t *testing.T) {
	fs := &fakeStore{agent: validAgent()}
	upstream := &fakeUpstream{body: []byte(`{"id":"chatcmpl-1"}`)}
	h := newTestHandler(t, fs, upstream)

	body := []byte(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/openai/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
