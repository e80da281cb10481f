package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/domain"
)

func testExecution(agentID, idemKey string, reserveMicro int64) domain.Execution {
	return domain.Execution{
		ExecutionID:    "ex_test",
		AgentID:        agentID,
		IdempotencyKey: idemKey,
		Route:          domain.RouteChat,
		Model:          "gpt-test",
		Provider:       "test-provider",
		ReserveMicro:   reserveMicro,
	}
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "postgres")
	return New(sdb, nil, nil, clock.NewFake(time.Unix(0, 0))), mock
}

var executionColumns = []string{
	"execution_id", "agent_id", "idempotency_key", "request_hash", "route", "model",
	"provider", "state", "reserve_micro", "commit_micro", "release_micro",
	"response_cache", "status_code", "version", "created_at", "terminal_at",
}

// expectFreshEventAppend stubs appendEventTx's four statements for a chain
// scope with no existing chain_heads row: lock miss, genesis insert, the
// event_log insert, and the head update.
func expectFreshEventAppend(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`SELECT last_hash, last_seq FROM chain_heads`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO chain_heads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO event_log`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE chain_heads SET last_hash`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestMarkDispatchedSucceedsOnReservedRow(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE executions SET state = 'DISPATCHED'`).
		WithArgs("ex_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectFreshEventAppend(mock)
	mock.ExpectCommit()

	err := s.MarkDispatched(context.Background(), "ex_1", []byte(`{"model":"gpt-test"}`))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDispatchedRejectsNonReservedRow(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE executions SET state = 'DISPATCHED'`).
		WithArgs("ex_2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkDispatched(context.Background(), "ex_2", []byte(`{}`))
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReserveDeniesWhenBudgetExceeded confirms a budget-exceeded Reserve
// still commits: it writes a DENIED execution row and a deny.budget event
// in the same transaction before returning ErrBudgetExceeded, so the
// denial is durably recorded rather than only counted by the caller.
func TestReserveDeniesWhenBudgetExceeded(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT execution_id, agent_id, idempotency_key, request_hash`).
		WithArgs("agent_1", "idem_1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT budget_micro - spent_micro - reserved_micro`).
		WithArgs("agent_1").
		WillReturnRows(sqlmock.NewRows([]string{"budget_micro - spent_micro - reserved_micro"}).AddRow(int64(100)))
	mock.ExpectQuery(`INSERT INTO executions`).
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"ex_test", "agent_1", "idem_1", []byte{}, "chat", "gpt-test", "test-provider",
			"DENIED", int64(500), int64(0), int64(0), []byte(nil), nil, int64(1),
			time.Unix(0, 0), time.Unix(0, 0)))
	expectFreshEventAppend(mock)
	mock.ExpectCommit()

	result, err := s.Reserve(context.Background(), testExecution("agent_1", "idem_1", 500))
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, domain.StateDenied, result.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestReserveReplaysPriorDeniedRowAsBudgetExceeded confirms a retried
// idempotency key that previously denied does not silently replay as a
// success: it re-surfaces ErrBudgetExceeded instead.
func TestReserveReplaysPriorDeniedRowAsBudgetExceeded(t *testing.T) {
	s, mock := newTestStore(t)
	exec := testExecution("agent_1", "idem_1", 500)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT execution_id, agent_id, idempotency_key, request_hash`).
		WithArgs("agent_1", "idem_1").
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"ex_test", "agent_1", "idem_1", exec.RequestHash[:], "chat", "gpt-test", "test-provider",
			"DENIED", int64(500), int64(0), int64(0), []byte(nil), nil, int64(1),
			time.Unix(0, 0), time.Unix(0, 0)))
	mock.ExpectRollback()

	result, err := s.Reserve(context.Background(), exec)
	require.ErrorIs(t, err, ErrBudgetExceeded)
	require.Equal(t, domain.StateDenied, result.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAppendsReserveEventOnSuccess(t *testing.T) {
	s, mock := newTestStore(t)
	exec := testExecution("agent_1", "idem_1", 500)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT execution_id, agent_id, idempotency_key, request_hash`).
		WithArgs("agent_1", "idem_1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT budget_micro - spent_micro - reserved_micro`).
		WithArgs("agent_1").
		WillReturnRows(sqlmock.NewRows([]string{"budget_micro - spent_micro - reserved_micro"}).AddRow(int64(10000)))
	mock.ExpectExec(`UPDATE agents SET reserved_micro = reserved_micro`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO executions`).
		WillReturnRows(sqlmock.NewRows(executionColumns).AddRow(
			"ex_test", "agent_1", "idem_1", exec.RequestHash[:], "chat", "gpt-test", "test-provider",
			"RESERVED", int64(500), int64(0), int64(0), []byte(nil), nil, int64(1),
			time.Unix(0, 0), nil))
	expectFreshEventAppend(mock)
	mock.ExpectCommit()

	result, err := s.Reserve(context.Background(), exec)
	require.NoError(t, err)
	require.Equal(t, domain.StateReserved, result.State)
	require.NoError(t, mock.ExpectationsWereMet())
}
