package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

// Reserve admits exec if the agent has enough available budget, debiting
// the reservation from the agent's available balance and appending the
// reserve event within the same transaction. If idempotencyKey has already
// been used for this agent, the prior execution is returned unchanged
// (replay) when the request hash matches, or ErrIdempotencyConflict if it
// doesn't; a prior DENIED row re-surfaces ErrBudgetExceeded rather than
// being replayed as a success.
//
// When the agent lacks available budget, Reserve still commits: it writes
// a DENIED execution row and appends a deny.budget event in the same
// transaction, then returns ErrBudgetExceeded. withSerializableRetry only
// retries on a Postgres serialization failure, so a sentinel error
// returned after a successful commit is propagated as-is, never retried.
func (s *Store) Reserve(ctx context.Context, exec domain.Execution) (domain.Execution, error) {
	start := time.Now()
	var result domain.Execution
	err := withSerializableRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var prior executionRow
		err = tx.GetContext(ctx, &prior, `
			SELECT execution_id, agent_id, idempotency_key, request_hash, route, model,
			       provider, state, reserve_micro, commit_micro, release_micro,
			       response_cache, status_code, version, created_at, terminal_at
			FROM executions WHERE agent_id = $1 AND idempotency_key = $2`,
			exec.AgentID, exec.IdempotencyKey)
		switch {
		case err == nil:
			if string(prior.RequestHash) != string(exec.RequestHash[:]) {
				return ErrIdempotencyConflict
			}
			result = prior.toDomain()
			if result.State == domain.StateDenied {
				return ErrBudgetExceeded
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to fresh reservation
		default:
			return err
		}

		var avail int64
		err = tx.GetContext(ctx, &avail, `
			SELECT budget_micro - spent_micro - reserved_micro
			FROM agents WHERE agent_id = $1 FOR UPDATE`, exec.AgentID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.clock.Now()

		if avail < exec.ReserveMicro {
			denyPayload, perr := json.Marshal(map[string]any{
				"agent_id":      exec.AgentID,
				"reserve_micro": exec.ReserveMicro,
				"reason":        "insufficient available budget",
			})
			if perr != nil {
				return perr
			}

			var row executionRow
			err = tx.GetContext(ctx, &row, `
				INSERT INTO executions
					(execution_id, agent_id, idempotency_key, request_hash, route, model,
					 provider, state, reserve_micro, version, created_at, terminal_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 'DENIED', $8, 1, $9, $9)
				RETURNING execution_id, agent_id, idempotency_key, request_hash, route, model,
				          provider, state, reserve_micro, commit_micro, release_micro,
				          response_cache, status_code, version, created_at, terminal_at`,
				exec.ExecutionID, exec.AgentID, exec.IdempotencyKey, exec.RequestHash[:],
				string(exec.Route), exec.Model, exec.Provider, exec.ReserveMicro, now)
			if err != nil {
				return err
			}

			if _, err := appendEventTx(ctx, tx, now, domain.DefaultScope, exec.ExecutionID, domain.EventDenyBudget, denyPayload); err != nil {
				return err
			}

			result = row.toDomain()
			if cerr := tx.Commit(); cerr != nil {
				return cerr
			}
			return ErrBudgetExceeded
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET reserved_micro = reserved_micro + $2, last_activity_at = $3
			WHERE agent_id = $1`, exec.AgentID, exec.ReserveMicro, now); err != nil {
			return err
		}

		var row executionRow
		err = tx.GetContext(ctx, &row, `
			INSERT INTO executions
				(execution_id, agent_id, idempotency_key, request_hash, route, model,
				 provider, state, reserve_micro, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'RESERVED', $8, 1, $9)
			RETURNING execution_id, agent_id, idempotency_key, request_hash, route, model,
			          provider, state, reserve_micro, commit_micro, release_micro,
			          response_cache, status_code, version, created_at, terminal_at`,
			exec.ExecutionID, exec.AgentID, exec.IdempotencyKey, exec.RequestHash[:],
			string(exec.Route), exec.Model, exec.Provider, exec.ReserveMicro, now)
		if err != nil {
			return err
		}

		reservePayload, perr := json.Marshal(map[string]any{
			"agent_id":      exec.AgentID,
			"reserve_micro": exec.ReserveMicro,
			"model":         exec.Model,
		})
		if perr != nil {
			return perr
		}
		if _, err := appendEventTx(ctx, tx, now, domain.DefaultScope, exec.ExecutionID, domain.EventReserve, reservePayload); err != nil {
			return err
		}

		result = row.toDomain()
		return tx.Commit()
	})
	s.observe("reserve", start, err)
	return result, err
}

// MarkDispatched transitions RESERVED -> DISPATCHED and appends the
// dispatch event in the same transaction. Returns ErrInvalidTransition if
// the execution is not currently RESERVED.
func (s *Store) MarkDispatched(ctx context.Context, executionID string, eventPayload []byte) error {
	start := time.Now()
	err := withSerializableRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE executions SET state = 'DISPATCHED', version = version + 1
			WHERE execution_id = $1 AND state = 'RESERVED'`, executionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInvalidTransition
		}

		if _, err := appendEventTx(ctx, tx, s.clock.Now(), domain.DefaultScope, executionID, domain.EventDispatch, eventPayload); err != nil {
			return err
		}
		return tx.Commit()
	})
	s.observe("mark_dispatched", start, err)
	return err
}

// Commit transitions DISPATCHED -> COMMITTED, crediting the agent's spent
// balance with commitMicro, releasing the remainder of the reservation,
// and appending the commit event — all in the same transaction. Callers
// apply the overrun policy (clamp or warn) before calling Commit;
// commitMicro here is the final amount to charge. eventPayload must carry
// the agent_id the commit belongs to: spend reconciliation aggregates
// commit totals per agent by walking the event log, not the executions
// table, so the field has to live inside the hashed payload.
func (s *Store) Commit(ctx context.Context, executionID string, commitMicro int64, responseCache []byte, statusCode int, eventPayload []byte) (domain.Execution, error) {
	start := time.Now()
	var result domain.Execution
	err := withSerializableRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var row executionRow
		err = tx.GetContext(ctx, &row, `
			SELECT execution_id, agent_id, idempotency_key, request_hash, route, model,
			       provider, state, reserve_micro, commit_micro, release_micro,
			       response_cache, status_code, version, created_at, terminal_at
			FROM executions WHERE execution_id = $1 FOR UPDATE`, executionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if row.State != string(domain.StateDispatched) {
			return ErrInvalidTransition
		}

		releaseMicro := row.ReserveMicro - commitMicro
		if releaseMicro < 0 {
			releaseMicro = 0
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET reserved_micro = reserved_micro - $2,
			                  spent_micro = spent_micro + $3
			WHERE agent_id = $1`, row.AgentID, row.ReserveMicro, commitMicro); err != nil {
			return err
		}

		now := s.clock.Now()
		err = tx.GetContext(ctx, &row, `
			UPDATE executions SET state = 'COMMITTED', commit_micro = $2, release_micro = $3,
			       response_cache = $4, status_code = $5, terminal_at = $6, version = version + 1
			WHERE execution_id = $1
			RETURNING execution_id, agent_id, idempotency_key, request_hash, route, model,
			          provider, state, reserve_micro, commit_micro, release_micro,
			          response_cache, status_code, version, created_at, terminal_at`,
			executionID, commitMicro, releaseMicro, responseCache, statusCode, now)
		if err != nil {
			return err
		}

		if _, err := appendEventTx(ctx, tx, now, domain.DefaultScope, executionID, domain.EventCommit, eventPayload); err != nil {
			return err
		}

		result = row.toDomain()
		return tx.Commit()
	})
	s.observe("commit", start, err)
	return result, err
}

// Release transitions RESERVED -> RELEASED, refunding the full reservation
// and appending the release event in the same transaction. Used when
// admission decides not to dispatch after all (e.g. a policy-layer veto
// discovered after reserve, or the recovery sweep reclaiming a reservation
// past its TTL).
func (s *Store) Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error) {
	return s.releaseOrFail(ctx, executionID, domain.StateReserved, domain.StateReleased, 0, domain.EventRelease, eventPayload)
}

// Fail transitions DISPATCHED -> FAILED, refunding the full reservation
// (the agent is not charged for a call the upstream never completed) and
// appending the fail event in the same transaction.
func (s *Store) Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error) {
	return s.releaseOrFail(ctx, executionID, domain.StateDispatched, domain.StateFailed, statusCode, domain.EventFail, eventPayload)
}

func (s *Store) releaseOrFail(ctx context.Context, executionID string, from, to domain.State, statusCode int, eventType domain.EventType, eventPayload []byte) (domain.Execution, error) {
	start := time.Now()
	var result domain.Execution
	err := withSerializableRetry(ctx, s.retry, func() error {
		tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var row executionRow
		err = tx.GetContext(ctx, &row, `
			SELECT execution_id, agent_id, idempotency_key, request_hash, route, model,
			       provider, state, reserve_micro, commit_micro, release_micro,
			       response_cache, status_code, version, created_at, terminal_at
			FROM executions WHERE execution_id = $1 FOR UPDATE`, executionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if row.State != string(from) {
			return ErrInvalidTransition
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET reserved_micro = reserved_micro - $2 WHERE agent_id = $1`,
			row.AgentID, row.ReserveMicro); err != nil {
			return err
		}

		now := s.clock.Now()
		err = tx.GetContext(ctx, &row, `
			UPDATE executions SET state = $2, release_micro = reserve_micro, status_code = $3,
			       terminal_at = $4, version = version + 1
			WHERE execution_id = $1
			RETURNING execution_id, agent_id, idempotency_key, request_hash, route, model,
			          provider, state, reserve_micro, commit_micro, release_micro,
			          response_cache, status_code, version, created_at, terminal_at`,
			executionID, string(to), statusCode, now)
		if err != nil {
			return err
		}

		if _, err := appendEventTx(ctx, tx, now, domain.DefaultScope, executionID, eventType, eventPayload); err != nil {
			return err
		}

		result = row.toDomain()
		return tx.Commit()
	})
	s.observe("release_or_fail", start, err)
	return result, err
}
