package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

// GetAgentByTokenHash looks up an agent by the SHA-256 hash of its bearer
// token. Returns ErrNotFound if no agent matches.
func (s *Store) GetAgentByTokenHash(ctx context.Context, tokenHash string) (domain.Agent, error) {
	start := time.Now()
	var row agentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT agent_id, name, token_hash, token_expires_at, scope,
		       budget_micro, spent_micro, reserved_micro, rpm_limit, tpm_limit,
		       capabilities, created_at, last_activity_at
		FROM agents WHERE token_hash = $1`, tokenHash)
	s.observe("get_agent_by_token_hash", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, err
	}
	return row.toDomain()
}

// GetAgentByIdempotency looks up a prior execution for (agentID,
// idempotencyKey). The bool return is false when no such execution exists.
func (s *Store) GetAgentByIdempotency(ctx context.Context, agentID, idempotencyKey string) (domain.Execution, bool, error) {
	start := time.Now()
	var row executionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT execution_id, agent_id, idempotency_key, request_hash, route, model,
		       provider, state, reserve_micro, commit_micro, release_micro,
		       response_cache, status_code, version, created_at, terminal_at
		FROM executions WHERE agent_id = $1 AND idempotency_key = $2`, agentID, idempotencyKey)
	s.observe("get_execution_by_idempotency", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, false, nil
	}
	if err != nil {
		return domain.Execution{}, false, err
	}
	return row.toDomain(), true, nil
}

// touchActivity updates an agent's last_activity_at inside an already-open
// tx. Reserve does not call it; it sets last_activity_at in its own UPDATE.
func touchActivity(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET last_activity_at = $2 WHERE agent_id = $1`, agentID, now)
	return err
}
