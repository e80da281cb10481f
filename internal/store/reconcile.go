package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

// GetAgentByID looks up an agent by its primary key, for offline
// reconciliation paths that enumerate agents rather than authenticating one.
func (s *Store) GetAgentByID(ctx context.Context, agentID string) (domain.Agent, error) {
	start := time.Now()
	var row agentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT agent_id, name, token_hash, token_expires_at, scope,
		       budget_micro, spent_micro, reserved_micro, rpm_limit, tpm_limit,
		       capabilities, created_at, last_activity_at
		FROM agents WHERE agent_id = $1`, agentID)
	s.observe("get_agent_by_id", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Agent{}, ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, err
	}
	return row.toDomain()
}

// AgentIDs returns every agent_id in the agents table, for replay sweeps
// that reconcile every agent rather than one caller-supplied ID.
func (s *Store) AgentIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT agent_id FROM agents ORDER BY agent_id`)
	s.observe("agent_ids", start, err)
	return ids, err
}
