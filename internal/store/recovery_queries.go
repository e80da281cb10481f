package store

import (
	"context"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

// ExpiredReservations returns every RESERVED execution created before
// cutoff (unix nanoseconds), i.e. whose reserve TTL has elapsed without a
// dispatch. The recovery sweep releases each one.
func (s *Store) ExpiredReservations(ctx context.Context, cutoff int64) ([]domain.Reservation, error) {
	start := time.Now()
	var rows []struct {
		ExecutionID   string    `db:"execution_id"`
		AgentID       string    `db:"agent_id"`
		ReserveMicro  int64     `db:"reserve_micro"`
		State         string    `db:"state"`
		CreatedAt     time.Time `db:"created_at"`
		Version       int64     `db:"version"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT execution_id, agent_id, reserve_micro, state, created_at, version
		FROM executions
		WHERE state = 'RESERVED' AND created_at < to_timestamp($1 / 1000000000.0)`, cutoff)
	s.observe("expired_reservations", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Reservation{
			ExecutionID:   r.ExecutionID,
			AgentID:       r.AgentID,
			ReservedMicro: r.ReserveMicro,
			State:         domain.State(r.State),
			ExpiresAt:     r.CreatedAt,
			Version:       r.Version,
		})
	}
	return out, nil
}

// OrphanedExecutions returns every DISPATCHED execution created before
// cutoff (unix nanoseconds) with no terminal event, i.e. a dispatch whose
// provider call never resolved (crash mid-flight). The recovery sweep
// fails each one and refunds the reservation.
func (s *Store) OrphanedExecutions(ctx context.Context, cutoff int64) ([]domain.Execution, error) {
	start := time.Now()
	var rows []executionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT execution_id, agent_id, idempotency_key, request_hash, route, model,
		       provider, state, reserve_micro, commit_micro, release_micro,
		       response_cache, status_code, version, created_at, terminal_at
		FROM executions
		WHERE state = 'DISPATCHED' AND created_at < to_timestamp($1 / 1000000000.0)`, cutoff)
	s.observe("orphaned_executions", start, err)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Execution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
