package store

import (
	"context"
	"time"

	"github.com/Auro-rium/aex/internal/domain"
)

// RateWindowCount returns the number of requests and tokens recorded for
// agentID since the given unix-nanos cutoff. Used by the durable
// sliding-window rate limiter as the source of truth.
func (s *Store) RateWindowCount(ctx context.Context, agentID string, since int64) (int64, int64, error) {
	start := time.Now()
	var row struct {
		Requests int64 `db:"requests"`
		Tokens   int64 `db:"tokens"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS requests, COALESCE(SUM(tokens), 0) AS tokens
		FROM rate_samples WHERE agent_id = $1 AND at_nanos >= $2`, agentID, since)
	s.observe("rate_window_count", start, err)
	return row.Requests, row.Tokens, err
}

// RecordRateSample appends one sliding-window observation for agentID.
func (s *Store) RecordRateSample(ctx context.Context, agentID string, sample domain.RateSample) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_samples (agent_id, at_nanos, tokens) VALUES ($1, $2, $3)`,
		agentID, sample.At, sample.Tokens)
	s.observe("record_rate_sample", start, err)
	return err
}

// PruneRateSamples deletes samples older than cutoff (unix nanos), keeping
// the rate_samples table bounded. The recovery sweep does not call it.
func (s *Store) PruneRateSamples(ctx context.Context, cutoff int64) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_samples WHERE at_nanos < $1`, cutoff)
	s.observe("prune_rate_samples", start, err)
	return err
}
