// Package recovery runs the crash-safe sweep that reconciles reservations
// left behind by a process that died mid-admission or mid-dispatch: a
// RESERVED row past its TTL is released back to the agent's budget, and a
// DISPATCHED row past the provider timeout is failed and refunded. Both
// paths reuse the same CAS transitions the live request path uses, so a
// sweep racing a live completion is resolved by Store's row lock, not by
// the sweep's own logic.
package recovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/domain"
	"github.com/Auro-rium/aex/internal/logging"
	"github.com/Auro-rium/aex/internal/metrics"
)

// Store is the subset of runtime.Store the sweep needs. Release and Fail
// each append their event inside the same transaction as the row
// mutation, so the sweep never calls AppendEvent separately.
type Store interface {
	ExpiredReservations(ctx context.Context, cutoff int64) ([]domain.Reservation, error)
	OrphanedExecutions(ctx context.Context, cutoff int64) ([]domain.Execution, error)
	Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error)
	Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error)
}

// Sweeper periodically reconciles expired reservations and orphaned
// dispatches. A fresh sweep also runs once synchronously before the
// gateway accepts traffic, so a restart after a crash never serves
// requests against a budget still encumbered by dead reservations.
type Sweeper struct {
	store           Store
	clock           clock.Clock
	log             *logging.Logger
	metrics         *metrics.Metrics
	reserveTTL      time.Duration
	dispatchTimeout time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// New builds a Sweeper. reserveTTL bounds how long a RESERVED row may sit
// unclaimed before it is considered abandoned; dispatchTimeout plays the
// same role for DISPATCHED rows and should track the provider call budget.
func New(store Store, clk clock.Clock, log *logging.Logger, m *metrics.Metrics, reserveTTL, dispatchTimeout time.Duration) *Sweeper {
	return &Sweeper{
		store:           store,
		clock:           clk,
		log:             log,
		metrics:         m,
		reserveTTL:      reserveTTL,
		dispatchTimeout: dispatchTimeout,
	}
}

// SweepOnce runs a single pass and returns the counts reconciled. Callers
// use this directly for the pre-accept startup sweep; Start wraps it in a
// recurring schedule for the steady-state background loop.
func (s *Sweeper) SweepOnce(ctx context.Context) (released, failed int, err error) {
	now := s.clock.Now()

	reservations, err := s.store.ExpiredReservations(ctx, now.Add(-s.reserveTTL).UnixNano())
	if err != nil {
		return 0, 0, err
	}
	releasePayload, merr := json.Marshal(map[string]any{"reason": "reservation_expired"})
	if merr != nil {
		return 0, 0, merr
	}
	for _, r := range reservations {
		if _, rerr := s.store.Release(ctx, r.ExecutionID, releasePayload); rerr != nil {
			s.logWarn(rerr, "recovery: release expired reservation failed", r.ExecutionID)
			continue
		}
		released++
	}

	orphans, err := s.store.OrphanedExecutions(ctx, now.Add(-s.dispatchTimeout).UnixNano())
	if err != nil {
		return released, 0, err
	}
	failPayload, merr := json.Marshal(map[string]any{"reason": "dispatch_orphaned"})
	if merr != nil {
		return released, 0, merr
	}
	for _, e := range orphans {
		if _, ferr := s.store.Fail(ctx, e.ExecutionID, 504, failPayload); ferr != nil {
			s.logWarn(ferr, "recovery: fail orphaned dispatch failed", e.ExecutionID)
			continue
		}
		failed++
	}

	if s.metrics != nil {
		if released > 0 {
			s.metrics.RecordRecoverySwept(string(domain.StateReserved), released)
		}
		if failed > 0 {
			s.metrics.RecordRecoverySwept(string(domain.StateDispatched), failed)
		}
	}
	if s.log != nil && (released > 0 || failed > 0) {
		s.log.WithFields(map[string]any{"released": released, "failed": failed}).Info("recovery sweep reconciled stale executions")
	}
	return released, failed, nil
}

// Start runs SweepOnce on a cron schedule (every reserveTTL/2 by default)
// until Stop is called. It does not block; the first sweep fires on the
// schedule, not immediately — call SweepOnce directly first for the
// pre-accept startup pass.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	interval := s.reserveTTL / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c := cron.New()
	spec := "@every " + interval.String()
	id, err := c.AddFunc(spec, func() {
		if _, _, err := s.SweepOnce(ctx); err != nil && s.log != nil {
			s.log.WithError(err).Warn("recovery sweep pass failed")
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	s.cron = c
	s.entryID = id
	s.running = true
	return nil
}

// Stop halts the recurring schedule and waits for any in-flight sweep to
// finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) logWarn(err error, msg, executionID string) {
	if s.log == nil {
		return
	}
	s.log.WithError(err).WithFields(map[string]any{"execution_id": executionID}).Warn(msg)
}
