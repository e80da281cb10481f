package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/domain"
)

type fakeStore struct {
	requests int64
	tokens   int64
	samples  int
}

func (f *fakeStore) RateWindowCount(ctx context.Context, agentID string, since int64) (int64, int64, error) {
	return f.requests, f.tokens, nil
}

func (f *fakeStore) RecordRateSample(ctx context.Context, agentID string, sample domain.RateSample) error {
	f.samples++
	return nil
}

func TestAllowDeniesOverRPM(t *testing.T) {
	store := &fakeStore{requests: 10, tokens: 0}
	l := New(store, nil, clock.NewFake(time.Unix(0, 0)))

	dec, err := l.Allow(context.Background(), "agent_1", 10, 0, 1)
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, "rpm", dec.Dimension)
}

func TestAllowDeniesOverTPM(t *testing.T) {
	store := &fakeStore{requests: 0, tokens: 900}
	l := New(store, nil, clock.NewFake(time.Unix(0, 0)))

	dec, err := l.Allow(context.Background(), "agent_1", 0, 1000, 500)
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Equal(t, "tpm", dec.Dimension)
}

func TestAllowRecordsSampleWhenWithinLimits(t *testing.T) {
	store := &fakeStore{requests: 1, tokens: 10}
	l := New(store, nil, clock.NewFake(time.Unix(0, 0)))

	dec, err := l.Allow(context.Background(), "agent_1", 100, 1000, 5)
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 1, store.samples)
}

func TestAllowIgnoresDimensionWithZeroLimit(t *testing.T) {
	store := &fakeStore{requests: 1000, tokens: 0}
	l := New(store, nil, clock.NewFake(time.Unix(0, 0)))

	dec, err := l.Allow(context.Background(), "agent_1", 0, 0, 1)
	require.NoError(t, err)
	require.True(t, dec.Allow)
}
