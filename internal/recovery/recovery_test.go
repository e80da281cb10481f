package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Auro-rium/aex/internal/clock"
	"github.com/Auro-rium/aex/internal/domain"
)

type fakeStore struct {
	reservations []domain.Reservation
	orphans      []domain.Execution
	released     []string
	failed       []string
}

func (f *fakeStore) ExpiredReservations(ctx context.Context, cutoff int64) ([]domain.Reservation, error) {
	return f.reservations, nil
}
func (f *fakeStore) OrphanedExecutions(ctx context.Context, cutoff int64) ([]domain.Execution, error) {
	return f.orphans, nil
}
func (f *fakeStore) Release(ctx context.Context, executionID string, eventPayload []byte) (domain.Execution, error) {
	f.released = append(f.released, executionID)
	return domain.Execution{ExecutionID: executionID, State: domain.StateReleased}, nil
}
func (f *fakeStore) Fail(ctx context.Context, executionID string, statusCode int, eventPayload []byte) (domain.Execution, error) {
	f.failed = append(f.failed, executionID)
	return domain.Execution{ExecutionID: executionID, State: domain.StateFailed}, nil
}

func TestSweepOnceReleasesExpiredReservations(t *testing.T) {
	fs := &fakeStore{reservations: []domain.Reservation{{ExecutionID: "ex_1"}, {ExecutionID: "ex_2"}}}
	s := New(fs, clock.NewFake(time.Unix(1000, 0)), nil, nil, time.Minute, time.Minute)

	released, failed, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, released)
	require.Equal(t, 0, failed)
	require.ElementsMatch(t, []string{"ex_1", "ex_2"}, fs.released)
}

func TestSweepOnceFailsOrphanedDispatches(t *testing.T) {
	fs := &fakeStore{orphans: []domain.Execution{{ExecutionID: "ex_3"}}}
	s := New(fs, clock.NewFake(time.Unix(1000, 0)), nil, nil, time.Minute, time.Minute)

	released, failed, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, released)
	require.Equal(t, 1, failed)
	require.Equal(t, []string{"ex_3"}, fs.failed)
}

func TestSweepOnceIsNoopWhenNothingStale(t *testing.T) {
	fs := &fakeStore{}
	s := New(fs, clock.NewFake(time.Unix(1000, 0)), nil, nil, time.Minute, time.Minute)

	released, failed, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, released)
	require.Zero(t, failed)
}
