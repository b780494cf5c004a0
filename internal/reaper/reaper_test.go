package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/metrics"
	"scriptrunner/internal/models"
	"scriptrunner/internal/reaper"
	"scriptrunner/internal/store"
	"scriptrunner/internal/testutil"
)

type MockSink struct {
	metrics.NoopSink
	mock.Mock
}

func (m *MockSink) StaleRunsFailed(reason string, count int) {
	m.Called(reason, count)
}

func running(t *testing.T, st *store.ExecutionStore, at time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	e, err := st.Create(ctx, "ann", "/srv/a.py", at)
	require.NoError(t, err)
	require.NoError(t, st.AssignHandle(ctx, e.ID, "h"))
	_, err = st.BeginRun(ctx, e.ID, "h", "worker", at)
	require.NoError(t, err)
	return e.ID
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		schedule   string
		staleAfter time.Duration
		wantErr    bool
	}{
		{"descriptor", "@every 1m", time.Minute, false},
		{"five fields", "*/5 * * * *", time.Minute, false},
		{"with seconds", "*/10 * * * * *", time.Minute, false},
		{"garbage schedule", "every minute", time.Minute, true},
		{"zero stale threshold", "@every 1m", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := reaper.New(nil, tt.schedule, tt.staleAfter)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, r)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, r)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	db, _ := testutil.NewDB(t)
	st := store.New(db)
	ctx := context.Background()

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	stale := running(t, st, clock.Now())
	clock.Advance(90 * time.Second)
	fresh := running(t, st, clock.Now())
	clock.Advance(45 * time.Second)

	sink := &MockSink{}
	sink.On("StaleRunsFailed", metrics.ReasonHeartbeatExpired, 1).Once()

	r, err := reaper.New(st, "@every 1m", 2*time.Minute, reaper.WithClock(clock.Now), reaper.WithMetrics(sink))
	require.NoError(t, err)

	ids, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{stale}, ids)

	got, err := st.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, reaper.StaleMessage, got.ErrorMessage.ValueOrZero())
	assert.True(t, got.CompletedAt.Valid)
	assert.False(t, got.ExecutionHandle.Valid)

	got, err = st.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got.Status)

	// nothing left to reap
	ids, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	sink.AssertExpectations(t)
}

func TestSweep_ReleasesAbandonedCancels(t *testing.T) {
	db, _ := testutil.NewDB(t)
	st := store.New(db)
	ctx := context.Background()

	clock := testutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	id := running(t, st, clock.Now())
	require.NoError(t, st.RequestCancel(ctx, id, clock.Now()))
	require.ErrorIs(t, st.AssignHandle(ctx, id, "next"), store.ErrCancelPending)
	clock.Advance(5 * time.Minute)

	r, err := reaper.New(st, "@every 1m", 2*time.Minute, reaper.WithClock(clock.Now))
	require.NoError(t, err)

	ids, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.False(t, got.ExecutionHandle.Valid)
	assert.NoError(t, st.AssignHandle(ctx, id, "next"))
}

func TestStartStop(t *testing.T) {
	db, _ := testutil.NewDB(t)
	st := store.New(db)

	id := running(t, st, time.Now().Add(-time.Hour))

	r, err := reaper.New(st, "@every 1s", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), id)
		return err == nil && got.Status == models.StatusFailed
	}, 5*time.Second, 50*time.Millisecond)

	r.Stop()
	r.Stop()
}
