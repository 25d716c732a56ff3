package coordinator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedesk/feedback-sync-server/internal/fetch"
	"github.com/pulsedesk/feedback-sync-server/internal/refresh"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

type fakeFetcher struct {
	records []fetch.RawRecord
	calls   chan *time.Time
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ string, _ *time.Time) (*fetch.Page, error) {
	return nil, nil
}

func (f *fakeFetcher) FetchAll(_ context.Context, since *time.Time) ([]fetch.RawRecord, error) {
	if f.calls != nil {
		f.calls <- since
	}
	return f.records, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(t.Context()))
	return st
}

func TestCoordinator_RunsDueRefreshOnStartup(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{
		records: []fetch.RawRecord{{
			ID:          "rec1",
			CreatedTime: time.Date(2025, 6, 9, 10, 0, 0, 0, time.UTC),
			Fields:      json.RawMessage(`{"Summary": "hello"}`),
		}},
		calls: make(chan *time.Time, 8),
	}

	// Monday 10:30 in the reference zone, inside business hours
	schedule := testSchedule(t)
	schedule.PollingInterval = 50 * time.Millisecond
	now := at(t, schedule, 2025, time.June, 9, 10, 30)
	clock := func() time.Time { return now }

	engine := refresh.NewEngine(fetcher, st, refresh.WithClock(clock))
	coord := New(engine, st, schedule, WithClock(clock))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = coord.Start(ctx)
	}()

	// The startup tick triggers an incremental refresh with the epoch bound
	select {
	case since := <-fetcher.calls:
		require.NotNil(t, since)
		assert.True(t, since.Equal(time.Unix(0, 0).UTC()))
	case <-time.After(2 * time.Second):
		t.Fatal("expected a refresh on startup")
	}

	require.NoError(t, coord.Stop())

	status, err := st.GetStatus(t.Context())
	require.NoError(t, err)
	require.NotNil(t, status.LastIncrementalRefreshAt)
	assert.Equal(t, 1, status.RecordCount)
}

func TestCoordinator_IdleOutsideSchedule(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{calls: make(chan *time.Time, 8)}

	// Saturday, nothing is due
	schedule := testSchedule(t)
	schedule.PollingInterval = 20 * time.Millisecond
	now := at(t, schedule, 2025, time.June, 14, 10, 0)

	engine := refresh.NewEngine(fetcher, st)
	coord := New(engine, st, schedule, WithClock(func() time.Time { return now }))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = coord.Start(ctx)
	}()

	select {
	case <-fetcher.calls:
		t.Fatal("no refresh should run outside the schedule")
	case <-time.After(150 * time.Millisecond):
	}

	require.NoError(t, coord.Stop())
}

func TestCoordinator_FullTakesPrecedence(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{calls: make(chan *time.Time, 8)}

	// Force a moment where both refreshes are due: inside the full-refresh
	// grace window and inside business hours.
	schedule := testSchedule(t)
	schedule.FullRefreshWeekday = time.Monday
	schedule.FullRefreshHour = 10
	schedule.FullRefreshMinute = 0
	schedule.PollingInterval = 50 * time.Millisecond
	now := at(t, schedule, 2025, time.June, 9, 10, 15)

	engine := refresh.NewEngine(fetcher, st)
	coord := New(engine, st, schedule, WithClock(func() time.Time { return now }))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() {
		_ = coord.Start(ctx)
	}()

	// A full refresh carries no since bound
	select {
	case since := <-fetcher.calls:
		assert.Nil(t, since)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a full refresh")
	}

	require.NoError(t, coord.Stop())
}

func TestJitteredInterval_StaysInBounds(t *testing.T) {
	t.Parallel()

	schedule := testSchedule(t)
	schedule.PollingInterval = 2 * time.Minute
	c := &defaultCoordinator{schedule: schedule}

	for range 100 {
		got := c.jitteredInterval()
		assert.GreaterOrEqual(t, got, 90*time.Second)
		assert.LessOrEqual(t, got, 150*time.Second)
	}
}
