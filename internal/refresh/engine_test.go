package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsedesk/feedback-sync-server/internal/fetch"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

// fakeFetcher is a scripted fetch.Client. It records the since bound of each
// FetchAll call and can block until released to simulate a long fetch.
type fakeFetcher struct {
	records []fetch.RawRecord
	err     error

	sinceCalls []*time.Time
	block      chan struct{}
}

func (f *fakeFetcher) FetchPage(_ context.Context, _ string, _ *time.Time) (*fetch.Page, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeFetcher) FetchAll(ctx context.Context, since *time.Time) ([]fetch.RawRecord, error) {
	f.sinceCalls = append(f.sinceCalls, since)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
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

func rawRecord(id string) fetch.RawRecord {
	return fetch.RawRecord{
		ID:          id,
		CreatedTime: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Fields:      json.RawMessage(`{"Summary": "feedback ` + id + `"}`),
	}
}

func fixedClock(instants ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		if i < len(instants) {
			t := instants[i]
			i++
			return t
		}
		return instants[len(instants)-1]
	}
}

func TestRefreshFull_Success(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{records: []fetch.RawRecord{rawRecord("rec1"), rawRecord("rec2")}}
	started := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	engine := NewEngine(fetcher, st, WithClock(fixedClock(started, started.Add(3*time.Second))))

	result, err := engine.RefreshFull(t.Context())
	require.NoError(t, err)

	assert.Equal(t, ModeFull, result.Mode)
	assert.Equal(t, 2, result.RecordsFetched)
	assert.Equal(t, 2, result.RecordCount)

	// Full refresh ignores the watermark entirely
	require.Len(t, fetcher.sinceCalls, 1)
	assert.Nil(t, fetcher.sinceCalls[0])

	status, err := st.GetStatus(t.Context())
	require.NoError(t, err)
	require.NotNil(t, status.LastFullRefreshAt)
	assert.Nil(t, status.LastIncrementalRefreshAt)
	require.NotNil(t, status.LastUpdateWatermark)
	assert.True(t, status.LastUpdateWatermark.Equal(started))
	assert.Equal(t, 2, status.RecordCount)
	assert.Nil(t, status.LastError)

	rec, err := st.GetRecord(t.Context(), "rec1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"Summary": "feedback rec1"}`, string(rec.Payload))
}

func TestRefreshIncremental_UsesWatermark(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{records: []fetch.RawRecord{rawRecord("rec1")}}

	first := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	engine := NewEngine(fetcher, st, WithClock(fixedClock(first, first, second, second)))

	_, err := engine.RefreshIncremental(t.Context())
	require.NoError(t, err)
	_, err = engine.RefreshIncremental(t.Context())
	require.NoError(t, err)

	require.Len(t, fetcher.sinceCalls, 2)

	// With no prior watermark the bound degrades to the epoch
	require.NotNil(t, fetcher.sinceCalls[0])
	assert.True(t, fetcher.sinceCalls[0].Equal(time.Unix(0, 0).UTC()))

	// The second run is bounded by the first run's start instant
	require.NotNil(t, fetcher.sinceCalls[1])
	assert.True(t, fetcher.sinceCalls[1].Equal(first))

	status, err := st.GetStatus(t.Context())
	require.NoError(t, err)
	require.NotNil(t, status.LastIncrementalRefreshAt)
	assert.Nil(t, status.LastFullRefreshAt)
}

func TestRefresh_FetchFailureLeavesStateIntact(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	// Seed a successful refresh first
	engine := NewEngine(&fakeFetcher{records: []fetch.RawRecord{rawRecord("rec1")}}, st)
	_, err := engine.RefreshFull(t.Context())
	require.NoError(t, err)

	before, err := st.GetStatus(t.Context())
	require.NoError(t, err)

	failing := NewEngine(&fakeFetcher{err: errors.New("connection reset")}, st)
	_, err = failing.RefreshIncremental(t.Context())
	require.Error(t, err)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindFetch, rerr.Kind)

	after, err := st.GetStatus(t.Context())
	require.NoError(t, err)

	// The failure is recorded but timestamps, watermark, and records survive
	require.NotNil(t, after.LastError)
	assert.Equal(t, KindFetch, after.LastError.Kind)
	assert.Contains(t, after.LastError.Message, "connection reset")
	assert.True(t, after.LastUpdateWatermark.Equal(*before.LastUpdateWatermark))
	assert.True(t, after.LastFullRefreshAt.Equal(*before.LastFullRefreshAt))
	assert.Equal(t, before.RecordCount, after.RecordCount)

	_, err = st.GetRecord(t.Context(), "rec1")
	assert.NoError(t, err)
}

func TestRefresh_SuccessClearsLastError(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)

	failing := NewEngine(&fakeFetcher{err: errors.New("boom")}, st)
	_, err := failing.RefreshFull(t.Context())
	require.Error(t, err)

	status, err := st.GetStatus(t.Context())
	require.NoError(t, err)
	require.NotNil(t, status.LastError)

	engine := NewEngine(&fakeFetcher{records: []fetch.RawRecord{rawRecord("rec1")}}, st)
	_, err = engine.RefreshFull(t.Context())
	require.NoError(t, err)

	status, err = st.GetStatus(t.Context())
	require.NoError(t, err)
	assert.Nil(t, status.LastError)
}

func TestRefresh_RejectsConcurrentRuns(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	fetcher := &fakeFetcher{
		records: []fetch.RawRecord{rawRecord("rec1")},
		block:   make(chan struct{}),
	}
	engine := NewEngine(fetcher, st)

	firstDone := make(chan error, 1)
	go func() {
		_, err := engine.RefreshFull(t.Context())
		firstDone <- err
	}()

	// Wait for the first refresh to reach the fetch phase
	require.Eventually(t, func() bool {
		return engine.Phase() == PhaseFetching
	}, 2*time.Second, 5*time.Millisecond)

	_, err := engine.RefreshIncremental(t.Context())
	assert.ErrorIs(t, err, ErrRefreshInProgress)

	close(fetcher.block)
	require.NoError(t, <-firstDone)
	assert.Equal(t, PhaseIdle, engine.Phase())
}

func TestRefresh_PhaseTransitions(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	engine := NewEngine(&fakeFetcher{}, st)
	assert.Equal(t, PhaseIdle, engine.Phase())

	_, err := engine.RefreshFull(t.Context())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, engine.Phase())
}
