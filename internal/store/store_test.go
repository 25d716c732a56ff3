package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func testRecord(id string, created time.Time, payload string) Record {
	return Record{
		ID:         id,
		CreatedAt:  created,
		ModifiedAt: created,
		Payload:    json.RawMessage(payload),
	}
}

func TestStore_OpenOnDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "feedback.db")
	s, err := Open(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))
	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("rec1", time.Now(), `{"Summary":"hello"}`),
	}))
	require.NoError(t, s.Close())

	// Reopen: data must survive
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.InitSchema(ctx))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_InitSchemaIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("rec1", time.Now(), `{}`),
	}))

	// Re-running schema init must not touch existing data or status
	require.NoError(t, s.InitSchema(ctx))
	require.NoError(t, s.InitSchema(ctx))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_UpsertLastWriteWins(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("rec1", created, `{"Summary":"first"}`),
		testRecord("rec2", created, `{"Summary":"other"}`),
	}))

	// Overlapping upsert replaces the payload entirely
	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("rec1", created, `{"Summary":"second","Team":"billing"}`),
	}))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	got, err := s.GetRecord(ctx, "rec1")
	require.NoError(t, err)
	require.JSONEq(t, `{"Summary":"second","Team":"billing"}`, string(got.Payload))
}

func TestStore_UpsertIdempotentReplay(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC)

	batch := []Record{
		testRecord("a", created, `{"n":1}`),
		testRecord("b", created, `{"n":2}`),
		testRecord("c", created, `{"n":3}`),
	}

	for range 3 {
		require.NoError(t, s.UpsertRecords(ctx, batch))
	}

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestStore_UpsertEmptyBatch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.UpsertRecords(context.Background(), nil))
}

func TestStore_UpsertRejectsEmptyID(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertRecords(ctx, []Record{testRecord("", time.Now(), `{}`)})
	require.Error(t, err)

	// The failed batch must not be partially visible
	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStore_ReadsSeeSnapshotDuringUpsert(t *testing.T) {
	t.Parallel()

	// File-backed store so WAL isolation applies, as in production
	path := filepath.Join(t.TempDir(), "feedback.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InitSchema(ctx))

	created := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("seed", created, `{"Summary":"seed"}`),
	}))

	batch := make([]Record, 0, 500)
	for i := range 500 {
		batch = append(batch, testRecord(fmt.Sprintf("rec-%03d", i), created, `{"n":1}`))
	}

	done := make(chan error, 1)
	go func() {
		done <- s.UpsertRecords(ctx, batch)
	}()

	// Readers racing the upsert transaction must observe either the prior
	// snapshot or the fully committed batch, never a partial one.
	for merging := true; merging; {
		select {
		case err := <-done:
			require.NoError(t, err)
			merging = false
		default:
			records, err := s.ListRecords(ctx)
			require.NoError(t, err)
			if len(records) != 1 && len(records) != 501 {
				t.Fatalf("observed partially-upserted batch: %d records", len(records))
			}
		}
	}

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 501, count)
}

func TestStore_GetRecordNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	_, err := s.GetRecord(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListRecords(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertRecords(ctx, []Record{
		testRecord("old", older, `{"n":1}`),
		testRecord("new", newer, `{"n":2}`),
	}))

	records, err := s.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "new", records[0].ID)
	require.Equal(t, "old", records[1].ID)
	require.True(t, records[0].CreatedAt.Equal(newer))
}

func TestStore_StatusLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	// Fresh store: all-empty status
	status, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.Nil(t, status.LastFullRefreshAt)
	require.Nil(t, status.LastIncrementalRefreshAt)
	require.Nil(t, status.LastUpdateWatermark)
	require.Zero(t, status.RecordCount)
	require.Nil(t, status.LastError)

	now := time.Date(2025, 7, 6, 23, 59, 0, 0, time.UTC)
	watermark := now.Add(-time.Minute)
	status.LastFullRefreshAt = &now
	status.LastUpdateWatermark = &watermark
	status.RecordCount = 5200
	require.NoError(t, s.SetStatus(ctx, status))

	loaded, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastFullRefreshAt)
	require.True(t, loaded.LastFullRefreshAt.Equal(now))
	require.NotNil(t, loaded.LastUpdateWatermark)
	require.True(t, loaded.LastUpdateWatermark.Equal(watermark))
	require.Equal(t, 5200, loaded.RecordCount)
	require.Nil(t, loaded.LastIncrementalRefreshAt)
}

func TestStore_StatusLastErrorRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	status, err := s.GetStatus(ctx)
	require.NoError(t, err)

	failedAt := time.Date(2025, 7, 7, 10, 0, 0, 0, time.UTC)
	status.LastError = &RefreshFailure{
		Kind:    "fetch",
		Message: "source API error 503: unavailable",
		At:      failedAt,
	}
	require.NoError(t, s.SetStatus(ctx, status))

	loaded, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastError)
	require.Equal(t, "fetch", loaded.LastError.Kind)
	require.Equal(t, "source API error 503: unavailable", loaded.LastError.Message)
	require.True(t, loaded.LastError.At.Equal(failedAt))

	// Clearing the error on the next success removes it
	loaded.LastError = nil
	require.NoError(t, s.SetStatus(ctx, loaded))

	cleared, err := s.GetStatus(ctx)
	require.NoError(t, err)
	require.Nil(t, cleared.LastError)
}
