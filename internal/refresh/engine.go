// Package refresh orchestrates full and incremental cache refreshes: fetching
// from the remote source, merging into the store, and updating the status
// record atomically.
package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/pulsedesk/feedback-sync-server/internal/fetch"
	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
	"github.com/pulsedesk/feedback-sync-server/internal/telemetry"
)

// Refresh modes
const (
	// ModeFull fetches the entire relevant-window dataset, ignoring the watermark
	ModeFull = "full"

	// ModeIncremental fetches only records changed at or after the watermark
	ModeIncremental = "incremental"
)

// Failure kinds recorded in the status record
const (
	// KindFetch marks a remote fetch failure
	KindFetch = "fetch"

	// KindStore marks a local persistence failure
	KindStore = "store"
)

// Phase is the observable state of a refresh invocation.
type Phase string

const (
	// PhaseIdle means no refresh is running
	PhaseIdle Phase = "Idle"

	// PhaseFetching means the engine is pulling pages from the remote source
	PhaseFetching Phase = "Fetching"

	// PhaseMerging means fetched records are being upserted into the store
	PhaseMerging Phase = "Merging"
)

// ErrRefreshInProgress is returned when a refresh is requested while another
// one is still running. At most one refresh runs at a time per store.
var ErrRefreshInProgress = errors.New("a refresh is already in progress")

// Error is a structured refresh failure. It is recorded in the status record
// and returned to the caller; it never crashes the host process.
type Error struct {
	// Kind classifies the failure (KindFetch or KindStore)
	Kind string

	// Message is the human-readable failure detail
	Message string

	// Err is the underlying cause
	Err error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result describes a completed refresh.
type Result struct {
	// Mode is ModeFull or ModeIncremental
	Mode string `json:"mode"`

	// RecordsFetched is how many records the remote source returned
	RecordsFetched int `json:"records_fetched"`

	// RecordCount is the total cached record count after the merge
	RecordCount int `json:"record_count"`

	// Duration is the wall-clock duration of the refresh
	Duration time.Duration `json:"duration"`
}

// Engine coordinates refresh operations against a single store. It is the
// only writer of records and status.
type Engine struct {
	fetcher fetch.Client
	store   *store.Store

	running atomic.Bool
	phase   atomic.Value

	refreshMetrics *telemetry.RefreshMetrics
	cacheMetrics   *telemetry.CacheMetrics

	now func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithMetrics attaches refresh and cache metrics instruments.
func WithMetrics(refresh *telemetry.RefreshMetrics, cache *telemetry.CacheMetrics) EngineOption {
	return func(e *Engine) {
		e.refreshMetrics = refresh
		e.cacheMetrics = cache
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a refresh engine over the given fetch client and store.
func NewEngine(fetcher fetch.Client, st *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		fetcher: fetcher,
		store:   st,
		now:     time.Now,
	}
	e.phase.Store(PhaseIdle)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Phase returns the current refresh phase.
func (e *Engine) Phase() Phase {
	return e.phase.Load().(Phase)
}

// RefreshFull fetches every record in the relevant window and merges it into
// the store. It never deletes records absent from the fetched set, so a
// partial remote dataset cannot silently drop previously cached records.
func (e *Engine) RefreshFull(ctx context.Context) (*Result, error) {
	return e.refresh(ctx, ModeFull)
}

// RefreshIncremental fetches only records changed at or after the stored
// watermark. With no prior watermark the bound degrades to the epoch, which
// is effectively a full fetch.
func (e *Engine) RefreshIncremental(ctx context.Context) (*Result, error) {
	return e.refresh(ctx, ModeIncremental)
}

func (e *Engine) refresh(ctx context.Context, mode string) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRefreshInProgress
	}
	defer func() {
		e.phase.Store(PhaseIdle)
		e.running.Store(false)
	}()

	started := e.now()
	logger.Infof("Starting %s refresh", mode)

	status, err := e.store.GetStatus(ctx)
	if err != nil {
		return nil, e.fail(ctx, mode, started, &Error{
			Kind:    KindStore,
			Message: "reading sync status: " + err.Error(),
			Err:     err,
		})
	}

	var since *time.Time
	if mode == ModeIncremental {
		if status.LastUpdateWatermark != nil {
			since = status.LastUpdateWatermark
		} else {
			epoch := time.Unix(0, 0).UTC()
			since = &epoch
		}
	}

	e.phase.Store(PhaseFetching)
	raws, err := e.fetcher.FetchAll(ctx, since)
	if err != nil {
		return nil, e.fail(ctx, mode, started, &Error{
			Kind:    KindFetch,
			Message: "fetching records: " + err.Error(),
			Err:     err,
		})
	}

	e.phase.Store(PhaseMerging)
	records := make([]store.Record, 0, len(raws))
	for i := range raws {
		r := &raws[i]
		records = append(records, store.Record{
			ID:         r.ID,
			CreatedAt:  r.CreatedTime,
			ModifiedAt: r.ModifiedTime(),
			Payload:    r.Fields,
		})
	}

	if err := e.store.UpsertRecords(ctx, records); err != nil {
		return nil, e.fail(ctx, mode, started, &Error{
			Kind:    KindStore,
			Message: "merging records: " + err.Error(),
			Err:     err,
		})
	}

	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, e.fail(ctx, mode, started, &Error{
			Kind:    KindStore,
			Message: "counting records: " + err.Error(),
			Err:     err,
		})
	}

	// The watermark moves to the refresh start, not its completion, so
	// records modified while the fetch was running are picked up next time.
	now := e.now()
	watermark := started
	status.LastUpdateWatermark = &watermark
	status.RecordCount = count
	status.LastError = nil
	if mode == ModeFull {
		status.LastFullRefreshAt = &now
	} else {
		status.LastIncrementalRefreshAt = &now
	}

	// Status is written only after the record upserts committed, so an
	// advanced watermark always implies the records are already visible.
	if err := e.store.SetStatus(ctx, status); err != nil {
		return nil, e.fail(ctx, mode, started, &Error{
			Kind:    KindStore,
			Message: "writing sync status: " + err.Error(),
			Err:     err,
		})
	}

	duration := e.now().Sub(started)
	e.refreshMetrics.RecordRefreshDuration(ctx, mode, duration, true)
	e.cacheMetrics.RecordRecordsTotal(ctx, int64(count))

	logger.Infof("Refresh (%s) completed: %d records fetched, %d cached, took %s",
		mode, len(raws), count, duration)

	return &Result{
		Mode:           mode,
		RecordsFetched: len(raws),
		RecordCount:    count,
		Duration:       duration,
	}, nil
}

// fail records the failure in the status record (best effort) and returns the
// structured error. Refresh timestamps and the watermark are left untouched,
// so previously cached data stays servable and correctly bounded.
func (e *Engine) fail(ctx context.Context, mode string, started time.Time, ferr *Error) error {
	logger.Errorf("Refresh (%s) failed: %s", mode, ferr.Message)

	status, err := e.store.GetStatus(ctx)
	if err != nil {
		logger.Errorf("Failed to read status while recording refresh failure: %v", err)
	} else {
		status.LastError = &store.RefreshFailure{
			Kind:    ferr.Kind,
			Message: ferr.Message,
			At:      e.now(),
		}
		if err := e.store.SetStatus(ctx, status); err != nil {
			logger.Errorf("Failed to record refresh failure in status: %v", err)
		}
	}

	e.refreshMetrics.RecordRefreshDuration(ctx, mode, e.now().Sub(started), false)
	return ferr
}
