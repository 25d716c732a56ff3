// Package coordinator schedules background cache refreshes. It polls the
// refresh schedule on a short interval and invokes the refresh engine when a
// full or incremental refresh is due.
package coordinator

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/refresh"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

// Coordinator manages background refresh scheduling and execution.
type Coordinator interface {
	// Start begins background refresh coordination. Blocks until the context
	// is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully stops the coordinator.
	Stop() error
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	engine   *refresh.Engine
	store    *store.Store
	schedule *Schedule

	// Lifecycle management
	cancelFunc context.CancelFunc
	done       chan struct{}

	now func() time.Time
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *defaultCoordinator) {
		c.now = now
	}
}

// New creates a new coordinator with injected dependencies.
func New(engine *refresh.Engine, st *store.Store, schedule *Schedule, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		engine:   engine,
		store:    st,
		schedule: schedule,
		done:     make(chan struct{}),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// jitteredInterval returns the polling interval with a random offset of up to
// a quarter of the interval in either direction, so multiple instances do not
// poll in lockstep.
func (c *defaultCoordinator) jitteredInterval() time.Duration {
	jitter := c.schedule.PollingInterval / 4
	if jitter <= 0 {
		return c.schedule.PollingInterval
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for polling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return c.schedule.PollingInterval + offset
}

// Start begins background refresh coordination.
func (c *defaultCoordinator) Start(ctx context.Context) error {
	logger.Infof("Starting refresh coordinator, polling every %s (zone %s)",
		c.schedule.PollingInterval, c.schedule.Location)

	coordCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer func() {
		close(c.done)
		logger.Info("Refresh coordinator shutting down")
	}()

	ticker := time.NewTicker(c.jitteredInterval())
	defer ticker.Stop()

	// Evaluate the schedule immediately so a due refresh is not delayed by a
	// full polling interval after startup.
	c.processTick(coordCtx)

	for {
		select {
		case <-ticker.C:
			c.processTick(coordCtx)
			ticker.Reset(c.jitteredInterval())
		case <-coordCtx.Done():
			logger.Info("Refresh coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator.
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		logger.Info("Stopping refresh coordinator")
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// processTick evaluates the schedule once and triggers a refresh if one is
// due. A full refresh takes precedence when both are due. All refresh errors
// are logged and swallowed so the next poll still runs.
func (c *defaultCoordinator) processTick(ctx context.Context) {
	status, err := c.store.GetStatus(ctx)
	if err != nil {
		logger.Errorf("Failed to read sync status, skipping schedule check: %v", err)
		return
	}

	now := c.now()
	switch {
	case c.schedule.FullRefreshDue(now, status):
		c.runRefresh(ctx, refresh.ModeFull)
	case c.schedule.IncrementalDue(now, status):
		c.runRefresh(ctx, refresh.ModeIncremental)
	default:
		logger.Debugf("No refresh due at %s", now.In(c.schedule.Location).Format(time.RFC3339))
	}
}

// runRefresh invokes the engine for the given mode. A concurrent refresh is a
// skip, not a failure; real failures are already recorded in the status by
// the engine.
func (c *defaultCoordinator) runRefresh(ctx context.Context, mode string) {
	logger.Infof("Scheduled %s refresh starting", mode)

	var (
		result *refresh.Result
		err    error
	)
	if mode == refresh.ModeFull {
		result, err = c.engine.RefreshFull(ctx)
	} else {
		result, err = c.engine.RefreshIncremental(ctx)
	}

	switch {
	case errors.Is(err, refresh.ErrRefreshInProgress):
		logger.Debugf("Skipping scheduled %s refresh: already in progress", mode)
	case err != nil:
		logger.Errorf("Scheduled %s refresh failed: %v", mode, err)
	default:
		logger.Infof("Scheduled %s refresh completed: %d records cached", mode, result.RecordCount)
	}
}
