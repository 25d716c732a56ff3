package coordinator

import (
	"fmt"
	"time"

	"github.com/pulsedesk/feedback-sync-server/internal/config"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
)

// Schedule holds the resolved refresh schedule in its fixed reference zone.
// Its decision methods are pure functions over wall-clock time and status, so
// polling them more often than the work cadence never re-triggers work.
type Schedule struct {
	Location *time.Location

	FullRefreshWeekday time.Weekday
	FullRefreshHour    int
	FullRefreshMinute  int
	FullRefreshGrace   time.Duration

	BusinessStartWeekday time.Weekday
	BusinessEndWeekday   time.Weekday
	BusinessStartHour    int
	BusinessEndHour      int

	PollingInterval     time.Duration
	IncrementalInterval time.Duration
}

// NewSchedule resolves a configuration into a Schedule.
func NewSchedule(cfg *config.ScheduleConfig) (*Schedule, error) {
	loc, err := cfg.GetLocation()
	if err != nil {
		return nil, fmt.Errorf("loading schedule time zone: %w", err)
	}

	fullWeekday, err := config.ParseWeekday(cfg.FullRefresh.Weekday)
	if err != nil {
		return nil, fmt.Errorf("full refresh weekday: %w", err)
	}
	startWeekday, err := config.ParseWeekday(cfg.BusinessHours.StartWeekday)
	if err != nil {
		return nil, fmt.Errorf("business hours start weekday: %w", err)
	}
	endWeekday, err := config.ParseWeekday(cfg.BusinessHours.EndWeekday)
	if err != nil {
		return nil, fmt.Errorf("business hours end weekday: %w", err)
	}

	return &Schedule{
		Location:             loc,
		FullRefreshWeekday:   fullWeekday,
		FullRefreshHour:      cfg.FullRefresh.Hour,
		FullRefreshMinute:    cfg.FullRefresh.Minute,
		FullRefreshGrace:     cfg.FullRefresh.GetGrace(),
		BusinessStartWeekday: startWeekday,
		BusinessEndWeekday:   endWeekday,
		BusinessStartHour:    cfg.BusinessHours.StartHour,
		BusinessEndHour:      cfg.BusinessHours.EndHour,
		PollingInterval:      cfg.GetPollingInterval(),
		IncrementalInterval:  cfg.GetIncrementalInterval(),
	}, nil
}

// lastFullWindowStart returns the most recent full-refresh window start at or
// before now.
func (s *Schedule) lastFullWindowStart(now time.Time) time.Time {
	local := now.In(s.Location)
	start := time.Date(local.Year(), local.Month(), local.Day(),
		s.FullRefreshHour, s.FullRefreshMinute, 0, 0, s.Location)

	daysBack := (int(local.Weekday()) - int(s.FullRefreshWeekday) + 7) % 7
	start = start.AddDate(0, 0, -daysBack)
	if start.After(local) {
		start = start.AddDate(0, 0, -7)
	}
	return start
}

// FullRefreshDue reports whether a full refresh should run now: the current
// time falls inside the configured window instance and that instance has not
// already been satisfied. Repeated polls within the same window stay false
// once a full refresh for it has succeeded.
func (s *Schedule) FullRefreshDue(now time.Time, status *store.Status) bool {
	windowStart := s.lastFullWindowStart(now)
	if now.Sub(windowStart) > s.FullRefreshGrace {
		return false
	}
	return status.LastFullRefreshAt == nil || status.LastFullRefreshAt.Before(windowStart)
}

// IncrementalDue reports whether an incremental refresh should run now: the
// current time falls inside business hours and at least the incremental
// interval has elapsed since the last one (or it has never run).
func (s *Schedule) IncrementalDue(now time.Time, status *store.Status) bool {
	local := now.In(s.Location)

	weekday := local.Weekday()
	if weekday < s.BusinessStartWeekday || weekday > s.BusinessEndWeekday {
		return false
	}

	hour := local.Hour()
	if hour < s.BusinessStartHour || hour >= s.BusinessEndHour {
		return false
	}

	if status.LastIncrementalRefreshAt == nil {
		return true
	}
	return now.Sub(*status.LastIncrementalRefreshAt) >= s.IncrementalInterval
}
