package scheduler

import (
	"fmt"
	"time"

	"github.com/devrev/streakd/internal/config"
)

// MaxTimerSegment is the longest single wait of a chained long timer
const MaxTimerSegment = 2147483647 * time.Millisecond

// Schedule computes the next run after now
type Schedule interface {
	Next(now time.Time) time.Time
}

// Daily fires every day at a wall-clock time in Location
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first Hour:Minute strictly after now
func (d Daily) Next(now time.Time) time.Time {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.Hour, d.Minute, 0, 0, loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.Hour, d.Minute, 0, 0, loc)
	}
	return next
}

func (d Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d", d.Hour, d.Minute)
}

// Weekly fires once a week on Weekday at a wall-clock time in Location
type Weekly struct {
	Weekday  time.Weekday
	Hour     int
	Minute   int
	Location *time.Location
}

// Next returns the first Weekday Hour:Minute strictly after now
func (w Weekly) Next(now time.Time) time.Time {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	days := (int(w.Weekday) - int(local.Weekday()) + 7) % 7
	next := time.Date(local.Year(), local.Month(), local.Day()+days, w.Hour, w.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (w Weekly) String() string {
	return fmt.Sprintf("weekly on %s at %02d:%02d", w.Weekday, w.Hour, w.Minute)
}

// Every fires at a fixed interval from the previous run
type Every struct {
	Interval time.Duration
}

// Next returns now plus the interval
func (e Every) Next(now time.Time) time.Time {
	return now.Add(e.Interval)
}

func (e Every) String() string {
	return fmt.Sprintf("every %s", e.Interval)
}

// segments splits a wait into timer segments no longer than limit
func segments(wait, limit time.Duration) []time.Duration {
	if wait <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = MaxTimerSegment
	}
	var out []time.Duration
	for wait > limit {
		out = append(out, limit)
		wait -= limit
	}
	return append(out, wait)
}

// Schedules builds the job schedules from scheduler configuration
func Schedules(c *config.Config) (daily, weekly, leaderboard, monthly Schedule, err error) {
	loc := c.Location()
	h, m, err := config.ParseClock(c.Scheduler.DailyResetAt)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	daily = Daily{Hour: h, Minute: m, Location: loc}

	weekly, err = weeklyFrom(c.Scheduler.WeeklyReportDay, c.Scheduler.WeeklyReportAt, loc)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	leaderboard, err = weeklyFrom(c.Scheduler.LeaderboardDay, c.Scheduler.LeaderboardAt, loc)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return daily, weekly, leaderboard, Every{Interval: c.Scheduler.MonthlyInterval}, nil
}

func weeklyFrom(day, at string, loc *time.Location) (Schedule, error) {
	wd, err := config.ParseWeekday(day)
	if err != nil {
		return nil, err
	}
	h, m, err := config.ParseClock(at)
	if err != nil {
		return nil, err
	}
	return Weekly{Weekday: wd, Hour: h, Minute: m, Location: loc}, nil
}
