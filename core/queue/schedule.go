package queue

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes fire times of a recurring job.
// Every cron.Schedule satisfies the Next method.
type Schedule interface {
	// Next returns the first fire time strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// ParseCron parses a standard 5-field cron expression or a descriptor such as
// "@hourly" or "@every 10m". A "CRON_TZ=Europe/Berlin " prefix selects the
// time zone.
func ParseCron(pattern string) (Schedule, error) {
	s, err := cron.ParseStandard(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidSchedule, pattern, err)
	}
	return cronSchedule{pattern: pattern, schedule: s}, nil
}

// MustParseCron is like ParseCron but panics on an invalid pattern.
// Intended for package level schedule definitions.
func MustParseCron(pattern string) Schedule {
	s, err := ParseCron(pattern)
	if err != nil {
		panic(err)
	}
	return s
}

type cronSchedule struct {
	pattern  string
	schedule cron.Schedule
}

func (c cronSchedule) Next(t time.Time) time.Time { return c.schedule.Next(t) }
func (c cronSchedule) String() string             { return c.pattern }

// Every fires at a fixed interval. Unlike "@every", sub-second intervals are
// kept as is.
func Every(d time.Duration) Schedule {
	return everySchedule(d)
}

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	if e <= 0 {
		return time.Time{}
	}
	return t.Add(time.Duration(e))
}

func (e everySchedule) String() string {
	return "@every " + time.Duration(e).String()
}
