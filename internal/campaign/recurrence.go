package campaign

import (
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrBadRecurrence rejects patterns that parse as neither a cron spec, a
// descriptor, nor an interval.
var ErrBadRecurrence = errors.New("invalid recurrence pattern")

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseRecurrence accepts three pattern forms:
//
//	standard 5-field cron specs        "0 9 * * MON"
//	cron descriptors                   "@daily", "@hourly", "@every 90m"
//	bare Go durations                  "45m", "6h"
//
// Cron specs evaluate in loc unless the spec carries its own CRON_TZ prefix.
// Interval forms anchor to the previous fire rather than the wall clock.
func ParseRecurrence(pattern string, loc *time.Location) (cron.Schedule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, ErrBadRecurrence
	}

	if d, err := time.ParseDuration(pattern); err == nil {
		if d <= 0 {
			return nil, ErrBadRecurrence
		}
		return intervalSchedule{d: d}, nil
	}
	if rest, ok := strings.CutPrefix(pattern, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return nil, ErrBadRecurrence
		}
		return intervalSchedule{d: d}, nil
	}

	if loc != nil && loc != time.Local && !strings.HasPrefix(pattern, "CRON_TZ=") && !strings.HasPrefix(pattern, "TZ=") {
		pattern = "CRON_TZ=" + loc.String() + " " + pattern
	}
	sched, err := cronParser.Parse(pattern)
	if err != nil {
		return nil, ErrBadRecurrence
	}
	return sched, nil
}

// NextAfter computes the next fire time strictly after now.
//
// Cron specs are absolute calendars, so the answer is simply the first
// boundary past now; a campaign that slept through ten daily boundaries gets
// one future fire, never a catch-up burst. Interval schedules stay anchored
// to last so the cadence does not drift with processing latency.
func NextAfter(s cron.Schedule, last, now time.Time) time.Time {
	if iv, ok := s.(intervalSchedule); ok && !last.IsZero() {
		if now.Before(last) {
			return last.Add(iv.d)
		}
		missed := now.Sub(last) / iv.d
		return last.Add((missed + 1) * iv.d)
	}
	from := now
	if last.After(now) {
		from = last
	}
	return s.Next(from)
}

// intervalSchedule fires every d from an arbitrary anchor point.
type intervalSchedule struct{ d time.Duration }

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.d)
}
