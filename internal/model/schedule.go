package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeRange is one processing window within a day, in seconds since
// midnight, with Start < End.
type TimeRange struct {
	Start int
	End   int
}

// WeeklySchedule maps a weekday to its non-overlapping processing windows,
// each sorted by start time.
type WeeklySchedule map[time.Weekday][]TimeRange

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeeklySchedule builds a schedule from configuration of the form
// {"Mon": ["08:30-12:00", "22:00-23:30"], ...}.
func ParseWeeklySchedule(raw map[string][]string) (WeeklySchedule, error) {
	out := make(WeeklySchedule, len(raw))
	for name, ranges := range raw {
		day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday: %q", name)
		}
		parsed := make([]TimeRange, 0, len(ranges))
		for _, r := range ranges {
			tr, err := parseTimeRange(r)
			if err != nil {
				return nil, err
			}
			parsed = append(parsed, tr)
		}
		sort.Slice(parsed, func(i, j int) bool { return parsed[i].Start < parsed[j].Start })
		for i := 1; i < len(parsed); i++ {
			if parsed[i].Start < parsed[i-1].End {
				return nil, fmt.Errorf("overlapping ranges on %s", name)
			}
		}
		out[day] = parsed
	}
	return out, nil
}

func parseTimeRange(raw string) (TimeRange, error) {
	parts := strings.SplitN(strings.TrimSpace(raw), "-", 2)
	if len(parts) != 2 {
		return TimeRange{}, fmt.Errorf("invalid time range: %q", raw)
	}
	start, err := parseDayTime(parts[0])
	if err != nil {
		return TimeRange{}, err
	}
	end, err := parseDayTime(parts[1])
	if err != nil {
		return TimeRange{}, err
	}
	if end <= start {
		return TimeRange{}, fmt.Errorf("time range end before start: %q", raw)
	}
	return TimeRange{Start: start, End: end}, nil
}

func parseDayTime(raw string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time of day: %q", raw)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day out of range: %q", raw)
	}
	return h*3600 + m*60, nil
}

// Empty reports whether the schedule has no windows at all.
func (s WeeklySchedule) Empty() bool {
	for _, ranges := range s {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

// Plan computes the delay until the next processing window starts and until
// it ends, relative to now. A zero start delay means now is inside a window
// and stop is the remaining time of that window. ok is false when the
// schedule has no windows.
func (s WeeklySchedule) Plan(now time.Time) (start, stop time.Duration, ok bool) {
	if s.Empty() {
		return 0, 0, false
	}
	daySec := now.Hour()*3600 + now.Minute()*60 + now.Second()
	// Scan forward day by day, wrapping; offset 7 covers an earlier range on
	// the same weekday next week.
	for offset := 0; offset <= 7; offset++ {
		day := time.Weekday((int(now.Weekday()) + offset) % 7)
		for _, r := range s[day] {
			if offset == 0 && daySec >= r.Start && daySec < r.End {
				return 0, time.Duration(r.End-daySec) * time.Second, true
			}
			delay := offset*secondsPerDay + r.Start - daySec
			if delay > 0 {
				return time.Duration(delay) * time.Second,
					time.Duration(delay+r.End-r.Start) * time.Second, true
			}
		}
	}
	return 0, 0, false
}
