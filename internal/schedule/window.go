// Package schedule evaluates campaign sending windows: time-of-day periods,
// active weekdays, and the next instant a deferred campaign may resume.
// Everything here is pure; callers pass in the clock.
package schedule

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var hhmmRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

var weekdayNames = map[time.Weekday]string{
	time.Sunday:    "SUNDAY",
	time.Monday:    "MONDAY",
	time.Tuesday:   "TUESDAY",
	time.Wednesday: "WEDNESDAY",
	time.Thursday:  "THURSDAY",
	time.Friday:    "FRIDAY",
	time.Saturday:  "SATURDAY",
}

// ValidWeekday reports whether name is an upper-case English weekday name.
func ValidWeekday(name string) bool {
	for _, n := range weekdayNames {
		if n == name {
			return true
		}
	}
	return false
}

// ValidateWindow checks a campaign window at enqueue time. Overnight
// windows (start later than end) are not supported and are rejected here
// rather than silently misbehaving in the gate.
func ValidateWindow(startUTC, endUTC string, activeDays []string) error {
	if (startUTC == "") != (endUTC == "") {
		return fmt.Errorf("window bounds must be set together, got start=%q end=%q", startUTC, endUTC)
	}
	if startUTC != "" {
		if !hhmmRe.MatchString(startUTC) || !hhmmRe.MatchString(endUTC) {
			return fmt.Errorf("window bounds must be HH:mm, got start=%q end=%q", startUTC, endUTC)
		}
		if startUTC > endUTC {
			return fmt.Errorf("overnight windows are not supported: start %s is after end %s", startUTC, endUTC)
		}
	}
	for _, d := range activeDays {
		if !ValidWeekday(d) {
			return fmt.Errorf("unknown weekday %q", d)
		}
	}
	return nil
}

// WithinPeriod reports whether now falls inside [startUTC, endUTC],
// inclusive on both ends, comparing "HH:mm" strings in UTC. If either bound
// is absent the period is unbounded and the result is true.
func WithinPeriod(now time.Time, startUTC, endUTC string) (bool, error) {
	if startUTC == "" || endUTC == "" {
		return true, nil
	}
	if !hhmmRe.MatchString(startUTC) || !hhmmRe.MatchString(endUTC) {
		return false, fmt.Errorf("invalid time format, use HH:mm: start=%q end=%q", startUTC, endUTC)
	}
	hhmm := now.UTC().Format("15:04")
	return hhmm >= startUTC && hhmm <= endUTC, nil
}

// ActiveDay reports whether now's weekday, evaluated in tz, is in
// activeDays. An empty set means every day is active. An unknown timezone
// falls back to UTC.
func ActiveDay(now time.Time, activeDays []string, tz string) bool {
	if len(activeDays) == 0 {
		return true
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	today := weekdayNames[now.In(loc).Weekday()]
	for _, d := range activeDays {
		if strings.EqualFold(d, today) {
			return true
		}
	}
	return false
}

// NextActiveTime returns the earliest instant at or after now that falls on
// an active weekday at the window's start time-of-day (UTC). If today is
// active and the start has not yet passed, that is today's start. The scan
// is bounded at a week plus a day; an empty activeDays set treats every day
// as active.
func NextActiveTime(now time.Time, activeDays []string, startUTC string) (time.Time, error) {
	if startUTC == "" {
		startUTC = "00:00"
	}
	if !hhmmRe.MatchString(startUTC) {
		return time.Time{}, fmt.Errorf("invalid start time %q, use HH:mm", startUTC)
	}
	start, _ := time.Parse("15:04", startUTC)

	u := now.UTC()
	for offset := 0; offset <= 7; offset++ {
		day := u.AddDate(0, 0, offset)
		candidate := time.Date(day.Year(), day.Month(), day.Day(), start.Hour(), start.Minute(), 0, 0, time.UTC)
		if candidate.Before(u) {
			continue
		}
		if dayActive(candidate, activeDays) {
			return candidate, nil
		}
	}
	return time.Time{}, fmt.Errorf("no active day within a week of %s for days %v", u.Format(time.RFC3339), activeDays)
}

func dayActive(t time.Time, activeDays []string) bool {
	if len(activeDays) == 0 {
		return true
	}
	name := weekdayNames[t.Weekday()]
	for _, d := range activeDays {
		if strings.EqualFold(d, name) {
			return true
		}
	}
	return false
}
