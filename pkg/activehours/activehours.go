// Package activehours decides whether an instant falls inside a workspace's
// allowed automation window.
package activehours

import (
	"strconv"
	"strings"
	"time"
)

// Window describes the local days and hours during which automation may run.
//
// Days uses ISO weekday numbers (Monday=1 ... Sunday=7). An empty Days set
// allows every day. Start and End are local "HH:mm" times; when Start is later
// than End the window crosses midnight. Equal Start and End means all day.
type Window struct {
	Timezone      string
	Days          []int
	Start         string
	End           string
	RunOnWeekends bool
}

// IsWithin reports whether now, converted to the window's timezone, is inside
// the window. Any failure to resolve the timezone or parse the bounds fails
// open and returns true.
func IsWithin(now time.Time, w Window) bool {
	loc, err := loadLocation(w.Timezone)
	if err != nil {
		return true
	}
	start, err := ParseClock(w.Start)
	if err != nil {
		return true
	}
	end, err := ParseClock(w.End)
	if err != nil {
		return true
	}

	local := now.In(loc)
	day := isoWeekday(local.Weekday())

	if !w.RunOnWeekends && day >= 6 {
		return false
	}
	if len(w.Days) > 0 && !containsDay(w.Days, day) {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	switch {
	case start == end:
		return true
	case start < end:
		return minute >= start && minute <= end
	default:
		return minute >= start || minute <= end
	}
}

// maxSearch bounds NextOpening so a window that never opens cannot spin.
const maxSearch = 8 * 24 * time.Hour

// NextOpening returns the first minute at or after now that is inside the
// window. If now is already inside, now is returned. ok is false when no
// opening exists within eight days (for example an empty weekday set that
// excludes every day).
func NextOpening(now time.Time, w Window) (time.Time, bool) {
	if IsWithin(now, w) {
		return now, true
	}
	t := now.Truncate(time.Minute).Add(time.Minute)
	for deadline := now.Add(maxSearch); t.Before(deadline); t = t.Add(time.Minute) {
		if IsWithin(t, w) {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseClock parses "HH:mm" into minutes since midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, &time.ParseError{Layout: "15:04", Value: s, Message: ": expected HH:mm"}
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, &time.ParseError{Layout: "15:04", Value: s, Message: ": hour out of range"}
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, &time.ParseError{Layout: "15:04", Value: s, Message: ": minute out of range"}
	}
	return hour*60 + minute, nil
}

// LoadLocation resolves a timezone name, treating empty as UTC.
func LoadLocation(name string) (*time.Location, error) {
	return loadLocation(name)
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func isoWeekday(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
