package timetable

import (
	"fmt"
	"time"
)

// Edge selects which end of a lesson is formatted.
type Edge int

// Lesson edges.
const (
	EdgeStart Edge = iota
	EdgeEnd
)

// DecodeDate splits a yyyymmdd integer into its calendar parts.
func DecodeDate(date int) (year, month, day int) {
	return date / 10000, date / 100 % 100, date % 100
}

// EncodeDate returns t's calendar date as a yyyymmdd integer.
func EncodeDate(t time.Time) int {
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// DecodeTime splits an hhmm integer into hour and minute.
// Both 3 digit (800) and 4 digit (1345) values are accepted.
func DecodeTime(hhmm int) (hour, minute int) {
	return hhmm / 100, hhmm % 100
}

// ToTimestamp combines an encoded date and time into an absolute time in loc.
func ToTimestamp(date, hhmm int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	year, month, day := DecodeDate(date)
	hour, minute := DecodeTime(hhmm)
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
}

// FormatForDisplay renders t as the name of the matching lesson period from grid,
// falling back to a short clock time when no period starts (or ends) at t.
func FormatForDisplay(t time.Time, edge Edge, grid []Timegrid) string {
	// Provider weekdays are 1-based starting on Sunday.
	day := int(t.Weekday()) + 1
	clock := t.Hour()*100 + t.Minute()

	for _, g := range grid {
		if g.Day != day {
			continue
		}
		for _, unit := range g.TimeUnits {
			match := unit.StartTime
			if edge == EdgeEnd {
				match = unit.EndTime
			}
			if match == clock {
				return fmt.Sprintf("lesson %s", unit.Name)
			}
		}
	}

	return t.Format("15:04")
}
