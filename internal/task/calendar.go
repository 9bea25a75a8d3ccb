package task

import (
	"fmt"
	"strings"
	"time"
)

const (
	DayLayout    = "2006-01-02"
	MonthLayout  = "2006-01"
	MinuteLayout = "2006-01-02 15:04"
)

// ParseMinute parses a "YYYY-MM-DD HH:MM" timestamp in UTC.
func ParseMinute(s string) (time.Time, error) {
	t, err := time.ParseInLocation(MinuteLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q, expected format YYYY-MM-DD HH:MM: %w", s, err)
	}

	return t, nil
}

func ParseDay(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DayLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected format YYYY-MM-DD: %w", s, err)
	}

	return t, nil
}

// ParseMonth parses "YYYY-MM" and returns the first day of that month in UTC.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.ParseInLocation(MonthLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q, expected format YYYY-MM: %w", s, err)
	}

	return t, nil
}

// DayBounds returns [start of day, start of next day) in the location of day.
func DayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

// MonthBounds returns [first instant of the month, first instant of the next month) in UTC.
func MonthBounds(year int, month time.Month) (time.Time, time.Time) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// DaysInMonth lists every calendar day of the month containing first.
func DaysInMonth(first time.Time) []time.Time {
	start, end := MonthBounds(first.Year(), first.Month())

	var days []time.Time
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}

	return days
}

// PreviousMonth returns the first and last day of the month before now.
func PreviousMonth(now time.Time) (time.Time, time.Time) {
	firstOfThis := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := firstOfThis.AddDate(0, 0, -1)
	first := time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC)

	return first, last
}

func FormatDay(t time.Time) string {
	return t.Format(DayLayout)
}
