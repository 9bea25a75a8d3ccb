// Package task defines the task interval model shared by the repository, concurrency
// and report layers, plus the calendar helpers the jobs use to split months into days.
package task

import "time"

// Interval is the execution span of one task, tagged with its worker or
// instance type.
type Interval struct {
	TaskID   string    `json:"task_id"`
	Tag      string    `json:"tag"`
	Started  time.Time `json:"started"`
	Resolved time.Time `json:"resolved"`
}

func NewInterval(taskID, tag string, started, resolved time.Time) Interval {
	return Interval{
		TaskID:   taskID,
		Tag:      tag,
		Started:  started,
		Resolved: resolved,
	}
}

// Countable reports whether both timestamps are set and ordered.
func (i Interval) Countable() bool {
	if i.Started.IsZero() || i.Resolved.IsZero() {
		return false
	}

	return !i.Resolved.Before(i.Started)
}

// Overlaps reports whether the closed interval intersects the half-open window [from, to).
func (i Interval) Overlaps(from, to time.Time) bool {
	return i.Started.Before(to) && !i.Resolved.Before(from)
}

// Contains reports whether t lies within the closed interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Started) && !t.After(i.Resolved)
}

// Clip restricts the interval to the window [from, to]. The result may not be
// countable when the interval lies outside the window.
func (i Interval) Clip(from, to time.Time) Interval {
	clipped := i
	if clipped.Started.Before(from) {
		clipped.Started = from
	}
	if clipped.Resolved.After(to) {
		clipped.Resolved = to
	}

	return clipped
}

func (i Interval) Duration() time.Duration {
	if !i.Countable() {
		return 0
	}

	return i.Resolved.Sub(i.Started)
}
