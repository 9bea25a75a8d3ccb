package concurrency

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/nadmax/cireport/internal/task"
)

// TaskOverlap is the number of tasks active, itself included, right after
// TaskID started.
type TaskOverlap struct {
	TaskID string `json:"task_id"`
	Count  int    `json:"count"`
}

type DayResult struct {
	Day         string        `json:"day"`
	Max         int           `json:"max"`
	PeakAt      time.Time     `json:"peak_at,omitzero"`
	PeakTaskIDs []string      `json:"peak_task_ids,omitempty"`
	Overlaps    []TaskOverlap `json:"overlaps,omitempty"`
}

// MaxConcurrencyForDay computes the exact maximum number of simultaneously
// active intervals within the calendar day containing day. Every countable
// interval is considered regardless of its tag. When several instants reach
// the maximum, the earliest one is reported.
func (c *Counter) MaxConcurrencyForDay(ctx context.Context, day time.Time) (DayResult, error) {
	dayStart, dayEnd := task.DayBounds(day)
	result := DayResult{Day: task.FormatDay(dayStart)}

	intervals, err := c.source.IntervalsForDay(ctx, dayStart)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrDataSourceUnavailable, err)
	}

	clipped := make([]task.Interval, 0, len(intervals))
	for _, interval := range intervals {
		if !interval.Countable() || !interval.Overlaps(dayStart, dayEnd) {
			continue
		}
		clipped = append(clipped, interval.Clip(dayStart, dayEnd))
	}
	if len(clipped) == 0 {
		return result, nil
	}

	maxCount, peakAt, overlaps := sweepDay(clipped)
	result.Max = maxCount
	result.PeakAt = peakAt

	for _, interval := range clipped {
		if interval.Contains(peakAt) {
			result.PeakTaskIDs = append(result.PeakTaskIDs, interval.TaskID)
		}
	}
	slices.Sort(result.PeakTaskIDs)

	if c.topN > 0 && len(overlaps) > c.topN {
		overlaps = overlaps[:c.topN]
	}
	result.Overlaps = overlaps

	return result, nil
}

type dayEvent struct {
	at    time.Time
	start bool
	index int
}

// sweepDay walks the start and end events in time order. Intervals are closed,
// so at equal instants every start is applied before any end.
func sweepDay(intervals []task.Interval) (int, time.Time, []TaskOverlap) {
	events := make([]dayEvent, 0, 2*len(intervals))
	for i, interval := range intervals {
		events = append(events,
			dayEvent{at: interval.Started, start: true, index: i},
			dayEvent{at: interval.Resolved, start: false, index: i},
		)
	}
	slices.SortFunc(events, func(a, b dayEvent) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		if a.start != b.start {
			if a.start {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.index, b.index)
	})

	counts := make([]int, len(intervals))
	var (
		active   int
		maxCount int
		peakAt   time.Time
	)

	for i := 0; i < len(events); {
		at := events[i].at

		first := i
		for i < len(events) && events[i].at.Equal(at) && events[i].start {
			active++
			i++
		}
		for j := first; j < i; j++ {
			counts[events[j].index] = active
		}
		if active > maxCount {
			maxCount = active
			peakAt = at
		}

		for i < len(events) && events[i].at.Equal(at) && !events[i].start {
			active--
			i++
		}
	}

	// Ranked by count, then earliest start, then task ID.
	order := make([]int, len(intervals))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		if c := intervals[a].Started.Compare(intervals[b].Started); c != 0 {
			return c
		}
		return cmp.Compare(intervals[a].TaskID, intervals[b].TaskID)
	})

	overlaps := make([]TaskOverlap, len(order))
	for rank, i := range order {
		overlaps[rank] = TaskOverlap{TaskID: intervals[i].TaskID, Count: counts[i]}
	}

	return maxCount, peakAt, overlaps
}

// MaxOf returns the largest daily maximum among cached day results.
func MaxOf(days map[string]DayResult) int {
	maxCount := 0
	for _, day := range days {
		maxCount = max(maxCount, day.Max)
	}

	return maxCount
}
