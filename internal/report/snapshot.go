package report

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/task"
)

// IntervalSink is satisfied by *sqlite.Snapshot.
type IntervalSink interface {
	InsertIntervals(ctx context.Context, intervals []task.Interval) error
}

// Snapshot copies the countable intervals of a window from source to sink,
// one day at a time. Intervals spanning several days are written once per day
// and replace each other in the sink.
type Snapshot struct {
	source repository.IntervalSource
	sink   IntervalSink
}

func NewSnapshot(source repository.IntervalSource, sink IntervalSink) *Snapshot {
	return &Snapshot{source: source, sink: sink}
}

func (s *Snapshot) Run(ctx context.Context, from, to time.Time) (int, error) {
	if !from.Before(to) {
		return 0, fmt.Errorf("start %s is not before end %s", from.Format(task.MinuteLayout), to.Format(task.MinuteLayout))
	}

	copied := make(map[string]struct{})
	for chunkStart := from; chunkStart.Before(to); {
		if err := ctx.Err(); err != nil {
			return len(copied), err
		}

		_, dayEnd := task.DayBounds(chunkStart)
		chunkEnd := dayEnd
		if dayEnd.After(to) {
			chunkEnd = to
		}

		intervals, err := s.source.IntervalsOverlapping(ctx, chunkStart, chunkEnd)
		if err != nil {
			return len(copied), fmt.Errorf("failed to read intervals for %s: %w", task.FormatDay(chunkStart), err)
		}

		var busy time.Duration
		countable := intervals[:0]
		for _, interval := range intervals {
			if interval.Countable() {
				countable = append(countable, interval)
				copied[interval.TaskID] = struct{}{}
				busy += interval.Duration()
			}
		}

		if err := s.sink.InsertIntervals(ctx, countable); err != nil {
			return len(copied), fmt.Errorf("failed to write intervals for %s: %w", task.FormatDay(chunkStart), err)
		}
		log.Printf("Copied %d intervals (%.1f task hours) for %s", len(countable), busy.Hours(), task.FormatDay(chunkStart))

		chunkStart = chunkEnd
	}

	return len(copied), nil
}
