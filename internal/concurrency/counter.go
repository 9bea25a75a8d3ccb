// Package concurrency counts how many task intervals are in flight at once.
//
// Two views are provided: fixed-width buckets over an arbitrary window, counted
// per classification tag, and the exact maximum within a calendar day. Both run
// a sweep over sorted start and end events, so the cost is linearithmic in the
// number of intervals plus linear in the number of buckets.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"slices"
	"time"

	"github.com/nadmax/cireport/internal/metrics"
	"github.com/nadmax/cireport/internal/task"
)

const (
	DefaultBucketWidth = time.Minute
	OtherTag           = "other"
)

type UnknownTagPolicy int

const (
	// DropUnknown ignores intervals whose tag is not configured.
	DropUnknown UnknownTagPolicy = iota
	// CountAsOther accumulates them under OtherTag.
	CountAsOther
	// Strict fails the run with ErrMissingClassification.
	Strict
)

func ParseUnknownTagPolicy(s string) (UnknownTagPolicy, error) {
	switch s {
	case "", "drop":
		return DropUnknown, nil
	case "other":
		return CountAsOther, nil
	case "strict":
		return Strict, nil
	default:
		return DropUnknown, fmt.Errorf("unknown tag policy %q (available: drop, other, strict)", s)
	}
}

func (p UnknownTagPolicy) String() string {
	switch p {
	case CountAsOther:
		return "other"
	case Strict:
		return "strict"
	default:
		return "drop"
	}
}

// Source supplies task intervals. Implementations must return every interval
// with started < to and resolved >= from.
type Source interface {
	IntervalsOverlapping(ctx context.Context, from, to time.Time) ([]task.Interval, error)
	IntervalsForDay(ctx context.Context, day time.Time) ([]task.Interval, error)
}

type Config struct {
	Source      Source
	Tags        []string
	BucketWidth time.Duration
	Unknown     UnknownTagPolicy
	// TopN limits the per-task overlap detail kept in a DayResult; zero keeps all.
	TopN int
}

type Counter struct {
	source  Source
	tags    []string
	known   map[string]struct{}
	width   time.Duration
	unknown UnknownTagPolicy
	topN    int
}

// Bucket is the half-open window [Start, End) with the overlap count per tag.
type Bucket struct {
	Start  time.Time
	End    time.Time
	Counts map[string]int
}

func (b Bucket) Total() int {
	total := 0
	for _, c := range b.Counts {
		total += c
	}

	return total
}

// LastSecond is the inclusive end of the bucket at one-second resolution.
func (b Bucket) LastSecond() time.Time {
	return b.End.Add(-time.Second)
}

func NewCounter(cfg Config) (*Counter, error) {
	if cfg.Source == nil {
		return nil, errors.New("concurrency: interval source is required")
	}
	if len(cfg.Tags) == 0 {
		return nil, errors.New("concurrency: at least one classification tag is required")
	}
	if cfg.BucketWidth < 0 {
		return nil, fmt.Errorf("concurrency: negative bucket width %s", cfg.BucketWidth)
	}
	if cfg.BucketWidth == 0 {
		cfg.BucketWidth = DefaultBucketWidth
	}

	known := make(map[string]struct{}, len(cfg.Tags))
	tags := make([]string, 0, len(cfg.Tags)+1)
	for _, tag := range cfg.Tags {
		if _, dup := known[tag]; dup {
			return nil, fmt.Errorf("concurrency: duplicate classification tag %q", tag)
		}
		known[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if cfg.Unknown == CountAsOther {
		if _, ok := known[OtherTag]; !ok {
			tags = append(tags, OtherTag)
		}
	}

	return &Counter{
		source:  cfg.Source,
		tags:    tags,
		known:   known,
		width:   cfg.BucketWidth,
		unknown: cfg.Unknown,
		topN:    cfg.TopN,
	}, nil
}

// Tags returns the tags every Bucket carries a count for, in configured order.
func (c *Counter) Tags() []string {
	return slices.Clone(c.tags)
}

func (c *Counter) BucketWidth() time.Duration {
	return c.width
}

// CountByMinute yields one Bucket per BucketWidth step from start while the
// bucket start is before end. The last bucket keeps its full width, so
// intervals are fetched once up to its end before the first bucket; a source
// failure is yielded before any bucket.
func (c *Counter) CountByMinute(ctx context.Context, start, end time.Time) iter.Seq2[Bucket, error] {
	return func(yield func(Bucket, error) bool) {
		if !start.Before(end) {
			yield(Bucket{}, fmt.Errorf("%w: start %s is not before end %s",
				ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339)))
			return
		}

		intervals, err := c.source.IntervalsOverlapping(ctx, start, c.lastBucketEnd(start, end))
		if err != nil {
			yield(Bucket{}, fmt.Errorf("%w: %w", ErrDataSourceUnavailable, err))
			return
		}

		sw, err := c.newSweep(intervals)
		if err != nil {
			yield(Bucket{}, err)
			return
		}

		for from := start; from.Before(end); from = from.Add(c.width) {
			if !yield(sw.advance(from, from.Add(c.width)), nil) {
				return
			}
		}
	}
}

// lastBucketEnd is the end of the final bucket that starts before end.
func (c *Counter) lastBucketEnd(start, end time.Time) time.Time {
	n := (end.Sub(start) + c.width - 1) / c.width
	return start.Add(n * c.width)
}

// classify maps an interval tag onto the configured set. ok is false when the
// interval must be skipped.
func (c *Counter) classify(tag string) (string, bool, error) {
	if _, ok := c.known[tag]; ok {
		return tag, true, nil
	}

	switch c.unknown {
	case CountAsOther:
		return OtherTag, true, nil
	case Strict:
		return "", false, fmt.Errorf("%w: tag %q is not configured", ErrMissingClassification, tag)
	default:
		return "", false, nil
	}
}

type tagEvents struct {
	starts []time.Time
	ends   []time.Time
	si     int
	ei     int
}

// sweep holds per-tag start and end times sorted ascending. Both cursors only
// move forward, so buckets must be requested in chronological order.
type sweep struct {
	tags   []string
	events map[string]*tagEvents
}

func (c *Counter) newSweep(intervals []task.Interval) (*sweep, error) {
	sw := &sweep{
		tags:   c.tags,
		events: make(map[string]*tagEvents, len(c.tags)),
	}
	for _, tag := range c.tags {
		sw.events[tag] = &tagEvents{}
	}

	var unknown, invalid int
	for _, interval := range intervals {
		if !interval.Countable() {
			invalid++
			continue
		}

		tag, ok, err := c.classify(interval.Tag)
		if err != nil {
			return nil, err
		}
		if !ok {
			unknown++
			continue
		}

		ev := sw.events[tag]
		ev.starts = append(ev.starts, interval.Started)
		ev.ends = append(ev.ends, interval.Resolved)
	}

	for _, ev := range sw.events {
		slices.SortFunc(ev.starts, time.Time.Compare)
		slices.SortFunc(ev.ends, time.Time.Compare)
	}

	if unknown > 0 {
		log.Printf("Dropped %d intervals with unconfigured tags (policy: %s)", unknown, c.unknown)
		metrics.RecordIntervalsDropped("unknown_tag", unknown)
	}
	if invalid > 0 {
		log.Printf("Dropped %d intervals without a countable start/resolution", invalid)
		metrics.RecordIntervalsDropped("invalid", invalid)
	}

	return sw, nil
}

// advance counts, per tag, #(started < to) - #(resolved < from). Every interval
// resolved before from also started before to, so the difference is exactly
// the number of intervals overlapping [from, to).
func (s *sweep) advance(from, to time.Time) Bucket {
	counts := make(map[string]int, len(s.tags))
	for _, tag := range s.tags {
		ev := s.events[tag]
		for ev.si < len(ev.starts) && ev.starts[ev.si].Before(to) {
			ev.si++
		}
		for ev.ei < len(ev.ends) && ev.ends[ev.ei].Before(from) {
			ev.ei++
		}
		counts[tag] = ev.si - ev.ei
	}

	return Bucket{Start: from, End: to, Counts: counts}
}
