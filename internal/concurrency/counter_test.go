package concurrency

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/cireport/internal/task"
)

type fakeSource struct {
	intervals []task.Interval
	err       error
	calls     int
}

func (f *fakeSource) IntervalsOverlapping(_ context.Context, from, to time.Time) ([]task.Interval, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	var out []task.Interval
	for _, interval := range f.intervals {
		if interval.Overlaps(from, to) {
			out = append(out, interval)
		}
	}

	return out, nil
}

func (f *fakeSource) IntervalsForDay(ctx context.Context, day time.Time) ([]task.Interval, error) {
	start, end := task.DayBounds(day)
	return f.IntervalsOverlapping(ctx, start, end)
}

func ts(hour, minute, second int) time.Time {
	return time.Date(2019, 8, 14, hour, minute, second, 0, time.UTC)
}

func newTestCounter(t *testing.T, source Source, tags ...string) *Counter {
	t.Helper()

	counter, err := NewCounter(Config{Source: source, Tags: tags})
	require.NoError(t, err)

	return counter
}

func collect(t *testing.T, counter *Counter, start, end time.Time) []Bucket {
	t.Helper()

	var buckets []Bucket
	for bucket, err := range counter.CountByMinute(context.Background(), start, end) {
		require.NoError(t, err)
		buckets = append(buckets, bucket)
	}

	return buckets
}

// countNaive checks every interval against every bucket.
func countNaive(intervals []task.Interval, tags []string, start, end time.Time, width time.Duration) []Bucket {
	known := make(map[string]bool, len(tags))
	for _, tag := range tags {
		known[tag] = true
	}

	var buckets []Bucket
	for from := start; from.Before(end); from = from.Add(width) {
		to := from.Add(width)
		counts := make(map[string]int, len(tags))
		for _, tag := range tags {
			counts[tag] = 0
		}
		for _, interval := range intervals {
			if !interval.Countable() || !known[interval.Tag] {
				continue
			}
			if interval.Overlaps(from, to) {
				counts[interval.Tag]++
			}
		}
		buckets = append(buckets, Bucket{Start: from, End: to, Counts: counts})
	}

	return buckets
}

func TestNewCounterValidation(t *testing.T) {
	source := &fakeSource{}

	tests := []struct {
		name   string
		config Config
		errMsg string
	}{
		{name: "missing source", config: Config{Tags: []string{"a"}}, errMsg: "source is required"},
		{name: "missing tags", config: Config{Source: source}, errMsg: "at least one"},
		{name: "duplicate tags", config: Config{Source: source, Tags: []string{"a", "a"}}, errMsg: "duplicate"},
		{name: "negative width", config: Config{Source: source, Tags: []string{"a"}, BucketWidth: -time.Second}, errMsg: "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCounter(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	counter, err := NewCounter(Config{Source: source, Tags: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultBucketWidth, counter.BucketWidth())
	assert.Equal(t, []string{"a", "b"}, counter.Tags())
}

func TestCountByMinuteSingleInterval(t *testing.T) {
	source := &fakeSource{intervals: []task.Interval{
		task.NewInterval("task-1", "c5.4xlarge", ts(10, 0, 0), ts(10, 2, 30)),
	}}
	counter := newTestCounter(t, source, "c5.4xlarge")

	buckets := collect(t, counter, ts(10, 0, 0), ts(10, 4, 0))
	require.Len(t, buckets, 4)

	expected := []int{1, 1, 1, 0}
	for i, bucket := range buckets {
		assert.Equal(t, ts(10, i, 0), bucket.Start)
		assert.Equal(t, ts(10, i, 59), bucket.LastSecond())
		assert.Equal(t, expected[i], bucket.Counts["c5.4xlarge"], "bucket %d", i)
	}
	assert.Equal(t, 1, source.calls)
}

func TestCountByMinuteLongIntervalCountedInEveryBucket(t *testing.T) {
	source := &fakeSource{intervals: []task.Interval{
		task.NewInterval("long", "a", ts(8, 0, 0), ts(12, 0, 0)),
		task.NewInterval("short", "b", ts(10, 1, 0), ts(10, 1, 10)),
	}}
	counter := newTestCounter(t, source, "a", "b")

	buckets := collect(t, counter, ts(10, 0, 0), ts(10, 3, 0))
	require.Len(t, buckets, 3)

	for _, bucket := range buckets {
		assert.Equal(t, 1, bucket.Counts["a"])
	}
	assert.Equal(t, []int{0, 1, 0}, []int{buckets[0].Counts["b"], buckets[1].Counts["b"], buckets[2].Counts["b"]})
	assert.Equal(t, 2, buckets[1].Total())
}

func TestCountByMinuteContiguousBuckets(t *testing.T) {
	counter := newTestCounter(t, &fakeSource{}, "a")

	buckets := collect(t, counter, ts(10, 0, 0), ts(10, 5, 30))
	require.Len(t, buckets, 6)

	for i := 1; i < len(buckets); i++ {
		assert.Equal(t, buckets[i-1].End, buckets[i].Start)
	}
	for _, bucket := range buckets {
		assert.Equal(t, map[string]int{"a": 0}, bucket.Counts)
	}
}

func TestCountByMinuteUnalignedEndFillsLastBucket(t *testing.T) {
	intervals := []task.Interval{
		task.NewInterval("late", "a", ts(10, 5, 45), ts(10, 5, 50)),
		task.NewInterval("early", "a", ts(10, 4, 30), ts(10, 5, 10)),
	}
	source := &fakeSource{intervals: intervals}
	counter := newTestCounter(t, source, "a")

	start, end := ts(10, 0, 0), ts(10, 5, 30)
	buckets := collect(t, counter, start, end)
	require.Len(t, buckets, 6)

	last := buckets[5]
	assert.Equal(t, ts(10, 6, 0), last.End)
	assert.Equal(t, 2, last.Counts["a"])
	assert.Equal(t, countNaive(intervals, []string{"a"}, start, end, time.Minute), buckets)
}

func TestCountByMinuteWideBucketsUnalignedEnd(t *testing.T) {
	intervals := []task.Interval{
		task.NewInterval("t1", "a", ts(10, 1, 0), ts(10, 2, 0)),
		task.NewInterval("t2", "a", ts(10, 8, 0), ts(10, 9, 0)),
	}
	counter, err := NewCounter(Config{
		Source:      &fakeSource{intervals: intervals},
		Tags:        []string{"a"},
		BucketWidth: 5 * time.Minute,
	})
	require.NoError(t, err)

	start, end := ts(10, 0, 0), ts(10, 7, 0)
	buckets := collect(t, counter, start, end)
	require.Len(t, buckets, 2)
	assert.Equal(t, []int{1, 1}, []int{buckets[0].Counts["a"], buckets[1].Counts["a"]})
	assert.Equal(t, countNaive(intervals, []string{"a"}, start, end, 5*time.Minute), buckets)
}

func TestCountByMinuteInvalidRange(t *testing.T) {
	source := &fakeSource{}
	counter := newTestCounter(t, source, "a")

	tests := []struct {
		name       string
		start, end time.Time
	}{
		{name: "equal", start: ts(10, 0, 0), end: ts(10, 0, 0)},
		{name: "reversed", start: ts(11, 0, 0), end: ts(10, 0, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var yielded int
			for bucket, err := range counter.CountByMinute(context.Background(), tt.start, tt.end) {
				yielded++
				assert.True(t, errors.Is(err, ErrInvalidRange))
				assert.True(t, bucket.Start.IsZero())
			}
			assert.Equal(t, 1, yielded)
		})
	}
	assert.Zero(t, source.calls)
}

func TestCountByMinuteSourceFailure(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	counter := newTestCounter(t, source, "a")

	var errs []error
	var buckets int
	for _, err := range counter.CountByMinute(context.Background(), ts(10, 0, 0), ts(11, 0, 0)) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		buckets++
	}

	require.Len(t, errs, 1)
	assert.Zero(t, buckets)
	assert.ErrorIs(t, errs[0], ErrDataSourceUnavailable)
	assert.Contains(t, errs[0].Error(), "connection refused")
}

func TestCountByMinuteUnknownTagPolicies(t *testing.T) {
	intervals := []task.Interval{
		task.NewInterval("known", "a", ts(10, 0, 0), ts(10, 0, 30)),
		task.NewInterval("unknown", "z", ts(10, 0, 0), ts(10, 0, 30)),
	}

	t.Run("drop", func(t *testing.T) {
		counter := newTestCounter(t, &fakeSource{intervals: intervals}, "a")
		buckets := collect(t, counter, ts(10, 0, 0), ts(10, 1, 0))
		require.Len(t, buckets, 1)
		assert.Equal(t, map[string]int{"a": 1}, buckets[0].Counts)
	})

	t.Run("other", func(t *testing.T) {
		counter, err := NewCounter(Config{Source: &fakeSource{intervals: intervals}, Tags: []string{"a"}, Unknown: CountAsOther})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", OtherTag}, counter.Tags())

		buckets := collect(t, counter, ts(10, 0, 0), ts(10, 1, 0))
		require.Len(t, buckets, 1)
		assert.Equal(t, map[string]int{"a": 1, OtherTag: 1}, buckets[0].Counts)
	})

	t.Run("strict", func(t *testing.T) {
		counter, err := NewCounter(Config{Source: &fakeSource{intervals: intervals}, Tags: []string{"a"}, Unknown: Strict})
		require.NoError(t, err)

		for _, err := range counter.CountByMinute(context.Background(), ts(10, 0, 0), ts(10, 1, 0)) {
			assert.ErrorIs(t, err, ErrMissingClassification)
		}
	})
}

func TestCountByMinuteSkipsUncountableIntervals(t *testing.T) {
	source := &fakeSource{intervals: []task.Interval{
		task.NewInterval("reversed", "a", ts(10, 0, 30), ts(10, 0, 10)),
		{TaskID: "open", Tag: "a", Started: ts(10, 0, 0)},
	}}
	counter := newTestCounter(t, source, "a")

	buckets := collect(t, counter, ts(10, 0, 0), ts(10, 1, 0))
	require.Len(t, buckets, 1)
	assert.Equal(t, 0, buckets[0].Counts["a"])
}

func TestCountByMinuteStopsEarly(t *testing.T) {
	counter := newTestCounter(t, &fakeSource{}, "a")

	var seen int
	for range counter.CountByMinute(context.Background(), ts(0, 0, 0), ts(23, 0, 0)) {
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestCountByMinuteIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	source := &fakeSource{intervals: randomIntervals(rng, 200, []string{"a", "b"})}
	counter := newTestCounter(t, source, "a", "b")

	first := collect(t, counter, ts(0, 0, 0), ts(3, 0, 0))
	second := collect(t, counter, ts(0, 0, 0), ts(3, 0, 0))

	assert.Equal(t, first, second)
}

func TestCountByMinuteNonOverlappingMatchesMidpoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))

	var intervals []task.Interval
	cursor := ts(0, 0, 0)
	for i := 0; i < 100; i++ {
		cursor = cursor.Add(time.Duration(rng.IntN(5)) * time.Minute)
		length := time.Duration(1+rng.IntN(10)) * time.Minute
		intervals = append(intervals, task.NewInterval("t", "a", cursor, cursor.Add(length-time.Second)))
		cursor = cursor.Add(length)
	}

	counter := newTestCounter(t, &fakeSource{intervals: intervals}, "a")
	for _, bucket := range collect(t, counter, ts(0, 0, 0), cursor) {
		mid := bucket.Start.Add(30 * time.Second)
		containing := 0
		for _, interval := range intervals {
			if interval.Contains(mid) {
				containing++
			}
		}
		assert.Equal(t, containing, bucket.Counts["a"], "bucket %s", bucket.Start)
	}
}

func TestCountByMinuteMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1024))
	tags := []string{"c5.xlarge", "m5d.2xlarge", "g3.4xlarge"}
	intervals := randomIntervals(rng, 1000, append(tags, "unlisted"))

	counter := newTestCounter(t, &fakeSource{intervals: intervals}, tags...)

	start, end := ts(0, 0, 0), ts(0, 0, 0).Add(24*time.Hour)
	got := collect(t, counter, start, end)
	want := countNaive(intervals, tags, start, end, time.Minute)

	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i], got[i], "bucket %s", want[i].Start)
	}
}

func TestCountByMinuteCustomWidth(t *testing.T) {
	source := &fakeSource{intervals: []task.Interval{
		task.NewInterval("task-1", "a", ts(10, 7, 0), ts(10, 20, 0)),
	}}
	counter, err := NewCounter(Config{Source: source, Tags: []string{"a"}, BucketWidth: 15 * time.Minute})
	require.NoError(t, err)

	buckets := collect(t, counter, ts(10, 0, 0), ts(11, 0, 0))
	require.Len(t, buckets, 4)
	assert.Equal(t, []int{1, 1, 0, 0}, []int{
		buckets[0].Counts["a"], buckets[1].Counts["a"], buckets[2].Counts["a"], buckets[3].Counts["a"],
	})
}

func TestParseUnknownTagPolicy(t *testing.T) {
	for _, name := range []string{"drop", "other", "strict"} {
		policy, err := ParseUnknownTagPolicy(name)
		require.NoError(t, err)
		assert.Equal(t, name, policy.String())
	}

	policy, err := ParseUnknownTagPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DropUnknown, policy)

	_, err = ParseUnknownTagPolicy("ignore")
	assert.Error(t, err)
}

// randomIntervals spreads intervals over a day, starting slightly before
// midnight so some are clipped by the window.
func randomIntervals(rng *rand.Rand, n int, tags []string) []task.Interval {
	dayStart := ts(0, 0, 0).Add(-30 * time.Minute)
	intervals := make([]task.Interval, 0, n)
	for i := 0; i < n; i++ {
		started := dayStart.Add(time.Duration(rng.IntN(25*3600)) * time.Second)
		resolved := started.Add(time.Duration(rng.IntN(3*3600)) * time.Second)
		intervals = append(intervals, task.NewInterval(
			fmt.Sprintf("task-%d", i),
			tags[rng.IntN(len(tags))],
			started,
			resolved,
		))
	}

	return intervals
}
