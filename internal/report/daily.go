package report

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/metrics"
	"github.com/nadmax/cireport/internal/task"
)

// DailyNamespace is the cache namespace holding the day results of a month.
func DailyNamespace(month time.Time) string {
	return "concurrent_tasks_" + month.Format(task.MonthLayout)
}

type DailyOptions struct {
	// Workers bounds the number of days computed at once.
	Workers int
	// Refresh recomputes days that are already cached.
	Refresh bool
	Now     func() time.Time
	Out     io.Writer
}

// DailyConcurrency computes the maximum concurrency of every finished day of a
// month and keeps the results in the cache.
type DailyConcurrency struct {
	counter *concurrency.Counter
	caches  cache.Factory
	opts    DailyOptions
}

func NewDailyConcurrency(counter *concurrency.Counter, caches cache.Factory, opts DailyOptions) *DailyConcurrency {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	return &DailyConcurrency{counter: counter, caches: caches, opts: opts}
}

// Run returns the monthly maximum over every cached day.
func (r *DailyConcurrency) Run(ctx context.Context, month time.Time) (int, error) {
	store, err := r.caches(DailyNamespace(month))
	if err != nil {
		return 0, err
	}

	days, err := cache.LoadAll[concurrency.DayResult](ctx, store)
	if err != nil {
		return 0, err
	}

	now := r.opts.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var pending []time.Time
	for _, day := range task.DaysInMonth(month) {
		key := task.FormatDay(day)
		switch {
		case day.After(today):
			log.Printf("Skipping %s because it hasn't happened yet", key)
			continue
		case day.Equal(today):
			log.Printf("Skipping %s because today isn't over yet", key)
			continue
		}

		if _, ok := days[key]; ok && !r.opts.Refresh {
			metrics.RecordDayCacheHit()
			continue
		}
		pending = append(pending, day)
	}

	if err := r.computeDays(ctx, store, pending, days); err != nil {
		return 0, err
	}

	maxCount := concurrency.MaxOf(days)
	metrics.UpdateMaxConcurrency(month.Format(task.MonthLayout), maxCount)
	fmt.Fprintf(r.opts.Out, "Maximum concurrent tasks: %s\n", Thousands(int64(maxCount)))

	return maxCount, nil
}

// computeDays fans the days out to the workers. One goroutine receives the
// results and owns the cache writes and the days map.
func (r *DailyConcurrency) computeDays(ctx context.Context, store cache.Store, pending []time.Time, days map[string]concurrency.DayResult) error {
	if len(pending) == 0 {
		return nil
	}

	results := make(chan concurrency.DayResult)
	writeErr := make(chan error, 1)
	go func() {
		var err error
		for result := range results {
			if err != nil {
				continue
			}
			if err = cache.PutJSON(ctx, store, result.Day, result); err != nil {
				continue
			}
			days[result.Day] = result
			metrics.RecordDayComputed()
		}
		writeErr <- err
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, day := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			log.Printf("Processing %s...", task.FormatDay(day))
			result, err := r.counter.MaxConcurrencyForDay(gctx, day)
			if err != nil {
				return fmt.Errorf("day %s: %w", task.FormatDay(day), err)
			}

			select {
			case results <- result:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	err := g.Wait()
	close(results)
	if werr := <-writeErr; werr != nil && err == nil {
		err = fmt.Errorf("failed to cache day result: %w", werr)
	}

	return err
}
