package report

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/pushlog"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/task"
)

const dateRangeSeparator = " to "

// PushSource is satisfied by *pushlog.Client.
type PushSource interface {
	Pushes(ctx context.Context, repo string, firstDay, lastDay time.Time) (pushlog.Pushes, error)
}

// Mailer is satisfied by *notify.Mailer.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// ParseDateRange parses "YYYY-MM-DD to YYYY-MM-DD".
func ParseDateRange(s string) (time.Time, time.Time, error) {
	first, last, ok := strings.Cut(s, dateRangeSeparator)
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date range %q, expected format \"YYYY-MM-DD to YYYY-MM-DD\"", s)
	}

	firstDay, err := task.ParseDay(first)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	lastDay, err := task.ParseDay(last)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if lastDay.Before(firstDay) {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date range %q: start is later than end", s)
	}

	return firstDay, lastDay, nil
}

type MonthlyOptions struct {
	Repo     string
	Hashtags []string
	// Refresh downloads the push log even when it is cached.
	Refresh bool
	Mailer  Mailer
	EmailTo []string
	Out     io.Writer
}

type MonthlySummary struct {
	First         time.Time
	Last          time.Time
	Tasks         int64
	ComputeYears  float64
	Workers       int64
	MaxConcurrent int
	Merges        int
	EndToEndHours float64
	RevisionHours float64
}

type MonthlyStats struct {
	stats  repository.StatsRepository
	pushes PushSource
	caches cache.Factory
	opts   MonthlyOptions
}

func NewMonthlyStats(stats repository.StatsRepository, pushes PushSource, caches cache.Factory, opts MonthlyOptions) *MonthlyStats {
	if opts.Repo == "" {
		opts.Repo = "mozilla-central"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	return &MonthlyStats{stats: stats, pushes: pushes, caches: caches, opts: opts}
}

func (r *MonthlyStats) Run(ctx context.Context, first, last time.Time) (MonthlySummary, error) {
	summary := MonthlySummary{First: first, Last: last}
	log.Printf("Processing %s%s%s", task.FormatDay(first), dateRangeSeparator, task.FormatDay(last))

	merges, err := r.mergeChangesets(ctx, first, last)
	if err != nil {
		return summary, err
	}
	summary.Merges = len(merges)

	if summary.EndToEndHours, err = r.endToEndHours(ctx, merges); err != nil {
		return summary, err
	}
	if summary.RevisionHours, err = r.revisionHours(ctx, merges); err != nil {
		return summary, err
	}

	year, month := first.Year(), first.Month()
	if summary.Tasks, err = r.stats.CountTasks(ctx, year, month); err != nil {
		return summary, fmt.Errorf("failed to count tasks: %w", err)
	}
	if summary.ComputeYears, err = r.stats.ComputeYears(ctx, year, month); err != nil {
		return summary, fmt.Errorf("failed to compute years: %w", err)
	}
	if summary.Workers, err = r.stats.UniqueWorkers(ctx, year, month); err != nil {
		return summary, fmt.Errorf("failed to count workers: %w", err)
	}
	if summary.MaxConcurrent, err = r.maxConcurrent(ctx, first); err != nil {
		return summary, err
	}

	tasksLine := r.tasksMessage(summary)
	endToEndLine := r.endToEndMessage(summary)
	fmt.Fprintln(r.opts.Out, tasksLine)
	fmt.Fprintln(r.opts.Out, endToEndLine)

	if r.opts.Mailer != nil && len(r.opts.EmailTo) > 0 {
		subject := "Firefox CI in " + first.Format("January 2006")
		if err := r.opts.Mailer.Send(ctx, r.opts.EmailTo, subject, tasksLine+"\n"+endToEndLine+"\n"); err != nil {
			return summary, err
		}
	}

	return summary, nil
}

// pushesNamespace keys the push log by repository and by both days of the
// range, so a different range never reuses another range's pushes.
func pushesNamespace(repo string, first, last time.Time) string {
	return fmt.Sprintf("%s-pushes-%s_%s", unsafeFileChars.Replace(repo), task.FormatDay(first), task.FormatDay(last))
}

func (r *MonthlyStats) mergeChangesets(ctx context.Context, first, last time.Time) ([]string, error) {
	store, err := r.caches(pushesNamespace(r.opts.Repo, first, last))
	if err != nil {
		return nil, err
	}

	var pushes pushlog.Pushes
	if !r.opts.Refresh {
		if pushes, err = cache.LoadAll[pushlog.Push](ctx, store); err != nil {
			return nil, err
		}
	}

	if len(pushes) == 0 {
		log.Printf("Downloading %s data for %s%s%s", r.opts.Repo, task.FormatDay(first), dateRangeSeparator, task.FormatDay(last))
		if pushes, err = r.pushes.Pushes(ctx, r.opts.Repo, first, last); err != nil {
			return nil, err
		}
		for id, push := range pushes {
			if err := cache.PutJSON(ctx, store, id, push); err != nil {
				return nil, err
			}
		}
	}

	merges := pushlog.MergeChangesets(pushes)
	log.Printf("Found %d merge changesets in %d pushes", len(merges), len(pushes))

	return merges, nil
}

// endToEndHours is the harmonic mean of the end-to-end time of the merges,
// in hours rounded to one decimal. Merges without qualifying tasks are skipped.
func (r *MonthlyStats) endToEndHours(ctx context.Context, merges []string) (hours float64, err error) {
	defer func(start time.Time) { repository.Observe("end_to_end", start, err) }(time.Now())

	var seconds []float64
	for _, revision := range merges {
		s, ok, err := r.stats.EndToEndSeconds(ctx, revision)
		if err != nil {
			return 0, fmt.Errorf("end-to-end time of %s: %w", revision, err)
		}
		if ok {
			seconds = append(seconds, s)
		}
	}

	if len(seconds) == 0 {
		log.Printf("No end-to-end times found for %d merges", len(merges))
		return 0, nil
	}

	mean, err := HarmonicMean(seconds)
	if err != nil {
		return 0, err
	}

	return RoundTo(mean/3600, 1), nil
}

// revisionHours is the harmonic mean of the task hours spent per merge.
func (r *MonthlyStats) revisionHours(ctx context.Context, merges []string) (float64, error) {
	if len(merges) == 0 {
		return 0, nil
	}

	hours, err := r.stats.RevisionHours(ctx, merges)
	if err != nil {
		return 0, fmt.Errorf("failed to load revision hours: %w", err)
	}
	if len(hours) == 0 {
		return 0, nil
	}

	values := make([]float64, 0, len(hours))
	for _, h := range hours {
		values = append(values, h)
	}

	mean, err := HarmonicMean(values)
	if err != nil {
		return 0, err
	}
	mean = RoundTo(mean, 1)
	log.Printf("Average task hours per merge: %.1f", mean)

	return mean, nil
}

// maxConcurrent reads the daily results cached by the concurrent-tasks job.
// A month that was never processed counts as zero.
func (r *MonthlyStats) maxConcurrent(ctx context.Context, first time.Time) (int, error) {
	store, err := r.caches(DailyNamespace(first))
	if err != nil {
		return 0, err
	}

	days, err := cache.LoadAll[concurrency.DayResult](ctx, store)
	if err != nil {
		return 0, err
	}
	if len(days) == 0 {
		log.Printf("No concurrency results cached for %s", first.Format(task.MonthLayout))
	}

	return concurrency.MaxOf(days), nil
}

func (r *MonthlyStats) withHashtags(message string) string {
	for _, hashtag := range r.opts.Hashtags {
		message += " " + hashtag
	}
	return message
}

func (r *MonthlyStats) tasksMessage(s MonthlySummary) string {
	return r.withHashtags(fmt.Sprintf(
		"Firefox CI in %s: %s tasks; %.1f compute years; %s unique workers; %s maximum concurrent tasks",
		s.First.Format("January 2006"),
		Thousands(s.Tasks),
		s.ComputeYears,
		Thousands(s.Workers),
		Thousands(int64(s.MaxConcurrent)),
	))
}

func (r *MonthlyStats) endToEndMessage(s MonthlySummary) string {
	return r.withHashtags(fmt.Sprintf(
		"Average end-to-end time per merge commit for %s: %.1f hours",
		s.First.Format("January 2006"),
		s.EndToEndHours,
	))
}
