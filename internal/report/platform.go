package report

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/costexplorer"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/task"
)

const OtherPlatform = "Other"

// CostSource is satisfied by *costexplorer.Client.
type CostSource interface {
	InstanceTypeCosts(ctx context.Context, start, end time.Time) (map[string]*costexplorer.InstanceType, error)
	WorkerTypeCosts(ctx context.Context, start, end time.Time, instanceTypes map[string]*costexplorer.InstanceType) (map[string]costexplorer.Usage, error)
}

// PlatformBucket groups platforms whose name, or failing that whose worker
// type, contains one of Matches.
type PlatformBucket struct {
	Name    string
	Matches []string
}

// BucketFor returns the first bucket matching platform, then the first
// matching workerType, then OtherPlatform.
func BucketFor(buckets []PlatformBucket, workerType, platform string) string {
	for _, subject := range []string{platform, workerType} {
		for _, bucket := range buckets {
			for _, match := range bucket.Matches {
				if strings.Contains(subject, match) {
					return bucket.Name
				}
			}
		}
	}

	return OtherPlatform
}

type PlatformCost struct {
	Platform string
	Cost     float64
	Msecs    int64
}

type WorkerTypePlatforms struct {
	WorkerType string
	Cost       float64
	Msecs      int64
	Platforms  []PlatformCost
}

type BucketCost struct {
	Bucket      string
	Cost        float64
	Msecs       int64
	WorkerTypes []*WorkerTypePlatforms
}

type PlatformOptions struct {
	Provisioner string
	Buckets     []PlatformBucket
	DataDir     string
	Format      Format
	Out         io.Writer
	Now         func() time.Time
}

type PlatformCosts struct {
	costs  CostSource
	repo   repository.CostRepository
	caches cache.Factory
	opts   PlatformOptions
}

func NewPlatformCosts(costs CostSource, repo repository.CostRepository, caches cache.Factory, opts PlatformOptions) *PlatformCosts {
	if opts.Format == "" {
		opts.Format = FormatCSV
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &PlatformCosts{costs: costs, repo: repo, caches: caches, opts: opts}
}

// Run prints the cost and time per platform bucket for [start, end) and
// writes the per-platform rows to the data directory. It returns the buckets
// sorted by cost and the path written.
func (r *PlatformCosts) Run(ctx context.Context, start, end time.Time) ([]*BucketCost, string, error) {
	if !start.Before(end) {
		return nil, "", fmt.Errorf("start date %s is not before end date %s", task.FormatDay(start), task.FormatDay(end))
	}

	suffix := task.FormatDay(start) + "_" + task.FormatDay(end)
	workerTypes, err := r.workerTypeCosts(ctx, start, end, suffix)
	if err != nil {
		return nil, "", err
	}

	durations, err := r.durations(ctx, start.Year(), start.Month(), suffix)
	if err != nil {
		return nil, "", err
	}

	logOverhead(workerTypes, durations)

	buckets := bucketCosts(r.opts.Buckets, workerTypes, durations)

	byCost := buckets
	sortBuckets(byCost, func(b *BucketCost) float64 { return b.Cost }, func(w *WorkerTypePlatforms) float64 { return w.Cost })
	r.printReport("Platforms sorted by cost", byCost, func(v float64) string { return fmt.Sprintf("$%15s", Decimal(v, 2)) },
		func(b *BucketCost) float64 { return b.Cost }, func(w *WorkerTypePlatforms) float64 { return w.Cost })

	byTime := cloneBuckets(buckets)
	sortBuckets(byTime, func(b *BucketCost) float64 { return float64(b.Msecs) }, func(w *WorkerTypePlatforms) float64 { return float64(w.Msecs) })
	r.printReport("Platforms sorted by time", byTime, func(v float64) string { return fmt.Sprintf("%15s hrs", Decimal(v, 2)) },
		func(b *BucketCost) float64 { return msecsToHours(b.Msecs) }, func(w *WorkerTypePlatforms) float64 { return msecsToHours(w.Msecs) })

	path, err := SaveTable(r.opts.DataDir, "platform_costs_"+start.Format(task.MonthLayout), r.opts.Format,
		platformRows(byCost, start.Year(), int(start.Month())), r.opts.Now())
	if err != nil {
		return nil, "", fmt.Errorf("failed to save platform costs: %w", err)
	}
	log.Printf("Platform costs written to %s", path)

	return byCost, path, nil
}

func (r *PlatformCosts) workerTypeCosts(ctx context.Context, start, end time.Time, suffix string) (map[string]costexplorer.Usage, error) {
	instanceStore, err := r.caches("instance_types_" + suffix)
	if err != nil {
		return nil, err
	}
	workerStore, err := r.caches("worker_types_" + suffix)
	if err != nil {
		return nil, err
	}

	workerTypes, err := cache.LoadAll[costexplorer.Usage](ctx, workerStore)
	if err != nil || len(workerTypes) > 0 {
		return workerTypes, err
	}

	instanceTypes, err := cache.LoadAll[*costexplorer.InstanceType](ctx, instanceStore)
	if err != nil {
		return nil, err
	}
	if len(instanceTypes) == 0 {
		if instanceTypes, err = r.costs.InstanceTypeCosts(ctx, start, end); err != nil {
			return nil, err
		}
	}

	if workerTypes, err = r.costs.WorkerTypeCosts(ctx, start, end, instanceTypes); err != nil {
		return nil, err
	}

	for name, it := range instanceTypes {
		if err := cache.PutJSON(ctx, instanceStore, name, it); err != nil {
			return nil, err
		}
	}
	for name, usage := range workerTypes {
		if err := cache.PutJSON(ctx, workerStore, name, usage); err != nil {
			return nil, err
		}
	}

	return workerTypes, nil
}

// durations maps worker type to platform to milliseconds of task time.
func (r *PlatformCosts) durations(ctx context.Context, year int, month time.Month, suffix string) (map[string]map[string]int64, error) {
	store, err := r.caches("worker_type_durations_" + suffix)
	if err != nil {
		return nil, err
	}

	durations, err := cache.LoadAll[map[string]int64](ctx, store)
	if err != nil || len(durations) > 0 {
		return durations, err
	}

	rows, err := r.repo.WorkerTypePlatformDurations(ctx, year, month, r.opts.Provisioner)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker type durations: %w", err)
	}

	durations = make(map[string]map[string]int64)
	for _, row := range rows {
		platforms, ok := durations[row.WorkerType]
		if !ok {
			platforms = make(map[string]int64)
			durations[row.WorkerType] = platforms
		}
		platforms[row.Platform] += row.DurationMs
	}

	for workerType, platforms := range durations {
		if err := cache.PutJSON(ctx, store, workerType, platforms); err != nil {
			return nil, err
		}
	}

	return durations, nil
}

func totalMsecs(platforms map[string]int64) int64 {
	var total int64
	for _, msecs := range platforms {
		total += msecs
	}
	return total
}

func msecsToHours(msecs int64) float64 {
	return float64(msecs) / 1000 / 60 / 60
}

// logOverhead logs, per worker type, the share of billed hours not spent
// running tasks.
func logOverhead(workerTypes map[string]costexplorer.Usage, durations map[string]map[string]int64) {
	for _, workerType := range sortedKeys(workerTypes) {
		platforms, ok := durations[workerType]
		usage := workerTypes[workerType]
		if !ok || usage.Hours == 0 {
			continue
		}

		tcHours := msecsToHours(totalMsecs(platforms))
		overhead := (1 - tcHours/usage.Hours) * 100
		log.Printf("worker type: %s - TC hours: %f - AWS hours: %f - overhead: %.2f - cost: %s",
			workerType, tcHours, usage.Hours, overhead, Dollars(usage.Cost))
	}
}

// bucketCosts spreads the cost of each worker type over its platforms in
// proportion to task time and groups the platforms into buckets.
func bucketCosts(defs []PlatformBucket, workerTypes map[string]costexplorer.Usage, durations map[string]map[string]int64) []*BucketCost {
	buckets := make(map[string]*BucketCost)
	entries := make(map[string]map[string]*WorkerTypePlatforms)

	for _, workerType := range sortedKeys(durations) {
		platforms := durations[workerType]
		total := totalMsecs(platforms)
		usage, billed := workerTypes[workerType]

		for _, platform := range sortedKeys(platforms) {
			msecs := platforms[platform]
			name := BucketFor(defs, workerType, platform)

			bucket, ok := buckets[name]
			if !ok {
				bucket = &BucketCost{Bucket: name}
				buckets[name] = bucket
				entries[name] = make(map[string]*WorkerTypePlatforms)
			}

			entry, ok := entries[name][workerType]
			if !ok {
				entry = &WorkerTypePlatforms{WorkerType: workerType}
				entries[name][workerType] = entry
				bucket.WorkerTypes = append(bucket.WorkerTypes, entry)
			}

			var cost float64
			if billed && total > 0 {
				cost = float64(msecs) / float64(total) * usage.Cost
			}

			entry.Platforms = append(entry.Platforms, PlatformCost{Platform: platform, Cost: cost, Msecs: msecs})
			entry.Cost += cost
			entry.Msecs += msecs
			bucket.Cost += cost
			bucket.Msecs += msecs
		}
	}

	out := make([]*BucketCost, 0, len(buckets))
	for _, name := range sortedKeys(buckets) {
		out = append(out, buckets[name])
	}

	return out
}

// sortBuckets orders buckets and their worker types by descending value, ties
// by name.
func sortBuckets(buckets []*BucketCost, bucketValue func(*BucketCost) float64, workerValue func(*WorkerTypePlatforms) float64) {
	slices.SortStableFunc(buckets, func(a, b *BucketCost) int {
		if c := cmp.Compare(bucketValue(b), bucketValue(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.Bucket, b.Bucket)
	})

	for _, bucket := range buckets {
		slices.SortStableFunc(bucket.WorkerTypes, func(a, b *WorkerTypePlatforms) int {
			if c := cmp.Compare(workerValue(b), workerValue(a)); c != 0 {
				return c
			}
			return cmp.Compare(a.WorkerType, b.WorkerType)
		})
	}
}

func cloneBuckets(buckets []*BucketCost) []*BucketCost {
	out := make([]*BucketCost, len(buckets))
	for i, bucket := range buckets {
		c := *bucket
		c.WorkerTypes = slices.Clone(bucket.WorkerTypes)
		out[i] = &c
	}

	return out
}

func (r *PlatformCosts) printReport(title string, buckets []*BucketCost, format func(float64) string,
	bucketValue func(*BucketCost) float64, workerValue func(*WorkerTypePlatforms) float64) {
	fmt.Fprintln(r.opts.Out, title)
	fmt.Fprintln(r.opts.Out, strings.Repeat("=", len(title)))

	for _, bucket := range buckets {
		fmt.Fprintf(r.opts.Out, "%-25s %s\n", bucket.Bucket+":", format(bucketValue(bucket)))
		for _, entry := range bucket.WorkerTypes {
			names := make([]string, len(entry.Platforms))
			for i, p := range entry.Platforms {
				names[i] = p.Platform
			}
			fmt.Fprintf(r.opts.Out, "\t%-25s %s (platforms: %s)\n",
				entry.WorkerType+":", format(workerValue(entry)), strings.Join(names, ", "))
		}
		fmt.Fprintln(r.opts.Out)
	}
}

func platformRows(buckets []*BucketCost, year, month int) [][]string {
	data := [][]string{{"bucket", "worker_type", "platform", "cost", "msecs", "year", "month"}}

	for _, bucket := range buckets {
		for _, entry := range bucket.WorkerTypes {
			for _, p := range entry.Platforms {
				data = append(data, []string{
					bucket.Bucket,
					entry.WorkerType,
					p.Platform,
					strconv.FormatFloat(p.Cost, 'f', -1, 64),
					strconv.FormatInt(p.Msecs, 10),
					strconv.Itoa(year),
					strconv.Itoa(month),
				})
			}
		}
	}

	return data
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}
