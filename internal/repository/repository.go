// Package repository defines the datastore capabilities the reporting jobs consume.
package repository

import (
	"context"
	"log"
	"time"

	"github.com/nadmax/cireport/internal/metrics"
	"github.com/nadmax/cireport/internal/repository/models"
	"github.com/nadmax/cireport/internal/task"
)

// IntervalSource returns task intervals for concurrency counting. Intervals
// overlap a window [from, to) when started < to and resolved >= from.
type IntervalSource interface {
	IntervalsOverlapping(ctx context.Context, from, to time.Time) ([]task.Interval, error)
	IntervalsForDay(ctx context.Context, day time.Time) ([]task.Interval, error)
}

type StatsRepository interface {
	CountTasks(ctx context.Context, year int, month time.Month) (int64, error)
	ComputeYears(ctx context.Context, year int, month time.Month) (float64, error)
	UniqueWorkers(ctx context.Context, year int, month time.Month) (int64, error)
	// EndToEndSeconds reports false when the revision has no qualifying tasks.
	EndToEndSeconds(ctx context.Context, revision string) (float64, bool, error)
	RevisionHours(ctx context.Context, revisions []string) (map[string]float64, error)
}

type CostRepository interface {
	CountPushes(ctx context.Context, branch string, year int, month time.Month) (int64, error)
	WorkerTypeMonthlyCosts(ctx context.Context, year int, month time.Month) (map[string]*models.WorkerTypeCost, error)
	TaskHoursByWorkerType(ctx context.Context, year int, month time.Month) (map[string]float64, error)
	BranchHoursByWorkerType(ctx context.Context, branch string, year int, month time.Month) (map[string]float64, error)
	WorkerTypePlatformDurations(ctx context.Context, year int, month time.Month, provisioner string) ([]models.PlatformDuration, error)
	InsertWorkerTypeMonthlyCost(ctx context.Context, cost models.MonthlyCost) error
}

type Repository interface {
	IntervalSource
	StatsRepository
	CostRepository
	Close() error
}

// Observe logs and records the duration of a named query.
func Observe(query string, start time.Time, err error) {
	duration := time.Since(start)
	metrics.RecordQuery(query, duration, err)

	if err != nil {
		log.Printf("%s failed after %.2f s: %v", query, duration.Seconds(), err)
		return
	}
	log.Printf("%s  %.2f s", query, duration.Seconds())
}
