// Package postgres provides the PostgreSQL-backed implementation of the repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/models"
	"github.com/nadmax/cireport/internal/task"
)

// ClassifyBy selects the tag attached to intervals.
type ClassifyBy string

const (
	ByWorkerType   ClassifyBy = "worker_type"
	ByInstanceType ClassifyBy = "instance_type"

	DefaultTasksTable = "tasks"
)

type Options struct {
	// IntervalTable is read by IntervalsOverlapping; IntervalsForDay always
	// reads the tasks table.
	IntervalTable string
	ClassifyBy    ClassifyBy
}

type Repository struct {
	db            *sql.DB
	intervalTable string
	classifyBy    ClassifyBy
}

var _ repository.Repository = (*Repository)(nil)

func NewRepository(connectionString string, opts Options) (*Repository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewWithDB(db, opts)
}

// NewWithDB wraps an already opened database handle.
func NewWithDB(db *sql.DB, opts Options) (*Repository, error) {
	if opts.IntervalTable == "" {
		opts.IntervalTable = DefaultTasksTable
	}

	switch opts.ClassifyBy {
	case "":
		opts.ClassifyBy = ByWorkerType
	case ByWorkerType, ByInstanceType:
	default:
		return nil, fmt.Errorf("unknown classification %q (available: worker_type, instance_type)", opts.ClassifyBy)
	}

	return &Repository{
		db:            db,
		intervalTable: opts.IntervalTable,
		classifyBy:    opts.ClassifyBy,
	}, nil
}

func (r *Repository) intervalQuery(table string) string {
	if r.classifyBy == ByInstanceType {
		return fmt.Sprintf(`
		SELECT t.task_id, COALESCE(w.instance_type, t.worker_type), t.started, t.resolved
		FROM %s t
		LEFT JOIN worker_instance_mapping w ON t.worker_type = w.worker_type
		WHERE t.started < $1
		AND t.resolved >= $2
	`, pq.QuoteIdentifier(table))
	}

	return fmt.Sprintf(`
		SELECT task_id, worker_type, started, resolved
		FROM %s
		WHERE started < $1
		AND resolved >= $2
	`, pq.QuoteIdentifier(table))
}

func (r *Repository) IntervalsOverlapping(ctx context.Context, from, to time.Time) (intervals []task.Interval, err error) {
	defer func(start time.Time) { repository.Observe("intervals_overlapping", start, err) }(time.Now())

	return r.queryIntervals(ctx, r.intervalQuery(r.intervalTable), from, to)
}

func (r *Repository) IntervalsForDay(ctx context.Context, day time.Time) (intervals []task.Interval, err error) {
	defer func(start time.Time) { repository.Observe("intervals_for_day", start, err) }(time.Now())

	dayStart, dayEnd := task.DayBounds(day)
	return r.queryIntervals(ctx, r.intervalQuery(DefaultTasksTable), dayStart, dayEnd)
}

func (r *Repository) queryIntervals(ctx context.Context, query string, from, to time.Time) ([]task.Interval, error) {
	rows, err := r.db.QueryContext(ctx, query, to, from)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var intervals []task.Interval
	for rows.Next() {
		var (
			i   task.Interval
			tag sql.NullString
		)
		if err := rows.Scan(&i.TaskID, &tag, &i.Started, &i.Resolved); err != nil {
			return nil, err
		}
		i.Tag = tag.String

		intervals = append(intervals, i)
	}

	return intervals, rows.Err()
}

func (r *Repository) CountTasks(ctx context.Context, year int, month time.Month) (count int64, err error) {
	defer func(start time.Time) { repository.Observe("tasks_per_month", start, err) }(time.Now())

	query := `
		SELECT COUNT(task_id)
		FROM tasks
		WHERE created >= $1
		AND created < $2
	`
	from, to := task.MonthBounds(year, month)
	err = r.db.QueryRowContext(ctx, query, from, to).Scan(&count)

	return count, err
}

func (r *Repository) ComputeYears(ctx context.Context, year int, month time.Month) (years float64, err error) {
	defer func(start time.Time) { repository.Observe("compute_years_per_month", start, err) }(time.Now())

	query := `
		SELECT COALESCE(SUM(duration), 0)::float8 / 1000 / 60 / 60 / 24 / 365
		FROM tasks
		WHERE created >= $1
		AND created < $2
	`
	from, to := task.MonthBounds(year, month)
	err = r.db.QueryRowContext(ctx, query, from, to).Scan(&years)

	return years, err
}

func (r *Repository) UniqueWorkers(ctx context.Context, year int, month time.Month) (count int64, err error) {
	defer func(start time.Time) { repository.Observe("unique_workers_per_month", start, err) }(time.Now())

	query := `
		SELECT COUNT(DISTINCT worker_id)
		FROM tasks
		WHERE created >= $1
		AND created < $2
	`
	from, to := task.MonthBounds(year, month)
	err = r.db.QueryRowContext(ctx, query, from, to).Scan(&count)

	return count, err
}

// EndToEndSeconds measures a revision from its first started task to its
// last resolved one. Tasks created more than an hour after the first task of
// the revision were retriggered later and are left out, as are exceptions.
func (r *Repository) EndToEndSeconds(ctx context.Context, revision string) (seconds float64, found bool, err error) {
	defer func(start time.Time) { repository.Observe("end_to_end", start, err) }(time.Now())

	query := `
		SELECT EXTRACT(EPOCH FROM (MAX(resolved) - MIN(started)))
		FROM tasks
		WHERE revision = $1
		AND state <> 'exception'
		AND created < (SELECT MIN(created) + interval '1 hour' FROM tasks WHERE revision = $1)
		GROUP BY revision
	`

	var value sql.NullFloat64
	err = r.db.QueryRowContext(ctx, query, revision).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return value.Float64, value.Valid, nil
}

func (r *Repository) RevisionHours(ctx context.Context, revisions []string) (hours map[string]float64, err error) {
	defer func(start time.Time) { repository.Observe("revision_hours", start, err) }(time.Now())

	query := `
		SELECT revision, COALESCE(SUM(duration), 0)::float8 / 1000 / 60 / 60
		FROM tasks
		WHERE revision = ANY($1)
		GROUP BY revision
	`
	return r.queryHours(ctx, query, pq.Array(revisions))
}

func (r *Repository) CountPushes(ctx context.Context, branch string, year int, month time.Month) (count int64, err error) {
	defer func(start time.Time) { repository.Observe("num_pushes", start, err) }(time.Now())

	query := `
		SELECT COUNT(DISTINCT revision)
		FROM tasks
		WHERE project = $1
		AND created >= $2
		AND created < $3
	`
	from, to := task.MonthBounds(year, month)
	err = r.db.QueryRowContext(ctx, query, branch, from, to).Scan(&count)

	return count, err
}

func (r *Repository) WorkerTypeMonthlyCosts(ctx context.Context, year int, month time.Month) (costs map[string]*models.WorkerTypeCost, err error) {
	defer func(start time.Time) { repository.Observe("monthly_worker_type_costs", start, err) }(time.Now())

	query := `
		SELECT provisioner, worker_type, usage_hours, cost
		FROM worker_type_monthly_costs
		WHERE year = $1
		AND month = $2
		ORDER BY usage_hours DESC
	`
	rows, err := r.db.QueryContext(ctx, query, year, int(month))
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	costs = make(map[string]*models.WorkerTypeCost)
	for rows.Next() {
		var (
			provisioner, workerType string
			hours, cost             float64
		)
		if err := rows.Scan(&provisioner, &workerType, &hours, &cost); err != nil {
			return nil, err
		}

		entry, ok := costs[workerType]
		if !ok {
			entry = &models.WorkerTypeCost{}
			costs[workerType] = entry
		}
		entry.Provisioners = append(entry.Provisioners, provisioner)
		entry.TotalHours += hours
		entry.Cost += cost
	}

	return costs, rows.Err()
}

func (r *Repository) TaskHoursByWorkerType(ctx context.Context, year int, month time.Month) (hours map[string]float64, err error) {
	defer func(start time.Time) { repository.Observe("task_hours_by_worker_type", start, err) }(time.Now())

	query := `
		SELECT worker_type, COALESCE(SUM(duration), 0)::float8 / 1000 / 60 / 60 AS total_hours
		FROM tasks
		WHERE created >= $1
		AND created < $2
		GROUP BY worker_type
		ORDER BY total_hours DESC
	`
	from, to := task.MonthBounds(year, month)
	return r.queryHours(ctx, query, from, to)
}

func (r *Repository) BranchHoursByWorkerType(ctx context.Context, branch string, year int, month time.Month) (hours map[string]float64, err error) {
	defer func(start time.Time) { repository.Observe("duration_per_worker_type", start, err) }(time.Now())

	query := `
		SELECT worker_type, COALESCE(SUM(duration), 0)::float8 / 1000 / 60 / 60
		FROM tasks
		WHERE project = $1
		AND created >= $2
		AND created < $3
		AND state = 'completed'
		GROUP BY worker_type
	`
	from, to := task.MonthBounds(year, month)
	return r.queryHours(ctx, query, branch, from, to)
}

func (r *Repository) queryHours(ctx context.Context, query string, args ...any) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	hours := make(map[string]float64)
	for rows.Next() {
		var (
			key   string
			value float64
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		hours[key] += value
	}

	return hours, rows.Err()
}

func (r *Repository) WorkerTypePlatformDurations(ctx context.Context, year int, month time.Month, provisioner string) (durations []models.PlatformDuration, err error) {
	defer func(start time.Time) { repository.Observe("worker_type_durations", start, err) }(time.Now())

	query := `
		SELECT worker_type, platform, COALESCE(SUM(duration), 0) AS total_time
		FROM tasks
		WHERE created >= $1
		AND created < $2
		AND provisioner = $3
		GROUP BY worker_type, platform
		ORDER BY worker_type ASC, platform ASC, total_time DESC
	`
	from, to := task.MonthBounds(year, month)
	rows, err := r.db.QueryContext(ctx, query, from, to, provisioner)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var (
			d        models.PlatformDuration
			platform sql.NullString
		)
		if err := rows.Scan(&d.WorkerType, &platform, &d.DurationMs); err != nil {
			return nil, err
		}

		d.Platform = platform.String
		if d.Platform == "" {
			d.Platform = models.NoPlatform
		}
		durations = append(durations, d)
	}

	return durations, rows.Err()
}

func (r *Repository) InsertWorkerTypeMonthlyCost(ctx context.Context, cost models.MonthlyCost) error {
	query := `
		INSERT INTO worker_type_monthly_costs (
			year, month, provider, provisioner, worker_type, usage_hours, cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		cost.Year,
		cost.Month,
		cost.Provider,
		cost.Provisioner,
		cost.WorkerType,
		cost.UsageHours,
		cost.Cost,
	)
	if err != nil {
		return fmt.Errorf("failed to insert cost of %s/%s: %w", cost.Provisioner, cost.WorkerType, err)
	}

	return nil
}

func (r *Repository) DB() *sql.DB {
	return r.db
}

func (r *Repository) Close() error {
	return r.db.Close()
}
