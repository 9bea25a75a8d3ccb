package repository

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nadmax/cireport/internal/repository/models"
	"github.com/nadmax/cireport/internal/task"
)

// MockRepository is an in-memory Repository that records every call.
type MockRepository struct {
	mu sync.Mutex

	Intervals         []task.Interval
	Tasks             map[MonthKey]int64
	ComputeYearsByKey map[MonthKey]float64
	Workers           map[MonthKey]int64
	EndToEnd          map[string]float64
	RevisionTaskHours map[string]float64
	Pushes            map[string]int64
	Costs             map[string]*models.WorkerTypeCost
	TaskHours         map[string]float64
	BranchHours       map[string]float64
	PlatformDurations []models.PlatformDuration
	InsertedCosts     []models.MonthlyCost

	IntervalCalls    []WindowCall
	DayCalls         []time.Time
	EndToEndCalls    []string
	CountPushesCalls []string
	PlatformCalls    []string
	Closed           bool

	IntervalsError   error
	StatsError       error
	EndToEndError    error
	CostsError       error
	InsertError      error
	DurationsError   error
	BranchHoursError error
}

type MonthKey struct {
	Year  int
	Month time.Month
}

type WindowCall struct {
	From time.Time
	To   time.Time
}

var _ Repository = (*MockRepository)(nil)

func NewMockRepository() *MockRepository {
	return &MockRepository{
		Tasks:             make(map[MonthKey]int64),
		ComputeYearsByKey: make(map[MonthKey]float64),
		Workers:           make(map[MonthKey]int64),
		EndToEnd:          make(map[string]float64),
		RevisionTaskHours: make(map[string]float64),
		Pushes:            make(map[string]int64),
		Costs:             make(map[string]*models.WorkerTypeCost),
		TaskHours:         make(map[string]float64),
		BranchHours:       make(map[string]float64),
	}
}

func (m *MockRepository) IntervalsOverlapping(ctx context.Context, from, to time.Time) ([]task.Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IntervalCalls = append(m.IntervalCalls, WindowCall{From: from, To: to})

	if m.IntervalsError != nil {
		return nil, m.IntervalsError
	}

	return m.overlapping(from, to), nil
}

func (m *MockRepository) IntervalsForDay(ctx context.Context, day time.Time) ([]task.Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DayCalls = append(m.DayCalls, day)

	if m.IntervalsError != nil {
		return nil, m.IntervalsError
	}

	dayStart, dayEnd := task.DayBounds(day)
	return m.overlapping(dayStart, dayEnd), nil
}

func (m *MockRepository) overlapping(from, to time.Time) []task.Interval {
	var out []task.Interval
	for _, interval := range m.Intervals {
		if interval.Overlaps(from, to) {
			out = append(out, interval)
		}
	}

	return out
}

func (m *MockRepository) CountTasks(ctx context.Context, year int, month time.Month) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return 0, m.StatsError
	}

	return m.Tasks[MonthKey{year, month}], nil
}

func (m *MockRepository) ComputeYears(ctx context.Context, year int, month time.Month) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return 0, m.StatsError
	}

	return m.ComputeYearsByKey[MonthKey{year, month}], nil
}

func (m *MockRepository) UniqueWorkers(ctx context.Context, year int, month time.Month) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return 0, m.StatsError
	}

	return m.Workers[MonthKey{year, month}], nil
}

func (m *MockRepository) EndToEndSeconds(ctx context.Context, revision string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.EndToEndCalls = append(m.EndToEndCalls, revision)

	if m.EndToEndError != nil {
		return 0, false, m.EndToEndError
	}

	seconds, ok := m.EndToEnd[revision]
	return seconds, ok, nil
}

func (m *MockRepository) RevisionHours(ctx context.Context, revisions []string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.StatsError != nil {
		return nil, m.StatsError
	}

	hours := make(map[string]float64)
	for _, revision := range revisions {
		if h, ok := m.RevisionTaskHours[revision]; ok {
			hours[revision] = h
		}
	}

	return hours, nil
}

func (m *MockRepository) CountPushes(ctx context.Context, branch string, year int, month time.Month) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CountPushesCalls = append(m.CountPushesCalls, branch)

	if m.CostsError != nil {
		return 0, m.CostsError
	}

	return m.Pushes[branch], nil
}

func (m *MockRepository) WorkerTypeMonthlyCosts(ctx context.Context, year int, month time.Month) (map[string]*models.WorkerTypeCost, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CostsError != nil {
		return nil, m.CostsError
	}

	costs := make(map[string]*models.WorkerTypeCost, len(m.Costs))
	for workerType, cost := range m.Costs {
		costCopy := *cost
		costCopy.Provisioners = slices.Clone(cost.Provisioners)
		costs[workerType] = &costCopy
	}

	return costs, nil
}

func (m *MockRepository) TaskHoursByWorkerType(ctx context.Context, year int, month time.Month) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CostsError != nil {
		return nil, m.CostsError
	}

	return maps.Clone(m.TaskHours), nil
}

func (m *MockRepository) BranchHoursByWorkerType(ctx context.Context, branch string, year int, month time.Month) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BranchHoursError != nil {
		return nil, m.BranchHoursError
	}

	return maps.Clone(m.BranchHours), nil
}

func (m *MockRepository) WorkerTypePlatformDurations(ctx context.Context, year int, month time.Month, provisioner string) ([]models.PlatformDuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.PlatformCalls = append(m.PlatformCalls, provisioner)

	if m.DurationsError != nil {
		return nil, m.DurationsError
	}

	return slices.Clone(m.PlatformDurations), nil
}

func (m *MockRepository) InsertWorkerTypeMonthlyCost(ctx context.Context, cost models.MonthlyCost) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertError != nil {
		return m.InsertError
	}

	m.InsertedCosts = append(m.InsertedCosts, cost)
	return nil
}

func (m *MockRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}

func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.IntervalCalls = nil
	m.DayCalls = nil
	m.EndToEndCalls = nil
	m.CountPushesCalls = nil
	m.PlatformCalls = nil
	m.InsertedCosts = nil
	m.Closed = false
}

func (m *MockRepository) DayCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.DayCalls)
}
