package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/cireport/internal/repository/models"
	"github.com/nadmax/cireport/internal/task"
)

func TestMockRepositoryIntervals(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2019, 8, 14, 0, 0, 0, 0, time.UTC)

	mock := NewMockRepository()
	mock.Intervals = []task.Interval{
		task.NewInterval("today", "a", day.Add(time.Hour), day.Add(2*time.Hour)),
		task.NewInterval("tomorrow", "a", day.Add(25*time.Hour), day.Add(26*time.Hour)),
	}

	got, err := mock.IntervalsForDay(ctx, day)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "today", got[0].TaskID)

	got, err = mock.IntervalsOverlapping(ctx, day, day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 2)

	assert.Equal(t, 1, mock.DayCallCount())
	assert.Equal(t, []WindowCall{{From: day, To: day.Add(48 * time.Hour)}}, mock.IntervalCalls)

	mock.IntervalsError = errors.New("database down")
	_, err = mock.IntervalsForDay(ctx, day)
	assert.Error(t, err)

	mock.Reset()
	assert.Zero(t, mock.DayCallCount())
}

func TestMockRepositoryCosts(t *testing.T) {
	ctx := context.Background()

	mock := NewMockRepository()
	mock.Costs["gecko-t-linux-large"] = &models.WorkerTypeCost{Provisioners: []string{"aws-provisioner-v1"}, TotalHours: 10, Cost: 5}

	costs, err := mock.WorkerTypeMonthlyCosts(ctx, 2019, time.August)
	require.NoError(t, err)
	costs["gecko-t-linux-large"].BranchHours = 99

	assert.Equal(t, 0.0, mock.Costs["gecko-t-linux-large"].BranchHours, "callers must not mutate stored costs")

	require.NoError(t, mock.InsertWorkerTypeMonthlyCost(ctx, models.MonthlyCost{WorkerType: "x"}))
	assert.Len(t, mock.InsertedCosts, 1)

	require.NoError(t, mock.Close())
	assert.True(t, mock.Closed)
}

func TestObserve(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)

	assert.NotPanics(t, func() { Observe("count_tasks", start, nil) })
	assert.NotPanics(t, func() { Observe("count_tasks", start, errors.New("boom")) })
}
