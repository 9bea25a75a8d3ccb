package report

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/models"
)

func costFixture() *repository.MockRepository {
	mock := repository.NewMockRepository()
	mock.Pushes["try"] = 4
	mock.Costs["wt-a"] = &models.WorkerTypeCost{Provisioners: []string{"aws-provisioner-v1"}, TotalHours: 100, Cost: 50}
	mock.Costs["wt-b"] = &models.WorkerTypeCost{Provisioners: []string{"aws-provisioner-v1"}, Cost: 10}
	mock.BranchHours["wt-a"] = 10
	mock.BranchHours["wt-c"] = 5
	mock.TaskHours["wt-a"] = 80
	return mock
}

func TestCostPerPush(t *testing.T) {
	ctx := context.Background()
	mock := costFixture()
	caches := cache.NewMemoryFactory()
	var out bytes.Buffer

	result, err := NewCostPerPush(mock, caches, &out).Run(ctx, "try", august2019)
	require.NoError(t, err)

	assert.Equal(t, int64(4), result.NumPushes)
	assert.InDelta(t, 6.25, result.TotalCost, 1e-9)
	assert.InDelta(t, 1.5625, result.CostPerPush, 1e-9)
	assert.Equal(t, ""+
		"Total spend for try: $6.25\n"+
		"Total # of pushes:  4\n"+
		"Cost per push:      $1.56\n", out.String())

	effStore, err := caches("efficiency-2019-08")
	require.NoError(t, err)
	efficiency, err := cache.LoadAll[Efficiency](ctx, effStore)
	require.NoError(t, err)
	assert.Equal(t, Efficiency{AWSHours: 100, TCHours: 80, Factor: 1.25}, efficiency["wt-a"])
	assert.Equal(t, Efficiency{Factor: 1}, efficiency["wt-b"])

	costStore, err := caches("cost-try-2019-08")
	require.NoError(t, err)
	var costs map[string]*models.WorkerTypeCost
	ok, err := cache.GetJSON(ctx, costStore, "worker_type_costs", &costs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10.0, costs["wt-a"].BranchHours)
	assert.Equal(t, 5.0, costs["wt-c"].BranchHours)
	assert.Zero(t, costs["wt-c"].Cost)

	t.Run("cached rerun skips the database", func(t *testing.T) {
		mock.CostsError = errors.New("database down")
		mock.BranchHoursError = errors.New("database down")
		out.Reset()

		result, err := NewCostPerPush(mock, caches, &out).Run(ctx, "try", august2019)
		require.NoError(t, err)
		assert.InDelta(t, 1.5625, result.CostPerPush, 1e-9)
		assert.Len(t, mock.CountPushesCalls, 1)
		assert.Contains(t, out.String(), "Cost per push:      $1.56")
	})
}

func TestCostPerPushNoPushes(t *testing.T) {
	var out bytes.Buffer

	_, err := NewCostPerPush(costFixture(), cache.NewMemoryFactory(), &out).Run(context.Background(), "mozilla-beta", august2019)
	assert.ErrorIs(t, err, ErrNoPushes)
	assert.Empty(t, out.String())
}

func TestCostPerPushRepositoryErrors(t *testing.T) {
	t.Run("costs", func(t *testing.T) {
		mock := costFixture()
		mock.CostsError = errors.New("timeout")

		_, err := NewCostPerPush(mock, cache.NewMemoryFactory(), &bytes.Buffer{}).Run(context.Background(), "try", august2019)
		assert.ErrorContains(t, err, "failed to count pushes")
	})

	t.Run("branch hours", func(t *testing.T) {
		mock := costFixture()
		mock.BranchHoursError = errors.New("timeout")

		_, err := NewCostPerPush(mock, cache.NewMemoryFactory(), &bytes.Buffer{}).Run(context.Background(), "try", august2019)
		assert.ErrorContains(t, err, "failed to load branch hours")
	})
}

func TestEfficiencyFactors(t *testing.T) {
	billed := map[string]*models.WorkerTypeCost{
		"billed":   {TotalHours: 30},
		"unbilled": {},
	}
	taskHours := map[string]float64{
		"billed":   10,
		"unbilled": 4,
		"unknown":  2,
		"idle":     0,
	}

	got := efficiencyFactors(billed, taskHours)

	assert.Equal(t, map[string]Efficiency{
		"billed":   {AWSHours: 30, TCHours: 10, Factor: 3},
		"unbilled": {TCHours: 4, Factor: 1},
		"unknown":  {TCHours: 2, Factor: 1},
	}, got)
}
