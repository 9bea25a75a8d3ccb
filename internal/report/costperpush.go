package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/models"
	"github.com/nadmax/cireport/internal/task"
)

var ErrNoPushes = errors.New("no pushes found")

// Efficiency compares the hours AWS billed for a worker type with the hours
// its tasks ran. Factor is AWSHours/TCHours, or 1 when either is unknown.
type Efficiency struct {
	AWSHours float64 `json:"aws_hours"`
	TCHours  float64 `json:"tc_hours"`
	Factor   float64 `json:"factor"`
}

type CostPerPushResult struct {
	Branch      string
	NumPushes   int64
	TotalCost   float64
	CostPerPush float64
}

const (
	keyNumPushes       = "num_pushes"
	keyEfficiency      = "efficiency"
	keyWorkerTypeCosts = "worker_type_costs"
)

func costNamespace(branch string, month time.Time) string {
	return fmt.Sprintf("cost-%s-%s", unsafeFileChars.Replace(branch), month.Format(task.MonthLayout))
}

func efficiencyNamespace(month time.Time) string {
	return "efficiency-" + month.Format(task.MonthLayout)
}

type CostPerPush struct {
	repo   repository.CostRepository
	caches cache.Factory
	out    io.Writer
}

func NewCostPerPush(repo repository.CostRepository, caches cache.Factory, out io.Writer) *CostPerPush {
	if out == nil {
		out = os.Stdout
	}

	return &CostPerPush{repo: repo, caches: caches, out: out}
}

func (r *CostPerPush) Run(ctx context.Context, branch string, month time.Time) (CostPerPushResult, error) {
	result := CostPerPushResult{Branch: branch}
	year, mon := month.Year(), month.Month()

	costStore, err := r.caches(costNamespace(branch, month))
	if err != nil {
		return result, err
	}
	effStore, err := r.caches(efficiencyNamespace(month))
	if err != nil {
		return result, err
	}

	var costs map[string]*models.WorkerTypeCost
	hasPushes, err := cache.GetJSON(ctx, costStore, keyNumPushes, &result.NumPushes)
	if err != nil {
		return result, err
	}
	hasCosts, err := cache.GetJSON(ctx, costStore, keyWorkerTypeCosts, &costs)
	if err != nil {
		return result, err
	}
	costsCached := hasPushes && hasCosts

	if !costsCached {
		if result.NumPushes, err = r.repo.CountPushes(ctx, branch, year, mon); err != nil {
			return result, fmt.Errorf("failed to count pushes: %w", err)
		}
		if costs, err = r.branchCosts(ctx, branch, year, mon); err != nil {
			return result, err
		}
	}

	efficiency, err := cache.LoadAll[Efficiency](ctx, effStore)
	if err != nil {
		return result, err
	}
	efficiencyCached := len(efficiency) > 0
	if !efficiencyCached {
		if efficiency, err = r.efficiency(ctx, year, mon); err != nil {
			return result, err
		}
	}

	result.TotalCost = totalCost(costs, efficiency)
	if result.NumPushes == 0 {
		return result, fmt.Errorf("%w for %s in %s", ErrNoPushes, branch, month.Format(task.MonthLayout))
	}
	result.CostPerPush = result.TotalCost / float64(result.NumPushes)

	fmt.Fprintf(r.out, "Total spend for %s: %s\n", branch, Dollars(result.TotalCost))
	fmt.Fprintf(r.out, "Total # of pushes:  %d\n", result.NumPushes)
	fmt.Fprintf(r.out, "Cost per push:      %s\n", Dollars(result.CostPerPush))

	if !costsCached {
		for key, value := range map[string]any{
			keyNumPushes:       result.NumPushes,
			keyEfficiency:      efficiency,
			keyWorkerTypeCosts: costs,
		} {
			if err := cache.PutJSON(ctx, costStore, key, value); err != nil {
				return result, err
			}
		}
	}
	if !efficiencyCached {
		for workerType, e := range efficiency {
			if err := cache.PutJSON(ctx, effStore, workerType, e); err != nil {
				return result, err
			}
		}
	}

	return result, nil
}

// branchCosts returns the billed cost of every worker type together with the
// hours branch spent on it. Worker types without billing data are kept with
// zero cost.
func (r *CostPerPush) branchCosts(ctx context.Context, branch string, year int, month time.Month) (map[string]*models.WorkerTypeCost, error) {
	costs, err := r.repo.WorkerTypeMonthlyCosts(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker type costs: %w", err)
	}

	hours, err := r.repo.BranchHoursByWorkerType(ctx, branch, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load branch hours: %w", err)
	}

	for workerType, h := range hours {
		cost, ok := costs[workerType]
		if !ok {
			cost = &models.WorkerTypeCost{Provisioners: []string{}}
			costs[workerType] = cost
		}
		cost.BranchHours += h
	}

	return costs, nil
}

func (r *CostPerPush) efficiency(ctx context.Context, year int, month time.Month) (map[string]Efficiency, error) {
	billed, err := r.repo.WorkerTypeMonthlyCosts(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker type costs: %w", err)
	}

	taskHours, err := r.repo.TaskHoursByWorkerType(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("failed to load task hours: %w", err)
	}

	return efficiencyFactors(billed, taskHours), nil
}

func efficiencyFactors(billed map[string]*models.WorkerTypeCost, taskHours map[string]float64) map[string]Efficiency {
	efficiency := make(map[string]Efficiency, len(billed))
	for workerType, cost := range billed {
		efficiency[workerType] = Efficiency{AWSHours: cost.TotalHours, Factor: 1}
	}

	for workerType, hours := range taskHours {
		if hours == 0 {
			continue
		}

		e, ok := efficiency[workerType]
		if !ok {
			e = Efficiency{Factor: 1}
		}
		e.TCHours = hours
		if e.AWSHours != 0 {
			e.Factor = e.AWSHours / e.TCHours
		}
		efficiency[workerType] = e
	}

	return efficiency
}

// totalCost sums cost/total_hours × branch_hours × factor over the worker
// types with billed hours, in name order.
func totalCost(costs map[string]*models.WorkerTypeCost, efficiency map[string]Efficiency) float64 {
	workerTypes := make([]string, 0, len(costs))
	for workerType := range costs {
		workerTypes = append(workerTypes, workerType)
	}
	slices.Sort(workerTypes)

	var total float64
	for _, workerType := range workerTypes {
		cost := costs[workerType]
		if cost.TotalHours == 0 {
			continue
		}

		factor := 1.0
		if e, ok := efficiency[workerType]; ok {
			factor = e.Factor
		}
		total += cost.Cost / cost.TotalHours * cost.BranchHours * factor
	}

	return total
}
