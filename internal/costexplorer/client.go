// Package costexplorer reads EC2 usage and cost from AWS Cost Explorer,
// grouped by instance type and by the WorkerType cost-allocation tag.
package costexplorer

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/nadmax/cireport/internal/metrics"
	"github.com/nadmax/cireport/internal/middleware"
	"github.com/nadmax/cireport/internal/task"
)

const (
	metricCost    = "UnblendedCost"
	metricUsage   = "UsageQuantity"
	runningHours  = "EC2: Running Hours"
	workerTypeTag = "WorkerType"

	// NoTag stands for usage without a WorkerType tag or provisioner.
	NoTag = "None"
)

// CostAndUsageAPI is the subset of *costexplorer.Client used here.
type CostAndUsageAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
}

type Usage struct {
	Cost  float64 `json:"cost"`
	Hours float64 `json:"hours"`
}

type WorkerTypeUsage struct {
	Provisioner string  `json:"provisioner"`
	Cost        float64 `json:"cost"`
	Hours       float64 `json:"hours"`
}

type InstanceType struct {
	Cost        float64                    `json:"cost"`
	Hours       float64                    `json:"hours"`
	WorkerTypes map[string]WorkerTypeUsage `json:"worker_types"`
}

type Client struct {
	api CostAndUsageAPI
}

func New(api CostAndUsageAPI) *Client {
	return &Client{api: api}
}

// NewFromEnvironment loads the shared AWS configuration (environment,
// profile, instance role) and routes its requests through the metrics
// transport.
func NewFromEnvironment(ctx context.Context, region string) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(middleware.InstrumentedClient(60 * time.Second)),
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return New(costexplorer.NewFromConfig(cfg)), nil
}

// InstanceTypeCosts returns EC2 running-hours cost and usage per instance
// type for [start, end).
func (c *Client) InstanceTypeCosts(ctx context.Context, start, end time.Time) (instanceTypes map[string]*InstanceType, err error) {
	defer func(begin time.Time) { observe("ce_instance_types", begin, err) }(time.Now())

	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod:  period(start, end),
		Granularity: types.GranularityMonthly,
		Filter: &types.Expression{
			Dimensions: &types.DimensionValues{
				Key:    types.DimensionUsageTypeGroup,
				Values: []string{runningHours},
			},
		},
		Metrics: []string{metricCost, metricUsage},
		GroupBy: []types.GroupDefinition{{
			Type: types.GroupDefinitionTypeDimension,
			Key:  aws.String(string(types.DimensionInstanceType)),
		}},
	}

	instanceTypes = make(map[string]*InstanceType)
	err = c.eachGroup(ctx, input, func(key string, usage Usage) {
		it, ok := instanceTypes[key]
		if !ok {
			it = &InstanceType{WorkerTypes: make(map[string]WorkerTypeUsage)}
			instanceTypes[key] = it
		}
		it.Cost += usage.Cost
		it.Hours += usage.Hours
	})
	if err != nil {
		return nil, err
	}

	return instanceTypes, nil
}

// WorkerTypeCosts queries each instance type grouped by the WorkerType tag.
// It returns cost and hours summed per worker type and records the
// per-instance breakdown in instanceTypes.
func (c *Client) WorkerTypeCosts(ctx context.Context, start, end time.Time, instanceTypes map[string]*InstanceType) (workerTypes map[string]Usage, err error) {
	defer func(begin time.Time) { observe("ce_worker_types", begin, err) }(time.Now())

	workerTypes = make(map[string]Usage)
	for _, name := range sortedKeys(instanceTypes) {
		it := instanceTypes[name]
		if it.WorkerTypes == nil {
			it.WorkerTypes = make(map[string]WorkerTypeUsage)
		}

		input := &costexplorer.GetCostAndUsageInput{
			TimePeriod:  period(start, end),
			Granularity: types.GranularityMonthly,
			Filter: &types.Expression{
				Dimensions: &types.DimensionValues{
					Key:    types.DimensionInstanceType,
					Values: []string{name},
				},
			},
			Metrics: []string{metricCost, metricUsage},
			GroupBy: []types.GroupDefinition{{
				Type: types.GroupDefinitionTypeTag,
				Key:  aws.String(workerTypeTag),
			}},
		}

		err := c.eachGroup(ctx, input, func(key string, usage Usage) {
			provisioner, workerType := SplitWorkerKey(key)

			total := workerTypes[workerType]
			total.Cost += usage.Cost
			total.Hours += usage.Hours
			workerTypes[workerType] = total

			entry := it.WorkerTypes[workerType]
			entry.Provisioner = provisioner
			entry.Cost += usage.Cost
			entry.Hours += usage.Hours
			it.WorkerTypes[workerType] = entry
		})
		if err != nil {
			return nil, fmt.Errorf("instance type %s: %w", name, err)
		}
	}

	return workerTypes, nil
}

func (c *Client) eachGroup(ctx context.Context, input *costexplorer.GetCostAndUsageInput, fn func(key string, usage Usage)) error {
	for {
		out, err := c.api.GetCostAndUsage(ctx, input)
		if err != nil {
			return fmt.Errorf("failed to get cost and usage: %w", err)
		}

		for _, result := range out.ResultsByTime {
			for _, group := range result.Groups {
				if len(group.Keys) == 0 {
					continue
				}

				usage, err := groupUsage(group)
				if err != nil {
					return fmt.Errorf("group %s: %w", group.Keys[0], err)
				}
				fn(group.Keys[0], usage)
			}
		}

		if out.NextPageToken == nil || *out.NextPageToken == "" {
			return nil
		}
		input.NextPageToken = out.NextPageToken
	}
}

func groupUsage(group types.Group) (Usage, error) {
	var (
		usage Usage
		err   error
	)

	if usage.Cost, err = amount(group.Metrics, metricCost); err != nil {
		return Usage{}, err
	}
	if usage.Hours, err = amount(group.Metrics, metricUsage); err != nil {
		return Usage{}, err
	}

	return usage, nil
}

func amount(values map[string]types.MetricValue, name string) (float64, error) {
	value, ok := values[name]
	if !ok || value.Amount == nil {
		return 0, nil
	}

	f, err := strconv.ParseFloat(*value.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s amount %q: %w", name, *value.Amount, err)
	}

	return f, nil
}

// SplitWorkerKey splits a "WorkerType$provisioner/worker-type" tag group key.
// Untagged usage yields ("None", "None"); a key without a provisioner yields
// ("None", key).
func SplitWorkerKey(key string) (provisioner, workerType string) {
	key = strings.TrimPrefix(key, workerTypeTag+"$")
	if key == "" {
		return NoTag, NoTag
	}

	provisioner, workerType, found := strings.Cut(key, "/")
	if !found {
		return NoTag, key
	}

	return provisioner, workerType
}

func period(start, end time.Time) *types.DateInterval {
	return &types.DateInterval{
		Start: aws.String(start.Format(task.DayLayout)),
		End:   aws.String(end.Format(task.DayLayout)),
	}
}

func observe(call string, start time.Time, err error) {
	duration := time.Since(start)
	metrics.RecordQuery(call, duration, err)

	if err != nil {
		log.Printf("%s failed after %.2f s: %v", call, duration.Seconds(), err)
		return
	}
	log.Printf("%s  %.2f s", call, duration.Seconds())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return keys
}
