package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nadmax/cireport/internal/repository"
	"github.com/nadmax/cireport/internal/repository/models"
)

var (
	costFilePattern = regexp.MustCompile(`^worker_type_hours_cost_([A-Za-z]+)(\d{4})\.csv$`)
	hoursColumn     = regexp.MustCompile(`^(.*)\s*\(Hrs\)`)
	costColumn      = regexp.MustCompile(`^(.*)\(\$\)`)
)

// ParseCostFileName extracts the month of a Cost Explorer export named like
// worker_type_hours_cost_july2018.csv. Full and three-letter month names are
// accepted in any case.
func ParseCostFileName(path string) (int, time.Month, error) {
	m := costFilePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, 0, fmt.Errorf("unable to parse month from filepath: %s", path)
	}

	name := strings.ToLower(m[1])
	year, _ := strconv.Atoi(m[2])
	for month := time.January; month <= time.December; month++ {
		full := strings.ToLower(month.String())
		if name == full || name == full[:3] {
			return year, month, nil
		}
	}

	return 0, 0, fmt.Errorf("unable to parse month from filepath: %s", path)
}

// SplitProvisioner splits "provisioner/worker-type"; a bare worker type gets
// the "none" provisioner.
func SplitProvisioner(s string) (string, string) {
	provisioner, workerType, found := strings.Cut(s, "/")
	if !found {
		return models.NoProvisioner, s
	}
	return provisioner, workerType
}

type costEntry struct {
	provisioner string
	workerType  string
	hours       *float64
	cost        *float64
}

type ImportResult struct {
	Rows []models.MonthlyCost
	// Incomplete lists the worker types lacking an hours or a cost column.
	Incomplete []string
}

// ImportCosts loads a monthly Cost Explorer CSV export into
// worker_type_monthly_costs.
type ImportCosts struct {
	repo repository.CostRepository
	out  io.Writer
}

func NewImportCosts(repo repository.CostRepository, out io.Writer) *ImportCosts {
	if out == nil {
		out = os.Stdout
	}
	return &ImportCosts{repo: repo, out: out}
}

// Run parses path and inserts its rows, or only prints them when dryRun is set.
func (r *ImportCosts) Run(ctx context.Context, path string, dryRun bool) (ImportResult, error) {
	var result ImportResult

	year, month, err := ParseCostFileName(path)
	if err != nil {
		return result, err
	}

	file, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer closeLogged(path, file)

	entries, err := parseCostCSV(file)
	if err != nil {
		return result, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, entry := range entries {
		if entry.hours == nil || entry.cost == nil {
			fmt.Fprintf(r.out, "%s missing an expected key\n", entry.workerType)
			result.Incomplete = append(result.Incomplete, entry.workerType)
			continue
		}

		result.Rows = append(result.Rows, models.MonthlyCost{
			Year:        year,
			Month:       int(month),
			Provider:    models.ProviderAWS,
			Provisioner: entry.provisioner,
			WorkerType:  entry.workerType,
			UsageHours:  *entry.hours,
			Cost:        *entry.cost,
		})
	}

	for _, row := range result.Rows {
		if dryRun {
			fmt.Fprintln(r.out, insertStatement(row))
			continue
		}
		if err := r.repo.InsertWorkerTypeMonthlyCost(ctx, row); err != nil {
			return result, err
		}
	}

	if !dryRun {
		log.Printf("Inserted %d worker type costs for %d-%02d", len(result.Rows), year, month)
	}

	return result, nil
}

// parseCostCSV pairs the "(Hrs)" and "($)" columns of the header with the
// first data row. The export carries a second, redundant total row that is
// ignored. Entries keep the column order of their first appearance.
func parseCostCSV(in io.Reader) ([]*costEntry, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	values, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("no data row")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read data row: %w", err)
	}

	var entries []*costEntry
	index := make(map[string]*costEntry)
	lookup := func(column, totalLabel string) *costEntry {
		provisioner, workerType := SplitProvisioner(strings.TrimSpace(column))
		if strings.Contains(workerType, totalLabel) {
			workerType = models.TotalWorkerType
		}

		key := provisioner + "/" + workerType
		entry, ok := index[key]
		if !ok {
			entry = &costEntry{provisioner: provisioner, workerType: workerType}
			index[key] = entry
			entries = append(entries, entry)
		}
		return entry
	}

	for i := 1; i < len(header) && i < len(values); i++ {
		value := strings.TrimSpace(values[i])
		if value == "" {
			continue
		}

		if m := hoursColumn.FindStringSubmatch(header[i]); m != nil {
			hours, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid hours %q in column %q: %w", value, header[i], err)
			}
			lookup(m[1], "Total usage").hours = &hours
			continue
		}
		if m := costColumn.FindStringSubmatch(header[i]); m != nil {
			cost, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cost %q in column %q: %w", value, header[i], err)
			}
			lookup(m[1], "Total cost").cost = &cost
		}
	}

	return entries, nil
}

func insertStatement(row models.MonthlyCost) string {
	return fmt.Sprintf("INSERT INTO worker_type_monthly_costs "+
		"(year, month, provider, provisioner, worker_type, usage_hours, cost) "+
		"VALUES (%d, %d, %s, %s, %s, %.2f, %.2f);",
		row.Year, row.Month,
		pq.QuoteLiteral(row.Provider), pq.QuoteLiteral(row.Provisioner), pq.QuoteLiteral(row.WorkerType),
		row.UsageHours, row.Cost)
}
