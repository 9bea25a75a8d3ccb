// Package report implements the reporting jobs run by the cireport command.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported format: %s (available: csv, json)", s)
	}
}

// SaveTable writes data, whose first row is the header, to dir/name.<format>
// and returns the full path.
func SaveTable(dir, name string, format Format, data [][]string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	fullPath := filepath.Join(dir, name+"."+string(format))

	switch format {
	case FormatCSV:
		return fullPath, saveAsCSV(fullPath, data)
	case FormatJSON:
		return fullPath, saveAsJSON(fullPath, data, now)
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

func saveAsCSV(path string, data [][]string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func saveAsJSON(path string, data [][]string, now time.Time) (err error) {
	if len(data) < 1 {
		return errors.New("insufficient data for JSON export")
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}

		records = append(records, record)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": now.Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}

// Thousands formats n with comma separators.
func Thousands(n int64) string {
	return groupDigits(strconv.FormatInt(n, 10))
}

// Decimal formats f with the given precision and comma separators in the
// integer part.
func Decimal(f float64, precision int) string {
	s := strconv.FormatFloat(math.Abs(f), 'f', precision, 64)

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	out := groupDigits(intPart)
	if hasFrac {
		out += "." + fracPart
	}
	if math.Signbit(f) && strings.Trim(s, "0.") != "" {
		out = "-" + out
	}

	return out
}

// Dollars formats f as "$1,234.57".
func Dollars(f float64) string {
	if f < 0 {
		return "-$" + Decimal(-f, 2)
	}
	return "$" + Decimal(f, 2)
}

func groupDigits(digits string) string {
	sign := ""
	if strings.HasPrefix(digits, "-") {
		sign, digits = "-", digits[1:]
	}
	if len(digits) <= 3 {
		return sign + digits
	}

	var b strings.Builder
	head := len(digits) % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}

	return sign + b.String()
}

// HarmonicMean returns n / Σ(1/v). Values must be non-negative; any zero
// value makes the mean zero.
func HarmonicMean(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("harmonic mean of no values")
	}

	var sum float64
	for _, v := range values {
		if v < 0 {
			return 0, fmt.Errorf("harmonic mean requires non-negative values, got %v", v)
		}
		if v == 0 {
			return 0, nil
		}
		sum += 1 / v
	}

	return float64(len(values)) / sum, nil
}

// RoundTo rounds f half away from zero to the given number of decimals.
func RoundTo(f float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(f*p) / p
}

func closeLogged(name string, c interface{ Close() error }) {
	if err := c.Close(); err != nil {
		log.Printf("failed to close %s: %v", name, err)
	}
}
