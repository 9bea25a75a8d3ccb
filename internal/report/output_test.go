package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThousands(t *testing.T) {
	tests := map[int64]string{
		0:          "0",
		999:        "999",
		1000:       "1,000",
		123456:     "123,456",
		1234567:    "1,234,567",
		-9876543:   "-9,876,543",
		1000000000: "1,000,000,000",
	}

	for n, want := range tests {
		assert.Equal(t, want, Thousands(n))
	}
}

func TestDecimal(t *testing.T) {
	tests := []struct {
		value     float64
		precision int
		want      string
	}{
		{0, 2, "0.00"},
		{1234.567, 2, "1,234.57"},
		{999.999, 2, "1,000.00"},
		{-1234.5, 1, "-1,234.5"},
		{-0.001, 2, "0.00"},
		{1234567, 0, "1,234,567"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Decimal(tt.value, tt.precision), "%v", tt.value)
	}
}

func TestDollars(t *testing.T) {
	assert.Equal(t, "$12,345.68", Dollars(12345.678))
	assert.Equal(t, "-$5.00", Dollars(-5))
}

func TestHarmonicMean(t *testing.T) {
	mean, err := HarmonicMean([]float64{2, 6})
	require.NoError(t, err)
	assert.InDelta(t, 3.0, mean, 1e-9)

	mean, err = HarmonicMean([]float64{1, 0, 4})
	require.NoError(t, err)
	assert.Zero(t, mean)

	_, err = HarmonicMean(nil)
	assert.Error(t, err)

	_, err = HarmonicMean([]float64{1, -1})
	assert.Error(t, err)
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 3.5, RoundTo(3.45001, 1))
	assert.Equal(t, 12.0, RoundTo(12.04, 1))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestSaveTable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	now := time.Date(2019, 9, 1, 12, 0, 0, 0, time.UTC)
	data := [][]string{
		{"bucket", "cost"},
		{"Linux64", "1.5"},
		{"Windows 10", "2"},
	}

	t.Run("csv", func(t *testing.T) {
		path, err := SaveTable(dir, "platform_costs_2019-08", FormatCSV, data, now)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "platform_costs_2019-08.csv"), path)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "bucket,cost\nLinux64,1.5\nWindows 10,2\n", string(content))
	})

	t.Run("json", func(t *testing.T) {
		path, err := SaveTable(dir, "platform_costs_2019-08", FormatJSON, data, now)
		require.NoError(t, err)

		content, err := os.ReadFile(path)
		require.NoError(t, err)

		var doc struct {
			GeneratedAt string              `json:"generated_at"`
			Data        []map[string]string `json:"data"`
			TotalRows   int                 `json:"total_rows"`
		}
		require.NoError(t, json.Unmarshal(content, &doc))
		assert.Equal(t, "2019-09-01T12:00:00Z", doc.GeneratedAt)
		assert.Equal(t, 2, doc.TotalRows)
		assert.Equal(t, "Windows 10", doc.Data[1]["bucket"])
	})

	t.Run("json without header", func(t *testing.T) {
		_, err := SaveTable(dir, "empty", FormatJSON, nil, now)
		assert.Error(t, err)
	})
}
