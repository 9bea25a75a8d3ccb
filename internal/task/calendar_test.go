package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinute(t *testing.T) {
	got, err := ParseMinute("2019-08-01 13:45")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 8, 1, 13, 45, 0, 0, time.UTC), got)

	_, err = ParseMinute("2019-08-01T13:45")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "YYYY-MM-DD HH:MM")
}

func TestParseDayAndMonth(t *testing.T) {
	day, err := ParseDay("2019-02-28")
	require.NoError(t, err)
	assert.Equal(t, "2019-02-28", FormatDay(day))

	_, err = ParseDay("2019-02-30")
	assert.Error(t, err)

	month, err := ParseMonth("2019-08")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 8, 1, 0, 0, 0, 0, time.UTC), month)

	_, err = ParseMonth("2019-13")
	assert.Error(t, err)
}

func TestDaysInMonth(t *testing.T) {
	tests := []struct {
		month    string
		expected int
	}{
		{month: "2019-08", expected: 31},
		{month: "2019-02", expected: 28},
		{month: "2020-02", expected: 29},
		{month: "2019-04", expected: 30},
	}

	for _, tt := range tests {
		t.Run(tt.month, func(t *testing.T) {
			first, err := ParseMonth(tt.month)
			require.NoError(t, err)

			days := DaysInMonth(first)
			assert.Len(t, days, tt.expected)
			assert.Equal(t, 1, days[0].Day())
			assert.Equal(t, first.Month(), days[len(days)-1].Month())
		})
	}
}

func TestMonthBounds(t *testing.T) {
	start, end := MonthBounds(2019, time.December)

	assert.Equal(t, time.Date(2019, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestPreviousMonth(t *testing.T) {
	first, last := PreviousMonth(time.Date(2020, 1, 15, 8, 0, 0, 0, time.UTC))

	assert.Equal(t, "2019-12-01", FormatDay(first))
	assert.Equal(t, "2019-12-31", FormatDay(last))
}
