package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/concurrency"
)

func setupTestDashboard(t *testing.T) (*Dashboard, *http.ServeMux) {
	t.Helper()

	caches := cache.NewMemoryFactory()
	store, err := caches("concurrent_tasks_2019-08")
	require.NoError(t, err)

	ctx := context.Background()
	for _, day := range []concurrency.DayResult{
		{Day: "2019-08-02", Max: 1200, PeakTaskIDs: []string{"task-1"}},
		{Day: "2019-08-01", Max: 800},
		{Day: "2019-08-03", Max: 1200},
	} {
		require.NoError(t, cache.PutJSON(ctx, store, day.Day, day))
	}

	dash := NewDashboard(caches)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/concurrency/{month}", dash.GetMonth)
	mux.HandleFunc("GET /api/days/{day}", dash.GetDay)

	return dash, mux
}

func TestNewDashboard(t *testing.T) {
	dash, _ := setupTestDashboard(t)
	assert.NotNil(t, dash.caches)
}

func TestGetMonth(t *testing.T) {
	_, mux := setupTestDashboard(t)

	req := httptest.NewRequest("GET", "/api/concurrency/2019-08", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var summary MonthSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	assert.Equal(t, "2019-08", summary.Month)
	assert.Equal(t, 1200, summary.Max)
	assert.Equal(t, "2019-08-02", summary.PeakDay, "the earliest peak day is reported")
	require.Len(t, summary.Days, 3)
	assert.Equal(t, "2019-08-01", summary.Days[0].Day)
	assert.NotZero(t, summary.LastUpdated)
}

func TestGetMonth_Errors(t *testing.T) {
	_, mux := setupTestDashboard(t)

	tests := []struct {
		path string
		code int
	}{
		{"/api/concurrency/2019-13", http.StatusBadRequest},
		{"/api/concurrency/2019-09", http.StatusNotFound},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", tt.path, nil))

		assert.Equal(t, tt.code, w.Code, tt.path)

		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	}
}

func TestGetDay(t *testing.T) {
	_, mux := setupTestDashboard(t)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/days/2019-08-02", nil))
	assert.Equal(t, 200, w.Code)

	var result concurrency.DayResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 1200, result.Max)
	assert.Equal(t, []string{"task-1"}, result.PeakTaskIDs)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/days/2019-08-20", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/api/days/yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
