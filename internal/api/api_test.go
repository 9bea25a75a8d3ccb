package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nadmax/cireport/internal/cache"
)

func TestRoutes(t *testing.T) {
	api := NewAPI(cache.NewMemoryFactory())

	tests := []struct {
		method string
		path   string
		code   int
	}{
		{"GET", "/healthz", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/api/concurrency/2019-08", http.StatusNotFound},
		{"GET", "/api/days/2019-08-14", http.StatusNotFound},
		{"POST", "/api/days/2019-08-14", http.StatusMethodNotAllowed},
		{"GET", "/api/tasks", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	NewAPI(cache.NewMemoryFactory()).ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Contains(t, w.Body.String(), "go_goroutines")
}
