// Package api routes the read-only HTTP interface of cireport.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/dashboard"
)

type API struct {
	caches cache.Factory
	mux    *http.ServeMux
}

func NewAPI(caches cache.Factory) *API {
	api := &API{
		caches: caches,
		mux:    http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	dash := dashboard.NewDashboard(a.caches)
	a.mux.HandleFunc("GET /api/concurrency/{month}", dash.GetMonth)
	a.mux.HandleFunc("GET /api/days/{day}", dash.GetDay)

	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}
