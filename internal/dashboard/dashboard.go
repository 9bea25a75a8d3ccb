// Package dashboard serves the cached daily concurrency results as JSON.
package dashboard

import (
	"net/http"
	"slices"
	"time"

	"github.com/nadmax/cireport/internal/cache"
	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/httputil"
	"github.com/nadmax/cireport/internal/report"
	"github.com/nadmax/cireport/internal/task"
)

type Dashboard struct {
	caches cache.Factory
}

type MonthSummary struct {
	Month       string                  `json:"month"`
	Max         int                     `json:"max"`
	PeakDay     string                  `json:"peak_day,omitempty"`
	Days        []concurrency.DayResult `json:"days"`
	LastUpdated time.Time               `json:"last_updated"`
}

func NewDashboard(caches cache.Factory) *Dashboard {
	return &Dashboard{caches: caches}
}

// GetMonth lists the cached days of /api/concurrency/{month} in day order.
func (d *Dashboard) GetMonth(w http.ResponseWriter, r *http.Request) {
	month, err := task.ParseMonth(r.PathValue("month"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	store, err := d.caches(report.DailyNamespace(month))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	days, err := cache.LoadAll[concurrency.DayResult](r.Context(), store)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(days) == 0 {
		httputil.WriteJSONError(w, "no results cached for "+month.Format(task.MonthLayout), http.StatusNotFound)
		return
	}

	summary := MonthSummary{
		Month:       month.Format(task.MonthLayout),
		Max:         concurrency.MaxOf(days),
		Days:        make([]concurrency.DayResult, 0, len(days)),
		LastUpdated: time.Now(),
	}

	keys := make([]string, 0, len(days))
	for key := range days {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		day := days[key]
		if summary.PeakDay == "" && day.Max == summary.Max && day.Max > 0 {
			summary.PeakDay = key
		}
		summary.Days = append(summary.Days, day)
	}

	httputil.WriteJSON(w, summary)
}

// GetDay returns the cached result of /api/days/{day}.
func (d *Dashboard) GetDay(w http.ResponseWriter, r *http.Request) {
	day, err := task.ParseDay(r.PathValue("day"))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	store, err := d.caches(report.DailyNamespace(day))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var result concurrency.DayResult
	ok, err := cache.GetJSON(r.Context(), store, task.FormatDay(day), &result)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		httputil.WriteJSONError(w, "Day not found", http.StatusNotFound)
		return
	}

	httputil.WriteJSON(w, result)
}
