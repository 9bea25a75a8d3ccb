package report

import (
	"log"
	"time"

	"github.com/nadmax/cireport/internal/metrics"
)

// Track runs fn and records its outcome under the report name.
func Track(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	if err != nil {
		metrics.RecordReportFailed(name, duration)
		log.Printf("%s failed after %v: %v", name, duration.Round(time.Millisecond), err)
		return err
	}

	metrics.RecordReportCompleted(name, duration)
	log.Printf("%s completed in %v", name, duration.Round(time.Millisecond))
	return nil
}
