package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cireport/internal/concurrency"
	"github.com/nadmax/cireport/internal/metrics"
)

const (
	bucketLayout   = "2006-01-02 15:04:05"
	fileTimeLayout = "200601021504"
	partialSuffix  = ".partial"
)

var unsafeFileChars = strings.NewReplacer("/", "_", `\`, "_", " ", "_")

// MinuteFileName is the CSV file holding the per-bucket counts of tag.
func MinuteFileName(tag string, start, end time.Time) string {
	return fmt.Sprintf("concurrent_%s_by_minute_%s_%s.csv",
		unsafeFileChars.Replace(tag), start.Format(fileTimeLayout), end.Format(fileTimeLayout))
}

// MinuteConcurrency streams bucket counts into one CSV file per tag. Rows are
// "bucket_start,bucket_end,count" with an inclusive bucket_end. Files are
// written with a .partial suffix and renamed once every bucket is written.
type MinuteConcurrency struct {
	counter *concurrency.Counter
	dataDir string
}

func NewMinuteConcurrency(counter *concurrency.Counter, dataDir string) *MinuteConcurrency {
	return &MinuteConcurrency{counter: counter, dataDir: dataDir}
}

type minuteSink struct {
	path   string
	file   *os.File
	writer *csv.Writer
}

func (s *minuteSink) writeRow(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return err
	}
	s.writer.Flush()

	return s.writer.Error()
}

// checkFileNames fails when two tags map onto the same output file.
func (r *MinuteConcurrency) checkFileNames(start, end time.Time) error {
	owners := make(map[string]string, len(r.counter.Tags()))
	for _, tag := range r.counter.Tags() {
		name := MinuteFileName(tag, start, end)
		if other, ok := owners[name]; ok {
			return fmt.Errorf("tags %q and %q would both be written to %s", other, tag, name)
		}
		owners[name] = tag
	}

	return nil
}

// Run returns the paths of the completed files.
func (r *MinuteConcurrency) Run(ctx context.Context, start, end time.Time) ([]string, error) {
	if err := r.checkFileNames(start, end); err != nil {
		return nil, err
	}

	var sinks map[string]*minuteSink
	defer func() {
		for _, sink := range sinks {
			if sink.file != nil {
				closeLogged(sink.path, sink.file)
			}
		}
	}()

	buckets := 0
	for bucket, err := range r.counter.CountByMinute(ctx, start, end) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("stopped after %d buckets: %w", buckets, err)
		}

		if sinks == nil {
			if sinks, err = r.openSinks(start, end); err != nil {
				return nil, err
			}
		}

		from := bucket.Start.Format(bucketLayout)
		to := bucket.LastSecond().Format(bucketLayout)
		for _, tag := range r.counter.Tags() {
			sink := sinks[tag]
			if err := sink.writeRow([]string{from, to, strconv.Itoa(bucket.Counts[tag])}); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", sink.path, err)
			}
			metrics.RecordBucket(tag)
		}

		buckets++
		if buckets%60 == 0 {
			log.Printf("Wrote %d buckets, up to %s", buckets, from)
		}
	}

	paths := make([]string, 0, len(sinks))
	for _, tag := range r.counter.Tags() {
		sink := sinks[tag]
		err := sink.file.Close()
		sink.file = nil
		if err != nil {
			return nil, fmt.Errorf("failed to close %s: %w", sink.path, err)
		}

		final := strings.TrimSuffix(sink.path, partialSuffix)
		if err := os.Rename(sink.path, final); err != nil {
			return nil, fmt.Errorf("failed to finalize %s: %w", final, err)
		}
		paths = append(paths, final)
	}

	log.Printf("Wrote %d buckets for %d tags", buckets, len(paths))
	return paths, nil
}

func (r *MinuteConcurrency) openSinks(start, end time.Time) (map[string]*minuteSink, error) {
	if err := os.MkdirAll(r.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sinks := make(map[string]*minuteSink, len(r.counter.Tags()))
	for _, tag := range r.counter.Tags() {
		path := filepath.Join(r.dataDir, MinuteFileName(tag, start, end)+partialSuffix)

		file, err := os.Create(path)
		if err != nil {
			for _, sink := range sinks {
				closeLogged(sink.path, sink.file)
			}
			return nil, fmt.Errorf("failed to create %s: %w", path, err)
		}

		sinks[tag] = &minuteSink{path: path, file: file, writer: csv.NewWriter(file)}
	}

	return sinks, nil
}
