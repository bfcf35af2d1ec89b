// Package metrics exports run and prune outcomes as prometheus gauges,
// optionally written to a node_exporter textfile after each update.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"tm-go/internal/tm"
)

// Recorder implements tm.Metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry
	textfile string
	logger   tm.Logger

	// Serializes textfile writes.
	mu sync.Mutex

	running         *prometheus.GaugeVec
	lastStatus      *prometheus.GaugeVec
	lastTimestamp   *prometheus.GaugeVec
	lastSuccess     *prometheus.GaugeVec
	lastDuration    *prometheus.GaugeVec
	files           *prometheus.GaugeVec
	bytes           *prometheus.GaugeVec
	processedBytes  *prometheus.GaugeVec
	dedupBytes      *prometheus.GaugeVec
	snapshotsKept   *prometheus.GaugeVec
	snapshotsPruned *prometheus.GaugeVec
}

var _ tm.Metrics = (*Recorder)(nil)

// NewRecorder creates a recorder. An empty textfile disables file output.
func NewRecorder(textfile string, logger tm.Logger) *Recorder {
	dest := []string{"destination"}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		textfile: textfile,
		logger:   logger,
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_run_in_progress",
			Help: "1 while a backup run is active on the destination",
		}, dest),
		lastStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_last_run_status",
			Help: "Terminal status of the last run (1 for the status that occurred, 0 otherwise)",
		}, []string{"destination", "status"}),
		lastTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_last_run_timestamp_seconds",
			Help: "End time of the last run",
		}, dest),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_last_success_timestamp_seconds",
			Help: "End time of the last completed run",
		}, dest),
		lastDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_last_run_duration_seconds",
			Help: "Duration of the last run",
		}, dest),
		files: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_run_files",
			Help: "File outcomes of the current or last run",
		}, []string{"destination", "outcome"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_run_scanned_bytes",
			Help: "Bytes counted by the scan of the current or last run",
		}, dest),
		processedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_run_processed_bytes",
			Help: "Bytes processed by the current or last run",
		}, dest),
		dedupBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_run_dedup_bytes",
			Help: "Bytes hard-linked from the previous snapshot instead of copied",
		}, dest),
		snapshotsKept: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_prune_retained_snapshots",
			Help: "Snapshots retained by the last prune",
		}, dest),
		snapshotsPruned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tm_prune_deleted_snapshots",
			Help: "Snapshots deleted by the last prune",
		}, dest),
	}
	r.registry.MustRegister(
		r.running, r.lastStatus, r.lastTimestamp, r.lastSuccess, r.lastDuration,
		r.files, r.bytes, r.processedBytes, r.dedupBytes,
		r.snapshotsKept, r.snapshotsPruned,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) RunStarted(destination string) {
	r.running.WithLabelValues(destination).Set(1)
	r.flush()
}

func (r *Recorder) RunProgress(destination string, stats tm.Stats) {
	r.setStats(destination, stats)
}

func (r *Recorder) RunFinished(destination string, status tm.Status, stats tm.Stats) {
	r.running.WithLabelValues(destination).Set(0)
	r.setStats(destination, stats)

	for _, s := range []tm.Status{tm.StatusCompleted, tm.StatusFailed, tm.StatusCancelled} {
		v := 0.0
		if s == status {
			v = 1
		}
		r.lastStatus.WithLabelValues(destination, s.String()).Set(v)
	}

	end := stats.EndTime
	if !end.IsZero() {
		r.lastTimestamp.WithLabelValues(destination).Set(float64(end.Unix()))
		r.lastDuration.WithLabelValues(destination).Set(stats.Duration(end).Seconds())
		if status == tm.StatusCompleted {
			r.lastSuccess.WithLabelValues(destination).Set(float64(end.Unix()))
		}
	}
	r.flush()
}

func (r *Recorder) PruneFinished(destination string, result tm.PruneResult) {
	r.snapshotsKept.WithLabelValues(destination).Set(float64(result.Retained))
	r.snapshotsPruned.WithLabelValues(destination).Set(float64(result.Deleted))
	r.flush()
}

func (r *Recorder) setStats(destination string, stats tm.Stats) {
	outcomes := map[string]int64{
		"new":       stats.NewFiles,
		"modified":  stats.ModifiedFiles,
		"unchanged": stats.UnchangedFiles,
		"skipped":   stats.SkippedFiles,
		"total":     stats.TotalFiles,
	}
	for outcome, n := range outcomes {
		r.files.WithLabelValues(destination, outcome).Set(float64(n))
	}
	r.bytes.WithLabelValues(destination).Set(float64(stats.TotalSize))
	r.processedBytes.WithLabelValues(destination).Set(float64(stats.ProcessedSize))
	r.dedupBytes.WithLabelValues(destination).Set(float64(stats.DedupSavings))
}

// WriteTextfile writes the registry in text exposition format to the
// configured textfile. It is a no-op when no textfile is configured.
func (r *Recorder) WriteTextfile() error {
	if r.textfile == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := prometheus.WriteToTextfile(r.textfile, r.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

func (r *Recorder) flush() {
	if err := r.WriteTextfile(); err != nil {
		r.logger.Warn("metrics export failed", "error", err)
	}
}
