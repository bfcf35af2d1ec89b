package tm

import (
	"sync"
	"time"
)

// Stats holds the counters of a single run.
type Stats struct {
	TotalFiles       int64
	TotalDirectories int64
	TotalSize        int64

	NewFiles       int64
	ModifiedFiles  int64
	UnchangedFiles int64
	SkippedFiles   int64

	ProcessedFiles int64
	ProcessedSize  int64

	StartTime time.Time
	EndTime   time.Time

	// CompressionRatio is stored bytes over source bytes. Snapshot files are
	// stored raw, so this stays 1.0.
	CompressionRatio float64
	// DedupSavings counts bytes hard-linked from the baseline instead of copied.
	DedupSavings int64
}

// Duration returns the elapsed run time, measured to now while running.
func (s Stats) Duration(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if !s.EndTime.IsZero() {
		return s.EndTime.Sub(s.StartTime)
	}
	return now.Sub(s.StartTime)
}

// Progress returns processed bytes as a fraction of the scanned total.
func (s Stats) Progress() float64 {
	if s.TotalSize <= 0 {
		return 0
	}
	p := float64(s.ProcessedSize) / float64(s.TotalSize)
	if p > 1 {
		p = 1
	}
	return p
}

// Tracker guards the live Stats of a run. Readers always get a copy.
type Tracker struct {
	mu    sync.Mutex
	stats Stats
}

// Reset clears all counters and records the start time.
func (t *Tracker) Reset(start time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = Stats{StartTime: start, CompressionRatio: 1.0}
}

// Update applies fn under the lock and returns the resulting copy.
func (t *Tracker) Update(fn func(*Stats)) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.stats)
	return t.stats
}

// Snapshot returns a copy of the current counters.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
