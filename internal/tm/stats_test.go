package tm_test

import (
	"sync"
	"testing"
	"time"

	"tm-go/internal/tm"
)

func TestStats_Progress(t *testing.T) {
	tests := []struct {
		name  string
		stats tm.Stats
		want  float64
	}{
		{name: "nothing scanned", stats: tm.Stats{ProcessedSize: 10}, want: 0},
		{name: "half", stats: tm.Stats{TotalSize: 200, ProcessedSize: 100}, want: 0.5},
		{name: "done", stats: tm.Stats{TotalSize: 200, ProcessedSize: 200}, want: 1},
		{name: "grew during run", stats: tm.Stats{TotalSize: 200, ProcessedSize: 300}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.stats.Progress(); got != tt.want {
				t.Errorf("Progress() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStats_Duration(t *testing.T) {
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Second)

	if got := (tm.Stats{}).Duration(now); got != 0 {
		t.Errorf("Duration() before start = %v, want 0", got)
	}
	if got := (tm.Stats{StartTime: start}).Duration(now); got != 90*time.Second {
		t.Errorf("Duration() while running = %v, want 90s", got)
	}
	if got := (tm.Stats{StartTime: start, EndTime: start.Add(time.Minute)}).Duration(now); got != time.Minute {
		t.Errorf("Duration() finished = %v, want 1m", got)
	}
}

func TestTracker(t *testing.T) {
	var tr tm.Tracker
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	tr.Update(func(s *tm.Stats) { s.NewFiles = 99 })
	tr.Reset(start)

	if s := tr.Snapshot(); s.NewFiles != 0 || !s.StartTime.Equal(start) || s.CompressionRatio != 1.0 {
		t.Errorf("Snapshot() after Reset = %+v", s)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Update(func(s *tm.Stats) {
				s.ProcessedFiles++
				s.ProcessedSize += 10
			})
		}()
	}
	wg.Wait()

	s := tr.Snapshot()
	if s.ProcessedFiles != 50 || s.ProcessedSize != 500 {
		t.Errorf("Snapshot() = %d files %d bytes, want 50 and 500", s.ProcessedFiles, s.ProcessedSize)
	}

	copied := tr.Snapshot()
	copied.ProcessedFiles = 0
	if tr.Snapshot().ProcessedFiles != 50 {
		t.Error("Snapshot() returned shared state")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   tm.Status
		name     string
		active   bool
		terminal bool
	}{
		{tm.StatusIdle, "idle", false, false},
		{tm.StatusScanning, "scanning", true, false},
		{tm.StatusBackingUp, "backing_up", true, false},
		{tm.StatusVerifying, "verifying", true, false},
		{tm.StatusCompleted, "completed", false, true},
		{tm.StatusFailed, "failed", false, true},
		{tm.StatusCancelled, "cancelled", false, true},
		{tm.Status(99), "unknown", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.String(); got != tt.name {
				t.Errorf("String() = %q, want %q", got, tt.name)
			}
			if got := tt.status.Active(); got != tt.active {
				t.Errorf("Active() = %v, want %v", got, tt.active)
			}
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
