package testutil

import (
	"fmt"
	"strings"
	"sync"
)

// LogEntry is one message captured by a RecordingLogger.
type LogEntry struct {
	Level string
	Msg   string
	Args  []any
}

// RecordingLogger implements tm.Logger and keeps every entry. Safe for
// concurrent use.
type RecordingLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

func (l *RecordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, LogEntry{Level: level, Msg: msg, Args: args})
}

func (l *RecordingLogger) Trace(msg string, args ...any) { l.record("trace", msg, args) }
func (l *RecordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *RecordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *RecordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *RecordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

// Entries returns a copy of the captured entries.
func (l *RecordingLogger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}

// Has reports whether an entry at level contains substr in its message.
func (l *RecordingLogger) Has(level, substr string) bool {
	for _, e := range l.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			return true
		}
	}
	return false
}

// String renders all entries, one per line, for test failure output.
func (l *RecordingLogger) String() string {
	var b strings.Builder
	for _, e := range l.Entries() {
		fmt.Fprintf(&b, "%s\t%s\t%v\n", e.Level, e.Msg, e.Args)
	}
	return b.String()
}
