package app

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		want    zerolog.Level
		wantErr bool
	}{
		{level: "trace", want: zerolog.TraceLevel},
		{level: "debug", want: zerolog.DebugLevel},
		{level: "info", want: zerolog.InfoLevel},
		{level: "", want: zerolog.InfoLevel},
		{level: "warning", want: zerolog.WarnLevel},
		{level: "warn", want: zerolog.WarnLevel},
		{level: "error", want: zerolog.ErrorLevel},
		{level: "critical", want: zerolog.ErrorLevel},
		{level: "off", want: zerolog.Disabled},
		{level: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			got, err := ParseLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.want)
			}
		})
	}
}

// readLog closes the logger's file and returns its contents.
func readLog(t *testing.T, dir string, closer interface{ Close() error }) string {
	t.Helper()
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if os.IsNotExist(err) {
		// lumberjack creates the file on first write.
		return ""
	}
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	return string(data)
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	var console bytes.Buffer

	logger, f, err := newLogger(dir, "info", "run-1", &console)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Info("file copied", "path", "/docs/a.txt", "size", 42)
	logger.Error("copy failed", "error", errors.New("boom"))

	got := readLog(t, dir, f)
	for _, want := range []string{
		`"run":"run-1"`,
		`"message":"file copied"`,
		`"path":"/docs/a.txt"`,
		`"size":42`,
		`"level":"error"`,
		`"error":"boom"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("log file missing %s:\n%s", want, got)
		}
	}

	if !strings.Contains(console.String(), "file copied") {
		t.Errorf("console output missing message: %q", console.String())
	}
}

func TestNewLogger_levelFilter(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logged    []string
		notLogged []string
	}{
		{
			name:      "warning drops info",
			level:     "warning",
			logged:    []string{"warn-msg", "error-msg"},
			notLogged: []string{"info-msg", "debug-msg", "trace-msg"},
		},
		{
			name:   "trace keeps everything",
			level:  "trace",
			logged: []string{"trace-msg", "debug-msg", "info-msg", "warn-msg", "error-msg"},
		},
		{
			name:      "off drops everything",
			level:     "off",
			notLogged: []string{"trace-msg", "debug-msg", "info-msg", "warn-msg", "error-msg"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			logger, f, err := newLogger(dir, tt.level, "run", &bytes.Buffer{})
			if err != nil {
				t.Fatalf("newLogger() error = %v", err)
			}

			logger.Trace("trace-msg")
			logger.Debug("debug-msg")
			logger.Info("info-msg")
			logger.Warn("warn-msg")
			logger.Error("error-msg")

			got := readLog(t, dir, f)
			for _, m := range tt.logged {
				if !strings.Contains(got, m) {
					t.Errorf("expected %q in log", m)
				}
			}
			for _, m := range tt.notLogged {
				if strings.Contains(got, m) {
					t.Errorf("did not expect %q in log", m)
				}
			}
		})
	}
}

func TestNewLogger_unknownLevel(t *testing.T) {
	if _, _, err := newLogger(t.TempDir(), "loud", "run", &bytes.Buffer{}); err == nil {
		t.Fatal("newLogger() expected error for unknown level")
	}
}

func TestEmit_oddArgs(t *testing.T) {
	dir := t.TempDir()
	logger, f, err := newLogger(dir, "info", "run", &bytes.Buffer{})
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}

	logger.Info("dangling", "path")

	got := readLog(t, dir, f)
	if !strings.Contains(got, `"!BADKEY":"path"`) {
		t.Errorf("expected dangling key under !BADKEY, got: %s", got)
	}
}
