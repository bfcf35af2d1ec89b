package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"tm-go/internal/tm"
)

// LogFileName is the rotating log file written under the configured log_dir.
const LogFileName = "tm.log"

// ParseLevel maps a log_level value onto a zerolog level. "warning" and
// "warn" are accepted alike; "critical" only lets errors through.
func ParseLevel(level string) (zerolog.Level, error) {
	switch level {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warning", "warn":
		return zerolog.WarnLevel, nil
	case "error", "critical":
		return zerolog.ErrorLevel, nil
	case "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// newLogger creates a logger that writes human-readable lines to console and
// JSON lines to logDir/tm.log, rotated by lumberjack. Every entry carries
// the run id. The returned closer releases the log file.
func newLogger(logDir, level, runID string, console io.Writer) (*zerologAdapter, io.Closer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, LogFileName),
		MaxSize:    25, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	w := zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339},
		file,
	)

	l := zerolog.New(w).Level(lvl).With().Timestamp().Str("run", runID).Logger()
	return &zerologAdapter{l: l}, file, nil
}

// zerologAdapter wraps zerolog.Logger to satisfy the tm.Logger interface.
// args are alternating key/value pairs.
type zerologAdapter struct {
	l zerolog.Logger
}

func (a *zerologAdapter) Trace(msg string, args ...any) { emit(a.l.Trace(), msg, args) }
func (a *zerologAdapter) Debug(msg string, args ...any) { emit(a.l.Debug(), msg, args) }
func (a *zerologAdapter) Info(msg string, args ...any)  { emit(a.l.Info(), msg, args) }
func (a *zerologAdapter) Warn(msg string, args ...any)  { emit(a.l.Warn(), msg, args) }
func (a *zerologAdapter) Error(msg string, args ...any) { emit(a.l.Error(), msg, args) }

// emit attaches key/value pairs to ev and sends it. A trailing key without a
// value is logged under "!BADKEY", as slog does.
func emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			ev = ev.Interface("!BADKEY", args[i])
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		switch v := args[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case time.Duration:
			ev = ev.Dur(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

var _ tm.Logger = (*zerologAdapter)(nil)
