package telemetry

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stdout, "info", false)
)

// Configure replaces the process logger. Level is one of debug, info, warn, error.
func Configure(level string, pretty bool) {
	SetOutput(os.Stdout, level, pretty)
}

// SetOutput points the logger at w. Tests use it to capture log lines.
func SetOutput(w io.Writer, level string, pretty bool) {
	l := newLogger(w, level, pretty)
	mu.Lock()
	logger = l
	mu.Unlock()
}

// Logger returns the underlying zerolog logger for components that take one.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug writes a debug-level log line with the given fields.
func Debug(msg string, fields map[string]any) {
	l := Logger()
	write(l.Debug(), msg, fields)
}

// Info writes an info-level log line with the given fields.
func Info(msg string, fields map[string]any) {
	l := Logger()
	write(l.Info(), msg, fields)
}

// Warn writes a warn-level log line with the given fields.
func Warn(msg string, fields map[string]any) {
	l := Logger()
	write(l.Warn(), msg, fields)
}

// Error writes an error-level log line with the given fields.
func Error(msg string, fields map[string]any) {
	l := Logger()
	write(l.Error(), msg, fields)
}

// ShortHash truncates an identity hash for log output.
func ShortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

func write(evt *zerolog.Event, msg string, fields map[string]any) {
	if evt == nil {
		return
	}
	evt.Fields(fields).Msg(msg)
}

func newLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	out := w
	if pretty {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	return zerolog.New(out).With().Timestamp().Logger().Level(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
