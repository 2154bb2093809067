// Package log is the process-wide leveled logger. Verbosity comes from the
// -v count; warnings and errors are always written.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Verbosity levels
const (
	LevelQuiet = iota // warnings, errors, per-project failures
	LevelInfo         // -v: stage progress, digests sent, dry-run actions
	LevelDebug        // -vv: platform calls, history decisions, routing
	LevelTrace        // -vvv: rate limit headers, raw identity lookups
)

const slogLevelTrace = slog.Level(-8)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a log format name. Empty means text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported log format %q: must be text or json", s)
}

var (
	verbosity int
	logger    *slog.Logger
	output    io.Writer

	// mu guards the progress line, which workers write concurrently.
	mu         sync.Mutex
	inProgress bool
)

type settings struct {
	format Format
	attrs  []any
}

// Option configures Initialize.
type Option func(*settings)

// WithFormat selects the text or JSON handler.
func WithFormat(f Format) Option {
	return func(s *settings) { s.format = f }
}

// WithAttrs attaches key/value pairs to every record, e.g. the run id.
func WithAttrs(args ...any) Option {
	return func(s *settings) { s.attrs = append(s.attrs, args...) }
}

// Initialize sets up the global logger at the given verbosity.
func Initialize(level int, w io.Writer, opts ...Option) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	mu.Lock()
	defer mu.Unlock()
	verbosity = level
	output = w
	inProgress = false
	logger = newLogger(level, w, s)
}

func newLogger(level int, w io.Writer, s settings) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: slogLevel(level)}
	var h slog.Handler
	if s.format == FormatJSON {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	l := slog.New(h)
	if len(s.attrs) > 0 {
		l = l.With(s.attrs...)
	}
	return l
}

func slogLevel(level int) slog.Level {
	switch {
	case level >= LevelTrace:
		return slogLevelTrace
	case level >= LevelDebug:
		return slog.LevelDebug
	case level >= LevelInfo:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Info logs at info level (-v)
func Info(msg string, args ...any) {
	if verbosity >= LevelInfo {
		clearProgress()
		logger.Info(msg, args...)
	}
}

// Debug logs at debug level (-vv)
func Debug(msg string, args ...any) {
	if verbosity >= LevelDebug {
		clearProgress()
		logger.Debug(msg, args...)
	}
}

// Trace logs at trace level (-vvv)
func Trace(msg string, args ...any) {
	if verbosity >= LevelTrace {
		clearProgress()
		logger.Log(context.Background(), slogLevelTrace, msg, args...)
	}
}

func Warn(msg string, args ...any) {
	clearProgress()
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	clearProgress()
	logger.Error(msg, args...)
}

// DryRun logs a skipped mutation as "would <action>" at info level.
func DryRun(action string, args ...any) {
	Info("would "+action, append([]any{"dry_run", true}, args...)...)
}

// Progress rewrites the current terminal line. Shown from -v up.
func Progress(format string, args ...any) {
	if verbosity < LevelInfo {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	inProgress = true
	_, _ = fmt.Fprintf(output, "\r"+format, args...)
}

// ProgressDone ends the progress line with "done".
func ProgressDone() {
	mu.Lock()
	defer mu.Unlock()
	if verbosity >= LevelInfo && inProgress {
		_, _ = fmt.Fprintln(output, " done")
		inProgress = false
	}
}

// ProgressClear erases an unfinished progress line.
func ProgressClear() {
	mu.Lock()
	defer mu.Unlock()
	if inProgress {
		_, _ = fmt.Fprint(output, "\r\033[K")
		inProgress = false
	}
}

// clearProgress moves past a progress line before a log record.
func clearProgress() {
	mu.Lock()
	defer mu.Unlock()
	if inProgress {
		_, _ = fmt.Fprintln(output)
		inProgress = false
	}
}

// Verbosity returns the current verbosity level
func Verbosity() int {
	return verbosity
}

func init() {
	output = os.Stderr
	verbosity = LevelQuiet
	logger = newLogger(LevelQuiet, output, settings{})
}
