package plog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Custom log levels. NOTICE sits between DEBUG and INFO and carries the
// per-file action lines (COPY, RENAME, DEL, ...).
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

var levelNames = map[slog.Level]string{
	LevelDebug:  "DEBUG",
	LevelNotice: "NOTICE",
	LevelInfo:   "INFO",
	LevelWarn:   "WARN",
	LevelError:  "ERROR",
}

// LevelFromString parses a case-insensitive level name.
func LevelFromString(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "notice":
		return LevelNotice, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
}

// replaceLevelName renders custom levels by name instead of "DEBUG+2".
func replaceLevelName(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[lvl]; ok {
				a.Value = slog.StringValue(name)
			}
		}
	}
	return a
}

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// fanoutHandler sends every record to all of its handlers. It is used to
// mirror console output into a log file.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: hs}
}

func (f *fanoutHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &fanoutHandler{handlers: hs}
}

var (
	mu            sync.Mutex
	level         = new(slog.LevelVar)
	consoleHandle slog.Handler
	logFile       *os.File
	defaultLogger *slog.Logger
)

// SetOutput allows redirecting the logger's output, primarily for testing.
// All levels are written to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	consoleHandle = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelName})
	rebuildLocked()
}

// SetLevel sets the minimum level for all log output.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// EnableFileOutput appends every log record to the file at path in addition to
// the console. Call CloseFileOutput to release it.
func EnableFileOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("could not open log file %s: %w", path, err)
	}
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	rebuildLocked()
	return nil
}

// CloseFileOutput stops writing to the log file opened by EnableFileOutput.
func CloseFileOutput() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	rebuildLocked()
	return err
}

func rebuildLocked() {
	if logFile == nil {
		defaultLogger = slog.New(consoleHandle)
		return
	}
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevelName})
	defaultLogger = slog.New(&fanoutHandler{handlers: []slog.Handler{consoleHandle, fileHandler}})
}

func logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultLogger
}

func init() {
	level.Set(LevelInfo)

	// Handler for info-level logs (and below) to stdout
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceLevelName,
	})

	// Handler for warning/error-level logs to stderr
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       slog.LevelWarn,
		ReplaceAttr: replaceLevelName,
	})

	consoleHandle = &LevelDispatchHandler{
		stdoutHandler: stdoutHandler,
		stderrHandler: stderrHandler,
	}
	rebuildLocked()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logger().Debug(msg, args...)
}

// Notice logs a per-item action message.
func Notice(msg string, args ...any) {
	logger().Log(context.Background(), LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	logger().Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logger().Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logger().Error(msg, args...)
}
