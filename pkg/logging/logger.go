package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"split-dns/pkg/config"
)

// Logger wraps slog.Logger with a level that can be changed at runtime
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

// New creates a new logger from configuration
func New(cfg *config.LoggingConfig) (*Logger, error) {
	var (
		output io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output, closer = f, f
	default:
		output = os.Stdout
	}

	l := NewWithWriter(cfg, output)
	l.closer = closer
	return l, nil
}

// NewWithWriter builds a logger that writes to w, ignoring cfg.Output
func NewWithWriter(cfg *config.LoggingConfig, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Level))

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	case "console":
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.StampMilli,
			NoColor:    !isTerminal(w),
		})
	default:
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	}

	return &Logger{Logger: slog.New(handler), level: level}
}

// NewDefault creates a logger with info level, text format, stdout
func NewDefault() *Logger {
	return NewWithWriter(&config.LoggingConfig{Level: "info", Format: "text"}, os.Stdout)
}

// SetLevel changes the minimum level of this logger and every logger derived from it
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// WithField creates a new logger with an additional field.
// The derived logger shares the level of its parent.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{Logger: l.Logger.With(key, value), level: l.level}
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Global logger instance
var global = NewDefault()

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	global = logger
	slog.SetDefault(logger.Logger)
}

// Global returns the global logger
func Global() *Logger {
	return global
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	global.Debug(msg, args...)
}

// Info logs an info message
func Info(msg string, args ...any) {
	global.Info(msg, args...)
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	global.Warn(msg, args...)
}

// Error logs an error message
func Error(msg string, args ...any) {
	global.Error(msg, args...)
}
