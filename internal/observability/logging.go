// Package observability provides structured logging and metrics for the
// pidgin runtime.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// ExperimentIDKey is the context key for the experiment ID.
	ExperimentIDKey ContextKey = "experiment_id"

	// ConversationIDKey is the context key for the conversation ID.
	ConversationIDKey ContextKey = "conversation_id"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// defaultRedactPatterns match API keys that must never reach a log line.
var defaultRedactPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{16,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`AIza[a-zA-Z0-9_-]{30,}`,
	`xai-[a-zA-Z0-9]{32,}`,
	`(?i)(api[_-]?key|token|secret)[\s:=]+["']?([a-zA-Z0-9_\-\.]{16,})["']?`,
}

// Logger wraps slog with API-key redaction and context correlation.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger creates a structured logger. Empty config fields fall back to
// level "info", format "json", output os.Stderr.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(defaultRedactPatterns))
	for _, pattern := range defaultRedactPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// FromEnv builds a logger from LOG_LEVEL and DEBUG environment variables.
func FromEnv() *Logger {
	level := os.Getenv("LOG_LEVEL")
	if os.Getenv("DEBUG") != "" {
		level = "debug"
	}
	return NewLogger(LogConfig{Level: level})
}

// WithFields returns a logger with the given fields on every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), redacts: l.redacts}
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	attrs := make([]any, 0, len(args)+4)

	if id, ok := ctx.Value(ExperimentIDKey).(string); ok && id != "" {
		attrs = append(attrs, "experiment_id", id)
	}
	if id, ok := ctx.Value(ConversationIDKey).(string); ok && id != "" {
		attrs = append(attrs, "conversation_id", id)
	}

	for i, arg := range args {
		if s, ok := arg.(string); ok && i%2 == 1 {
			attrs = append(attrs, l.redact(s))
			continue
		}
		if err, ok := arg.(error); ok {
			attrs = append(attrs, l.redact(err.Error()))
			continue
		}
		attrs = append(attrs, arg)
	}

	l.logger.Log(ctx, level, l.redact(msg), attrs...)
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// stopSource carries the reason a run was asked to stop. It is a
// mutable holder because the source (signal vs stop file) is only known
// at cancellation time, after the context has been handed out.
type stopSource struct {
	mu     sync.Mutex
	source string
}

type stopSourceKey struct{}

// WithStopSource attaches a stop-source holder to the context.
func WithStopSource(ctx context.Context) context.Context {
	return context.WithValue(ctx, stopSourceKey{}, &stopSource{})
}

// MarkStopSource records why the run is stopping. No-op without a
// holder on the context.
func MarkStopSource(ctx context.Context, source string) {
	if s, ok := ctx.Value(stopSourceKey{}).(*stopSource); ok {
		s.mu.Lock()
		s.source = source
		s.mu.Unlock()
	}
}

// StopSource returns the recorded stop reason, or "" when none was
// marked.
func StopSource(ctx context.Context) string {
	s, ok := ctx.Value(stopSourceKey{}).(*stopSource)
	if !ok {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source
}

// WithExperimentID adds the experiment ID to the context.
func WithExperimentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExperimentIDKey, id)
}

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
