// Package log provides structured logging for powreward.
// It wraps log/slog with fields used across the reward pipeline.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with service context and domain helpers
type Logger struct {
	*slog.Logger
	service string
	version string
}

type contextKey string

const runIDKey contextKey = "run_id"

// ContextWithRunID tags ctx with the identifier of a batch run
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext returns the batch run identifier stored in ctx, if any
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey).(string)
	return id, ok
}

// New creates a logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithContext returns a logger carrying the run identifier found in ctx
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := RunIDFromContext(ctx); ok {
		return l.WithFields("run_id", id)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithParticipant returns a logger scoped to one participant
func (l *Logger) WithParticipant(participantID string) *Logger {
	return l.WithFields("participant_id", participantID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogReward logs a computed, non-slashed reward
func (l *Logger) LogReward(participantID string, amount float64, phase int64, windows int, hashRate float64) {
	l.Info("reward computed",
		"participant_id", participantID,
		"reward_amount", amount,
		"phase", phase,
		"window_count", windows,
		"total_hash_rate", hashRate,
	)
}

// LogSlash logs a participant whose balance was slashed
func (l *Logger) LogSlash(participantID string, priorBalance, slashedBalance float64, windows int) {
	l.Warn("participant slashed",
		"participant_id", participantID,
		"prior_balance", priorBalance,
		"slashed_balance", slashedBalance,
		"window_count", windows,
	)
}

// LogBatch logs the summary of a finished batch run
func (l *Logger) LogBatch(periodEnd time.Time, succeeded, slashed, failed int, duration time.Duration) {
	l.Info("batch completed",
		"period_end", periodEnd.UTC().Format(time.RFC3339),
		"succeeded", succeeded,
		"slashed", slashed,
		"failed", failed,
		"duration_ms", duration.Milliseconds(),
	)
}
