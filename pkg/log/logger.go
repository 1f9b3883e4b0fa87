// Package log provides structured logging for the tunapool services.
// It wraps log/slog with pool-specific field helpers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID stores a request id that WithContext will pick up.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Logger wraps slog.Logger with service metadata and convenience methods.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "json")
}

// WithContext adds the request id carried by ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestID(ctx); id != "" {
		return l.WithFields("request_id", id)
	}
	return l
}

// WithFields returns a logger with additional key/value pairs.
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner tags records with a miner's key hash and id.
func (l *Logger) WithMiner(pkh string, minerID int64) *Logger {
	return l.WithFields("miner_pkh", pkh, "miner_id", minerID)
}

// WithBlock tags records with the puzzle block number being worked on.
func (l *Logger) WithBlock(blockNumber int64) *Logger {
	return l.WithFields("block_number", blockNumber)
}

// WithDatum tags records with a datum submission's transaction hash.
func (l *Logger) WithDatum(txHash string) *Logger {
	return l.WithFields("datum_tx", txHash)
}

// WithError adds err to the record. A nil error is ignored.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs how long an operation took.
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/float64(time.Millisecond),
	)
}

// LogShareBatch logs the outcome of one /submit batch.
func (l *Logger) LogShareBatch(minerID int64, blockNumber int64, submitted, verified, accepted int) {
	l.Info("share batch processed",
		"miner_id", minerID,
		"block_number", blockNumber,
		"submitted", submitted,
		"verified", verified,
		"accepted", accepted,
	)
}

// LogWinningShare logs a share that beats the on-chain target.
func (l *Logger) LogWinningShare(sha string, blockNumber int64, minerID int64, leadingZeroes int, difficultyNumber int64) {
	l.Info("winning share found",
		"sha", sha,
		"block_number", blockNumber,
		"miner_id", minerID,
		"leading_zeroes", leadingZeroes,
		"difficulty_number", difficultyNumber,
	)
}

// LogDatumTransition logs a datum submission changing state.
func (l *Logger) LogDatumTransition(txHash, from, to string) {
	l.Info("datum state changed", "datum_tx", txHash, "from", from, "to", to)
}

// LogPaymentTransition logs a payment batch changing state.
func (l *Logger) LogPaymentTransition(txHash, from, to string, rows int) {
	l.Info("payment state changed", "payment_tx", txHash, "from", from, "to", to, "rows", rows)
}
