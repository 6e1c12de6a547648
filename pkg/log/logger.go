// Package log provides structured logging utilities for the ghostpool daemon.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
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

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a config string to a slog level, defaulting to info
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

type contextKey string

// SessionKey carries the stratum session id through request contexts
const SessionKey contextKey = "session_id"

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if sessionID := ctx.Value(SessionKey); sessionID != nil {
		return l.WithFields("session_id", sessionID)
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

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(address, worker string) *Logger {
	return l.WithFields("miner_address", address, "worker_name", worker)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID, hash string) *Logger {
	return l.WithFields("job_id", jobID, "pre_pow_hash", hash)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction string, message []byte) {
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	l.Debug("stratum message",
		"direction", direction,
		"message", string(message),
	)
}

// LogShareSubmission logs a share verdict at debug level; rejected shares
// are logged at info.
func (l *Logger) LogShareSubmission(address, jobID, difficulty, status string) {
	level := slog.LevelDebug
	if status != "accepted" {
		level = slog.LevelInfo
	}
	l.Log(context.Background(), level, "share submission",
		"miner_address", address,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs a block accepted by the node
func (l *Logger) LogBlockFound(blockHash string, contributors int) {
	l.Info("Block has been successfully submitted to the network",
		"block_hash", blockHash,
		"contributors", contributors,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID, hash string, subscribers, pruned int) {
	l.Debug("job distributed",
		"job_id", jobID,
		"pre_pow_hash", hash,
		"subscribers", subscribers,
		"pruned", pruned,
	)
}

// LogDistribution logs the start of a reward distribution cycle
func (l *Logger) LogDistribution(amount int64, contributors int) {
	l.Info("Coinbase is getting distributed into contributors",
		"amount", amount,
		"contributors", contributors,
	)
}

// LogPayments logs transactions sent to miners over the payout threshold
func (l *Logger) LogPayments(hashes []string) {
	l.Info("Reward threshold exceeded by miner(s), individual rewards sent",
		"transactions", hashes,
		"count", len(hashes),
	)
}
