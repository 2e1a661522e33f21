// Package logger provides structured logging for pagestore
package logger

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with page-manager-specific functionality. pageEvents
// is shared across every scoped logger derived from the same root (via
// PageManagerLogger/WithFields) so sampling decisions for LogAllocate/
// LogFree stay consistent no matter which handle made the call.
type Logger struct {
	zlog        zerolog.Logger
	sampleEvery uint64
	pageEvents  *atomic.Uint64
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool

	// SampleEvery, if greater than 1, emits only every Nth LogAllocate or
	// LogFree event instead of every one. A page store can move through
	// millions of individual page allocations in a run — several orders
	// of magnitude more than the request-scoped events this logger was
	// originally built to report — so leaving full per-page logging on by
	// default would drown everything else out.
	SampleEvery uint64
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pagestore").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	sampleEvery := cfg.SampleEvery
	if sampleEvery == 0 {
		sampleEvery = 1
	}

	return &Logger{zlog: zlog, sampleEvery: sampleEvery, pageEvents: new(atomic.Uint64)}
}

// Disabled returns a logger that discards everything, used as the nil-safe
// default when a TransactionalMemory is opened without an explicit logger.
func Disabled() *Logger {
	return &Logger{zlog: zerolog.Nop(), sampleEvery: 1, pageEvents: new(atomic.Uint64)}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields, sharing this
// logger's page-event sampling state.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger(), sampleEvery: l.sampleEvery, pageEvents: l.pageEvents}
}

// PageManagerLogger returns a logger scoped to the page-manager component,
// sharing this logger's page-event sampling state.
func (l *Logger) PageManagerLogger() *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "page_manager").
			Logger(),
		sampleEvery: l.sampleEvery,
		pageEvents:  l.pageEvents,
	}
}

// shouldSample reports whether the current allocate/free event should be
// emitted, advancing the shared counter regardless so the decision stays
// evenly spaced across every caller of this logger.
func (l *Logger) shouldSample() bool {
	if l.sampleEvery <= 1 || l.pageEvents == nil {
		return true
	}
	return l.pageEvents.Add(1)%l.sampleEvery == 0
}

// LogOpen logs a mapping being opened, noting whether this call performed
// first-time initialization.
func (l *Logger) LogOpen(path string, pageSize int, initialized bool) {
	l.zlog.Info().
		Str("event", "open").
		Str("path", path).
		Int("page_size", pageSize).
		Bool("initialized_now", initialized).
		Msg("pagestore opened")
}

// LogAllocate logs a successful page allocation, subject to Config's
// SampleEvery.
func (l *Logger) LogAllocate(index uint64) {
	if !l.shouldSample() {
		return
	}
	l.zlog.Debug().
		Str("event", "allocate").
		Uint64("page_index", index).
		Msg("page allocated")
}

// LogFree logs a page being freed, either immediately (uncommitted) or
// queued for the next commit, subject to Config's SampleEvery.
func (l *Logger) LogFree(index uint64, uncommitted bool) {
	if !l.shouldSample() {
		return
	}
	l.zlog.Debug().
		Str("event", "free").
		Uint64("page_index", index).
		Bool("uncommitted", uncommitted).
		Msg("page freed")
}

// LogCommit logs the outcome of Commit, NonDurableCommit, or
// RollbackUncommittedWrites. Unlike LogAllocate/LogFree, commits are
// always logged in full: they are the durability boundary, not a
// high-frequency per-page event, so there is no sampling to apply.
func (l *Logger) LogCommit(kind string, txnID uint64, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("event", kind).
		Uint64("txn_id", txnID).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("event", kind).
			Uint64("txn_id", txnID).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("transactional memory operation completed")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
