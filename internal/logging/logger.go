package logging

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/courier/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var (
	baseMu sync.RWMutex
	base   = mustBuild("production")
)

func mustBuild(env string) *zap.Logger {
	zl, err := build(env)
	if err != nil {
		return zap.NewNop()
	}
	return zl
}

func build(env string) (*zap.Logger, error) {
	var cfg zap.Config
	if env == "dev" || env == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return cfg.Build(zap.AddCaller(), zap.AddCallerSkip(2))
}

// Init replaces the process-wide zap core. Call once from main.
func Init(env string) error {
	zl, err := build(env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	baseMu.Lock()
	base = zl
	baseMu.Unlock()
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

func currentBase() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger // nil means the process-wide logger
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{service: service}
}

// NewWithZap binds the logger to a specific zap logger instead of the
// process-wide one.
func NewWithZap(service string, zl *zap.Logger) *Logger {
	return &Logger{service: service, zl: zl}
}

func (l *Logger) core() *zap.Logger {
	if l.zl != nil {
		return l.zl
	}
	return currentBase()
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Service: l.service,
		Fields:  make(map[string]any),
		zl:      l.core(),
	}
}

// LogEntry accumulates structured fields until one of the level methods
// writes it.
type LogEntry struct {
	Level    LogLevel
	Message  string
	Service  string
	TraceID  string
	RecordID string
	Channel  string
	CycleID  string
	Fields   map[string]any

	zl *zap.Logger
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithRecord sets the delivery record ID for the log entry
func (e *LogEntry) WithRecord(recordID string) *LogEntry {
	e.RecordID = recordID
	return e
}

// WithChannel sets the delivery channel for the log entry
func (e *LogEntry) WithChannel(channel string) *LogEntry {
	e.Channel = channel
	return e
}

// WithCycle tags the entry with the scheduler cycle it belongs to
func (e *LogEntry) WithCycle(cycleID string) *LogEntry {
	e.CycleID = cycleID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.log(LevelDebug, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) { e.log(LevelInfo, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) { e.log(LevelWarn, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.log(LevelFatal, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) { e.log(LevelFatal, fmt.Sprintf(format, args...)) }

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message

	zl := e.zl
	if zl == nil {
		zl = currentBase()
	}
	fields := e.zapFields()
	switch level {
	case LevelDebug:
		zl.Debug(message, fields...)
	case LevelInfo:
		zl.Info(message, fields...)
	case LevelWarn:
		zl.Warn(message, fields...)
	case LevelError:
		zl.Error(message, fields...)
	case LevelFatal:
		zl.Fatal(message, fields...)
	}
}

func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, 5+len(e.Fields))
	if e.Service != "" {
		fields = append(fields, zap.String("service", e.Service))
	}
	if e.TraceID != "" {
		fields = append(fields, zap.String("trace_id", e.TraceID))
	}
	if e.RecordID != "" {
		fields = append(fields, zap.String("record_id", e.RecordID))
	}
	if e.Channel != "" {
		fields = append(fields, zap.String("channel", e.Channel))
	}
	if e.CycleID != "" {
		fields = append(fields, zap.String("cycle_id", e.CycleID))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

// Global convenience functions

var (
	defaultMu     sync.RWMutex
	defaultLogger = New("courier")
)

func getDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return getDefault().WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return getDefault().WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return getDefault().Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultMu.Lock()
	defaultLogger = New(service)
	defaultMu.Unlock()
}
