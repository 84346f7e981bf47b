package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel names a logging threshold.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// LogConfig holds the logging configuration
type LogConfig struct {
	Level      LogLevel `json:"level"`
	Format     string   `json:"format"` // "json" or "text"
	Output     string   `json:"output"` // "stdout", "stderr", or file path
	Rotation   bool     `json:"rotation"`
	MaxSize    int      `json:"max_size"` // MB
	MaxBackups int      `json:"max_backups"`
	MaxAge     int      `json:"max_age"` // days
	Compress   bool     `json:"compress"`
}

// DefaultLogConfig returns the default logging configuration
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:      InfoLevel,
		Format:     "json",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// NewLogConfig builds a LogConfig from the string settings carried by config.Config.
// File outputs are always rotated.
func NewLogConfig(level, format, output string) *LogConfig {
	cfg := DefaultLogConfig()
	cfg.Level = LogLevel(strings.ToLower(level))
	if format != "" {
		cfg.Format = format
	}
	if output != "" {
		cfg.Output = output
	}
	cfg.Rotation = cfg.Output != "stdout" && cfg.Output != "stderr"
	return cfg
}

// Logger is the process-wide logrus logger. It also serves as the asynq server logger.
type Logger struct {
	*logrus.Logger
}

// NewLogger creates a logger. Unknown levels fall back to info.
func NewLogger(config *LogConfig) (*Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	out, err := openOutput(config)
	if err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(string(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(newFormatter(config.Format))
	logger.SetOutput(out)
	logger.SetReportCaller(true)

	return &Logger{Logger: logger}, nil
}

func newFormatter(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true}
	}
	return &logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
			logrus.FieldKeyFunc:  "function",
			logrus.FieldKeyFile:  "file",
		},
	}
}

func openOutput(config *LogConfig) (io.Writer, error) {
	switch config.Output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	if config.Rotation {
		return &lumberjack.Logger{
			Filename:   config.Output,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}, nil
	}

	file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// ContextualLogger is a log entry carrying the correlation id, trace ids and whatever task
// fields were added along the way. The logrus level methods write through it directly.
type ContextualLogger struct {
	*logrus.Entry
}

// WithContext starts an entry tagged with the correlation and trace ids found in ctx.
func (l *Logger) WithContext(ctx context.Context) *ContextualLogger {
	fields := logrus.Fields{}

	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		fields["correlation_id"] = correlationID
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}

	return &ContextualLogger{Entry: l.Logger.WithFields(fields)}
}

// WithFields returns a child entry; the receiver is not modified.
func (cl *ContextualLogger) WithFields(fields map[string]interface{}) *ContextualLogger {
	return &ContextualLogger{Entry: cl.Entry.WithFields(fields)}
}

func (cl *ContextualLogger) WithField(key string, value interface{}) *ContextualLogger {
	return &ContextualLogger{Entry: cl.Entry.WithField(key, value)}
}

func (cl *ContextualLogger) WithError(err error) *ContextualLogger {
	return &ContextualLogger{Entry: cl.Entry.WithError(err)}
}

// Fields returns a copy of the accumulated fields.
func (cl *ContextualLogger) Fields() map[string]interface{} {
	out := make(map[string]interface{}, len(cl.Data))
	for k, v := range cl.Data {
		out[k] = v
	}
	return out
}

type correlationIDKey struct{}

// WithCorrelationID adds a correlation ID to the context, generating one when empty.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

var globalLogger *Logger

// InitGlobalLogger replaces the global logger with one built from config.
func InitGlobalLogger(config *LogConfig) error {
	logger, err := NewLogger(config)
	if err != nil {
		return err
	}
	globalLogger = logger
	return nil
}

// SetGlobalLogger replaces the global logger. Tests use it to capture output.
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// GetGlobalLogger returns the global logger, creating a default one on first use.
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		logger, _ := NewLogger(DefaultLogConfig())
		globalLogger = logger
	}
	return globalLogger
}

// LogFromContext creates a contextual logger from context
func LogFromContext(ctx context.Context) *ContextualLogger {
	return GetGlobalLogger().WithContext(ctx)
}
