package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"firestore-harness/internal/shared/contextkeys"

	"github.com/sirupsen/logrus"
)

const (
	FormatJSON = "json"
	FormatText = "text"

	BackendLogrus = "logrus"
	BackendZap    = "zap"

	timestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

// Logger is the structured logger used across the harness.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Fatal(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
	WithComponent(component string) Logger
}

// Config selects the backend, level and output format of a Logger.
type Config struct {
	Level       string
	Format      string
	Backend     string
	Environment string
	Output      io.Writer
}

// New builds a Logger from cfg. Unknown levels fall back to info.
func New(cfg Config) Logger {
	if strings.EqualFold(cfg.Backend, BackendZap) {
		return NewZapLogger(cfg)
	}
	return NewLogrusLogger(cfg)
}

// NewLogger builds a logger from LOG_LEVEL, LOG_FORMAT, LOG_BACKEND and ENVIRONMENT.
func NewLogger() Logger {
	return New(Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
		Backend:     os.Getenv("LOG_BACKEND"),
		Environment: os.Getenv("ENVIRONMENT"),
	})
}

// LogrusLogger implements Logger on top of logrus.
type LogrusLogger struct {
	entry *logrus.Entry
}

func NewLogrusLogger(cfg Config) *LogrusLogger {
	l := logrus.New()
	l.SetLevel(parseLevel(cfg.Level))
	if useJSON(cfg) {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "timestamp",
				logrus.FieldKeyMsg:  "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}
	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stdout)
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *LogrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *LogrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *LogrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *LogrusLogger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

func (l *LogrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *LogrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *LogrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *LogrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *LogrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *LogrusLogger) WithFields(fields map[string]interface{}) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithContext copies the harness context keys that are set into log fields.
func (l *LogrusLogger) WithContext(ctx context.Context) Logger {
	return &LogrusLogger{entry: l.entry.WithFields(logrus.Fields(contextFields(ctx)))}
}

func (l *LogrusLogger) WithComponent(component string) Logger {
	return &LogrusLogger{entry: l.entry.WithField("component", component)}
}

var contextFieldNames = []struct {
	key  interface{}
	name string
}{
	{contextkeys.RunIDKey, "run_id"},
	{contextkeys.RequestIDKey, "request_id"},
	{contextkeys.ComponentKey, "component"},
	{contextkeys.OperationKey, "operation"},
	{contextkeys.CollectionKey, "collection"},
	{contextkeys.SubjectKey, "subject"},
}

func contextFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if ctx == nil {
		return fields
	}
	for _, f := range contextFieldNames {
		if s, ok := ctx.Value(f.key).(string); ok && s != "" {
			fields[f.name] = s
		}
	}
	return fields
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func useJSON(cfg Config) bool {
	env := strings.ToLower(cfg.Environment)
	return strings.EqualFold(cfg.Format, FormatJSON) || env == "production" || env == "prod"
}

// NewNopLogger returns a logger that discards everything. Used by tests.
func NewNopLogger() Logger {
	return NewLogrusLogger(Config{Output: io.Discard, Level: "error"})
}

var defaultLogger Logger = NewLogger()

// SetDefault replaces the package-level logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the package-level logger.
func Default() Logger { return defaultLogger }

func Debugf(format string, args ...interface{}) { defaultLogger.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { defaultLogger.Errorf(format, args...) }

func WithComponent(component string) Logger  { return defaultLogger.WithComponent(component) }
func WithContext(ctx context.Context) Logger { return defaultLogger.WithContext(ctx) }
