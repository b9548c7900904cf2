package logger

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements Logger on a zap.SugaredLogger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

func NewZapLogger(cfg Config) *ZapLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timestampFormat)

	var enc zapcore.Encoder
	if useJSON(cfg) {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var out zapcore.WriteSyncer = zapcore.AddSync(os.Stdout)
	if cfg.Output != nil {
		out = zapcore.AddSync(cfg.Output)
	}

	core := zapcore.NewCore(enc, out, zapLevel(cfg.Level))
	return &ZapLogger{sugar: zap.New(core).Sugar()}
}

func zapLevel(level string) zapcore.Level {
	switch parseLevel(level).String() {
	case "debug":
		return zapcore.DebugLevel
	case "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func (z *ZapLogger) Debug(args ...interface{}) { z.sugar.Debug(args...) }
func (z *ZapLogger) Info(args ...interface{})  { z.sugar.Info(args...) }
func (z *ZapLogger) Warn(args ...interface{})  { z.sugar.Warn(args...) }
func (z *ZapLogger) Error(args ...interface{}) { z.sugar.Error(args...) }
func (z *ZapLogger) Fatal(args ...interface{}) { z.sugar.Fatal(args...) }

func (z *ZapLogger) Debugf(format string, args ...interface{}) { z.sugar.Debugf(format, args...) }
func (z *ZapLogger) Infof(format string, args ...interface{})  { z.sugar.Infof(format, args...) }
func (z *ZapLogger) Warnf(format string, args ...interface{})  { z.sugar.Warnf(format, args...) }
func (z *ZapLogger) Errorf(format string, args ...interface{}) { z.sugar.Errorf(format, args...) }
func (z *ZapLogger) Fatalf(format string, args ...interface{}) { z.sugar.Fatalf(format, args...) }

func (z *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	return &ZapLogger{sugar: z.sugar.With(kv...)}
}

func (z *ZapLogger) WithContext(ctx context.Context) Logger {
	return z.WithFields(contextFields(ctx))
}

func (z *ZapLogger) WithComponent(component string) Logger {
	return &ZapLogger{sugar: z.sugar.With(zap.String("component", component))}
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	if err := z.sugar.Sync(); err != nil {
		return fmt.Errorf("sync zap logger: %w", err)
	}
	return nil
}
