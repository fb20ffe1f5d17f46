// Package logger wraps zap behind the scope/message/fields calling
// convention the rest of the engine uses, so call sites never touch zap
// directly.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log levels.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger wraps a zap.Logger with a fixed service name.
type Logger struct {
	z       *zap.Logger
	service string
}

var globalLogger *Logger

// Init initializes the global logger. Events still flow through the event
// stream for UI display; this log is for operators and audit trails only.
func Init(logPath string, level Level, serviceName string) error {
	logDir := filepath.Dir(logPath)
	var ws zapcore.WriteSyncer
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to create log directory %s: %v\n", logDir, err)
			fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
			ws = zapcore.AddSync(os.Stdout)
			globalLogger = newLogger(ws, level, serviceName)
			return nil
		}
	}

	file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to open log file %s: %v\n", logPath, err)
		fmt.Fprintf(os.Stderr, "Logging to stdout only\n")
		ws = zapcore.AddSync(os.Stdout)
		globalLogger = newLogger(ws, level, serviceName)
		return nil
	}

	ws = zapcore.AddSync(file)
	globalLogger = newLogger(ws, level, serviceName)
	return nil
}

func newLogger(ws zapcore.WriteSyncer, level Level, serviceName string) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, level.zapLevel())
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	return &Logger{z: z, service: serviceName}
}

func toFields(scope string, ctx map[string]interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)+1)
	fields = append(fields, zap.String("scope", scope))
	for k, v := range ctx {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}

func (l *Logger) log(level Level, scope string, msg string, ctx map[string]interface{}) {
	fields := toFields(scope, ctx)
	if l.service != "" {
		fields = append(fields, zap.String("service", l.service))
	}
	switch level {
	case DEBUG:
		l.z.Debug(msg, fields...)
	case WARN:
		l.z.Warn(msg, fields...)
	case ERROR:
		l.z.Error(msg, fields...)
	default:
		l.z.Info(msg, fields...)
	}
}

// Info logs at INFO level under scope, with optional structured fields.
func Info(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(INFO, scope, msg, getCtx(args))
}

// Error logs at ERROR level under scope, with optional structured fields.
func Error(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(ERROR, scope, msg, getCtx(args))
}

// Debug logs at DEBUG level under scope, with optional structured fields.
func Debug(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(DEBUG, scope, msg, getCtx(args))
}

// Warn logs at WARN level under scope, with optional structured fields.
func Warn(scope string, msg string, args ...map[string]interface{}) {
	if globalLogger == nil {
		return
	}
	globalLogger.log(WARN, scope, msg, getCtx(args))
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if globalLogger == nil {
		return
	}
	_ = globalLogger.z.Sync()
}

func getCtx(args []map[string]interface{}) map[string]interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return nil
}
