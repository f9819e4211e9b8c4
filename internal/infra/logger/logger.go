// Package logger is a centralized wrapper around zap for the whole service.
// It initializes the logging level and formatting and allows redirecting the
// output streams at runtime. Uses zap.AtomicLevel for dynamic level changes
// and a mutex for thread safety.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// mu guards concurrent access to the global logger state.
	mu sync.Mutex
	// log holds the current zap.Logger instance used across the service.
	log *zap.Logger
	// logLevel allows changing the level dynamically without rebuilding the core.
	logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	// encoderCfg holds the message formatting settings.
	encoderCfg = defaultEncoderConfig()
	// stdoutWriter is the target stream for regular logs.
	stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	// stderrWriter is the target stream for the logger's own error output.
	stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
)

// defaultEncoderConfig builds a JSON encoder suitable for container log
// collection (stdout, one JSON object per line).
func defaultEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// rebuildLoggerLocked rebuilds the global logger with the current stream and
// level settings. Caller must already hold mu. AddCallerSkip(1) hides the
// logger.* wrappers from the call stack. The previous logger is synced first
// to flush its buffers.
func rebuildLoggerLocked() {
	encoder := zapcore.NewJSONEncoder(encoderCfg)
	core := zapcore.NewCore(encoder, stdoutWriter, logLevel)
	if log != nil {
		_ = log.Sync()
	}
	log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.ErrorOutput(stderrWriter))
}

// Init initializes the global zap logger and sets its level.
// Recognized levels: debug, info (default), warn, error. Case-insensitive.
func Init(level string) {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(level) {
	case "debug":
		logLevel.SetLevel(zap.DebugLevel)
	case "warn":
		logLevel.SetLevel(zap.WarnLevel)
	case "error":
		logLevel.SetLevel(zap.ErrorLevel)
	default:
		logLevel.SetLevel(zap.InfoLevel)
	}
	encoderCfg = defaultEncoderConfig()
	rebuildLoggerLocked()
}

// SetWriters redirects the logger's output streams and rebuilds the core.
// Safe to call at runtime. Nil means stdout/stderr defaults.
func SetWriters(stdout, stderr io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	if stdout == nil {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(os.Stdout))
	} else {
		stdoutWriter = zapcore.Lock(zapcore.AddSync(stdout))
	}
	if stderr == nil {
		stderrWriter = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		stderrWriter = zapcore.Lock(zapcore.AddSync(stderr))
	}

	rebuildLoggerLocked()
}

// Logger returns the current zap.Logger, lazily building it on first use.
// Returns the raw (non-sugared) API; prefer passing structured zap.Field.
func Logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	if log == nil {
		rebuildLoggerLocked()
	}
	return log
}

// IsDebugEnabled reports whether the debug level is currently enabled.
func IsDebugEnabled() bool {
	return Logger().Level() <= zap.DebugLevel
}

// Debug logs a structured message at Debug level.
func Debug(msg string, fields ...zap.Field) { Logger().Debug(msg, fields...) }

// Info logs a structured message at Info level.
func Info(msg string, fields ...zap.Field) { Logger().Info(msg, fields...) }

// Warn logs a structured message at Warn level.
func Warn(msg string, fields ...zap.Field) { Logger().Warn(msg, fields...) }

// Error logs a structured message at Error level.
func Error(msg string, fields ...zap.Field) { Logger().Error(msg, fields...) }

// Fatal logs a structured message at Fatal level and terminates the process.
func Fatal(msg string, fields ...zap.Field) {
	Logger().Fatal(msg, fields...)
	_ = Logger().Sync()
	os.Exit(1)
}

// Debugf formats a message via fmt.Sprintf. Use sparingly on hot paths;
// structured fields avoid the allocation.
func Debugf(msg string, a ...any) { Logger().Debug(fmt.Sprintf(msg, a...)) }

// Infof formats a message via fmt.Sprintf.
func Infof(msg string, a ...any) { Logger().Info(fmt.Sprintf(msg, a...)) }

// Warnf formats a message via fmt.Sprintf.
func Warnf(msg string, a ...any) { Logger().Warn(fmt.Sprintf(msg, a...)) }

// Errorf formats a message via fmt.Sprintf.
func Errorf(msg string, a ...any) { Logger().Error(fmt.Sprintf(msg, a...)) }
