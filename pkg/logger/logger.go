package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel constants
const (
	LogLevelError = "error"
	LogLevelWarn  = "warn"
	LogLevelInfo  = "info"
	LogLevelDebug = "debug"
	LogLevelTrace = "trace"
)

// LoggingConfig represents the logging configuration
type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	File    string `yaml:"file" json:"file"`
	MaxSize int    `yaml:"max_size" json:"max_size"`
	MaxAge  int    `yaml:"max_age" json:"max_age"`
}

// Global logging configuration
var GlobalLogging *LoggingConfig

var std = logrus.New()

func init() {
	std.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	std.SetLevel(logrus.InfoLevel)
}

// Logger wraps a logrus logger with the gateway's verbosity levels
type Logger struct {
	*logrus.Logger
	level string
}

// parseLevel maps the config level string onto a logrus level.
// "trace" and "debug" are distinct here even though both are chatty.
func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case LogLevelError:
		return logrus.ErrorLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelInfo:
		return logrus.InfoLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// NewLogger creates a new logger with verbosity level
func NewLogger(config *LoggingConfig) *Logger {
	level := strings.ToLower(config.Level)
	if level == "" {
		level = LogLevelInfo // Default to INFO
	}

	// Set log output
	var output io.Writer = os.Stdout
	if config.File != "" {
		// Use 0600 permissions (owner read/write only) for security
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			std.Warnf("Failed to open log file %s: %v", config.File, err)
		} else {
			output = f
		}
	}

	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	l.SetOutput(output)
	l.SetLevel(parseLevel(level))

	// The global helpers follow the same configuration
	std.SetOutput(output)
	std.SetLevel(parseLevel(level))
	GlobalLogging = config

	return &Logger{
		Logger: l,
		level:  level,
	}
}

// Error logs error messages
func (l *Logger) Error(format string, args ...interface{}) {
	l.Errorf("❌ "+format, args...)
}

// Warn logs warning messages
func (l *Logger) Warn(format string, args ...interface{}) {
	l.Warnf("⚠️ "+format, args...)
}

// Info logs info messages
func (l *Logger) Info(format string, args ...interface{}) {
	l.Infof("ℹ️ "+format, args...)
}

// Debug logs debug messages
func (l *Logger) Debug(format string, args ...interface{}) {
	l.Debugf("🔧 "+format, args...)
}

// Trace logs trace messages
func (l *Logger) Trace(format string, args ...interface{}) {
	l.Tracef("🔍 "+format, args...)
}

// LogStartup logs startup messages that should always be visible regardless of log level
func LogStartup(format string, args ...interface{}) {
	std.Infof("🔧 "+format, args...)
}

// Helper functions for global logging
func LogError(format string, args ...interface{}) {
	std.Errorf("❌ "+format, args...)
}

func LogWarn(format string, args ...interface{}) {
	std.Warnf("⚠️ "+format, args...)
}

func LogInfo(format string, args ...interface{}) {
	std.Infof("ℹ️ "+format, args...)
}

func LogDebug(format string, args ...interface{}) {
	std.Debugf("🔧 "+format, args...)
}

func LogTrace(format string, args ...interface{}) {
	std.Tracef("🔍 "+format, args...)
}

// IsDebugEnabled checks if debug logging is enabled
func IsDebugEnabled() bool {
	return std.IsLevelEnabled(logrus.DebugLevel)
}

// IsTraceEnabled checks if trace logging is enabled
func IsTraceEnabled() bool {
	return std.IsLevelEnabled(logrus.TraceLevel)
}
