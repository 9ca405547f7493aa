package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents the severity of a log message
type Level int

const (
	// DEBUG level for detailed troubleshooting information
	DEBUG Level = iota
	// INFO level for general operational information
	INFO
	// WARN level for non-critical issues
	WARN
	// ERROR level for error conditions
	ERROR
	// FATAL level for critical errors that prevent operation
	FATAL
)

var (
	mu           sync.RWMutex
	currentLevel = INFO
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags)
)

// SetLevel sets the current logging level
func SetLevel(level Level) {
	mu.Lock()
	currentLevel = level
	mu.Unlock()
}

// SetOutput redirects log output, mainly used by tests
func SetOutput(w io.Writer) {
	mu.Lock()
	stdLogger.SetOutput(w)
	mu.Unlock()
}

// IsLevelEnabled reports whether messages at the given level are emitted
func IsLevelEnabled(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return level >= currentLevel
}

// LevelFromString converts a string level to a Level, defaulting to INFO
func LevelFromString(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func logMessage(level Level, prefix, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if prefix != "" {
		stdLogger.Printf("[%s] [%s] %s", level, prefix, msg)
		return
	}
	stdLogger.Printf("[%s] %s", level, msg)
}

// Debug logs a debug message
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, "", format, v...)
}

// Info logs an informational message
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, "", format, v...)
}

// Warn logs a warning message
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, "", format, v...)
}

// Error logs an error message
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, "", format, v...)
}

// Fatal logs a fatal message and exits
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, "", format, v...)
	os.Exit(1)
}

// ComponentLogger prefixes every message with a component name, so
// long-running subsystems (affinity sweeper, dialer, portal) can be
// filtered in combined output.
type ComponentLogger struct {
	name string
}

// Component returns a logger scoped to the given subsystem name.
func Component(name string) *ComponentLogger {
	return &ComponentLogger{name: name}
}

// Debug logs a debug message with the component prefix
func (c *ComponentLogger) Debug(format string, v ...any) {
	logMessage(DEBUG, c.name, format, v...)
}

// Info logs an informational message with the component prefix
func (c *ComponentLogger) Info(format string, v ...any) {
	logMessage(INFO, c.name, format, v...)
}

// Warn logs a warning message with the component prefix
func (c *ComponentLogger) Warn(format string, v ...any) {
	logMessage(WARN, c.name, format, v...)
}

// Error logs an error message with the component prefix
func (c *ComponentLogger) Error(format string, v ...any) {
	logMessage(ERROR, c.name, format, v...)
}
