package core

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Level ordering for filtering. Fatal always prints and exits.
var levelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
	"FATAL": 4,
}

var loggerInstance Logger = *NewDevelopmentLogger()

// SetLogger sets the global logger instance.
func SetLogger(logger Logger) {
	loggerInstance = logger
}

// GetLogger retrieves the global logger instance.
func GetLogger() *Logger {
	return &loggerInstance
}

// Logger is a small structured logger. Child loggers created via With share
// the parent's handler and carry an immutable attribute set.
type Logger struct {
	handlerFunc func(level string, msg string, attrs map[string]any)
	attrs       map[string]any
	minLevel    int
}

// NewLogger creates a logger backed by a custom handler function.
func NewLogger(handler func(level string, msg string, attrs map[string]any)) *Logger {
	return &Logger{
		handlerFunc: handler,
		attrs:       make(map[string]any),
	}
}

// NewDevelopmentLogger creates a logger with readable console output.
func NewDevelopmentLogger() *Logger {
	handler := func(level string, msg string, attrs map[string]any) {
		timestamp := time.Now().Format(time.RFC3339)
		attrStr := ""
		if len(attrs) > 0 {
			keys := make([]string, 0, len(attrs))
			for k := range attrs {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%v", k, attrs[k]))
			}
			attrStr = " | " + strings.Join(parts, " ")
		}
		logLine := fmt.Sprintf("%s [%s] %s%s\n", timestamp, level, msg, attrStr)
		if level == "FATAL" {
			fmt.Fprint(os.Stderr, logLine)
			os.Exit(1)
		}
		fmt.Print(logLine)
	}

	return &Logger{
		handlerFunc: handler,
		attrs:       make(map[string]any),
	}
}

// SetLevel sets the minimum level emitted by this logger. Unknown names
// fall back to INFO.
func (l *Logger) SetLevel(level string) {
	rank, ok := levelRank[strings.ToUpper(level)]
	if !ok {
		rank = levelRank["INFO"]
	}
	l.minLevel = rank
}

func (l *Logger) log(level string, msg string, args ...any) {
	if l.handlerFunc == nil {
		return
	}
	if levelRank[level] < l.minLevel {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	l.handlerFunc(level, msg, l.attrs)
}

func (l *Logger) Debug(msg string, args ...any) {
	l.log("DEBUG", msg, args...)
}

func (l *Logger) Info(msg string, args ...any) {
	l.log("INFO", msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.log("WARN", msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.log("ERROR", msg, args...)
}

func (l *Logger) Fatal(msg string, args ...any) {
	l.log("FATAL", msg, args...)
}

// With returns a child logger carrying the combined attribute set.
func (l *Logger) With(attrs map[string]any) *Logger {
	combined := make(map[string]any, len(l.attrs)+len(attrs))
	for k, v := range l.attrs {
		combined[k] = v
	}
	for k, v := range attrs {
		combined[k] = v
	}
	return &Logger{
		handlerFunc: l.handlerFunc,
		attrs:       combined,
		minLevel:    l.minLevel,
	}
}
