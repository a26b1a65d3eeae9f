package utils

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogFormat defines the output format for logs
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// StructuredLogger provides leveled logging with context fields on top of zerolog.
type StructuredLogger struct {
	mu              *sync.RWMutex
	zl              zerolog.Logger
	level           *LogLevel
	component       string
	componentLevels map[string]LogLevel
}

// StructuredLoggerConfig holds configuration for the logger
type StructuredLoggerConfig struct {
	Level         LogLevel
	Output        io.Writer
	Format        LogFormat
	IncludeCaller bool
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() *StructuredLoggerConfig {
	return &StructuredLoggerConfig{
		Level:         INFO,
		Output:        os.Stdout,
		Format:        FormatJSON,
		IncludeCaller: false,
	}
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(config *StructuredLoggerConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultStructuredLoggerConfig()
	}
	if config.Level < DEBUG || config.Level > ERROR {
		return nil, fmt.Errorf("invalid log level: %d", config.Level)
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	if config.Format == FormatText {
		out = zerolog.ConsoleWriter{Out: out, NoColor: true, TimeFormat: "2006-01-02 15:04:05.000"}
	}

	ctx := zerolog.New(out).With().Timestamp()
	if config.IncludeCaller {
		ctx = ctx.CallerWithSkipFrameCount(4)
	}

	level := config.Level
	return &StructuredLogger{
		mu:              &sync.RWMutex{},
		zl:              ctx.Logger(),
		level:           &level,
		componentLevels: make(map[string]LogLevel),
	}, nil
}

// NewNopLogger returns a logger that discards everything. Used as the zero-config default.
func NewNopLogger() *StructuredLogger {
	level := ERROR
	return &StructuredLogger{
		mu:              &sync.RWMutex{},
		zl:              zerolog.Nop(),
		level:           &level,
		componentLevels: make(map[string]LogLevel),
	}
}

// WithField returns a new logger with an additional context field
func (sl *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return sl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a new logger with multiple context fields
func (sl *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	child := *sl
	child.zl = sl.zl.With().Fields(fields).Logger()
	if c, ok := fields["component"].(string); ok {
		child.component = c
	}
	return &child
}

// WithComponent returns a logger with a component field
func (sl *StructuredLogger) WithComponent(component string) *StructuredLogger {
	return sl.WithField("component", component)
}

// SetComponentLevel sets the log level for a specific component
func (sl *StructuredLogger) SetComponentLevel(component string, level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.componentLevels[component] = level
}

// SetLevel sets the global log level, shared by every derived logger
func (sl *StructuredLogger) SetLevel(level LogLevel) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	*sl.level = level
}

// GetLevel returns the current log level
func (sl *StructuredLogger) GetLevel() LogLevel {
	sl.mu.RLock()
	defer sl.mu.RUnlock()
	return *sl.level
}

func (sl *StructuredLogger) isEnabled(level LogLevel) bool {
	sl.mu.RLock()
	defer sl.mu.RUnlock()

	if sl.component != "" {
		if compLevel, exists := sl.componentLevels[sl.component]; exists {
			return level >= compLevel
		}
	}
	return level >= *sl.level
}

func (sl *StructuredLogger) log(level LogLevel, message string, fieldMaps ...map[string]interface{}) {
	if !sl.isEnabled(level) {
		return
	}

	event := sl.zl.WithLevel(level.zerolog())
	if len(fieldMaps) > 0 && fieldMaps[0] != nil {
		event = event.Fields(fieldMaps[0])
	}
	event.Msg(message)
}

// Debug logs a debug message
func (sl *StructuredLogger) Debug(message string, fields ...map[string]interface{}) {
	sl.log(DEBUG, message, fields...)
}

// Info logs an info message
func (sl *StructuredLogger) Info(message string, fields ...map[string]interface{}) {
	sl.log(INFO, message, fields...)
}

// Warn logs a warning message
func (sl *StructuredLogger) Warn(message string, fields ...map[string]interface{}) {
	sl.log(WARN, message, fields...)
}

// Error logs an error message
func (sl *StructuredLogger) Error(message string, fields ...map[string]interface{}) {
	sl.log(ERROR, message, fields...)
}

// Debugf logs a formatted debug message
func (sl *StructuredLogger) Debugf(format string, args ...interface{}) {
	sl.log(DEBUG, fmt.Sprintf(format, args...))
}

// Infof logs a formatted info message
func (sl *StructuredLogger) Infof(format string, args ...interface{}) {
	sl.log(INFO, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted warning message
func (sl *StructuredLogger) Warnf(format string, args ...interface{}) {
	sl.log(WARN, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted error message
func (sl *StructuredLogger) Errorf(format string, args ...interface{}) {
	sl.log(ERROR, fmt.Sprintf(format, args...))
}

// Log satisfies the narrow logging-sink contract: log(level, category, message, details).
func (sl *StructuredLogger) Log(level LogLevel, category, message string, details map[string]interface{}) {
	sl.WithComponent(category).log(level, message, details)
}
