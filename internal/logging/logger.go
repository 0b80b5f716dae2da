package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every component
const (
	FieldComponent = "component"
	FieldTarget    = "target"
	FieldHost      = "host"
)

// Output formats
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Logger wraps zerolog.Logger
type Logger struct {
	zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string // "json" or "console"
	// Output defaults to stderr; stdout is left to the stream output.
	Output io.Writer
}

// ParseLevel maps a configured level name to a zerolog level
func ParseLevel(name string) (zerolog.Level, error) {
	switch name {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info", "":
		return zerolog.InfoLevel, nil
	case "warn":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("invalid log level: %s", name)
	}
}

// ValidateFormat checks a configured output format
func ValidateFormat(format string) error {
	switch format {
	case FormatJSON, FormatConsole, "":
		return nil
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}
}

// New creates a new logger instance. Unknown levels fall back to info.
func New(cfg Config) *Logger {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	return &Logger{Logger: zerolog.New(output).With().Timestamp().Logger()}
}

// SetGlobal sets the global logger
func SetGlobal(logger *Logger) {
	log.Logger = logger.Logger
}

// Global returns the global logger
func Global() *Logger {
	return &Logger{Logger: log.Logger}
}

// WithComponent creates a child logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithField(FieldComponent, component)
}

// WithTarget tags every entry with a poll target key (host:namespace:class)
func (l *Logger) WithTarget(key string) *Logger {
	return l.WithField(FieldTarget, key)
}

// WithHost tags every entry with the remote host being queried
func (l *Logger) WithHost(host string) *Logger {
	return l.WithField(FieldHost, host)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value any) *Logger {
	ctx := l.Logger.With()
	if s, ok := value.(string); ok {
		ctx = ctx.Str(key, s)
	} else {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{Logger: ctx.Logger()}
}
