package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel controls the minimum severity that is emitted.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat selects between machine-readable and console output.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// NewLogger creates a structured logger for the given service name.
//
// JSON output is the default; the pretty format writes a console-friendly
// rendering for local development.
func NewLogger(service string, level LogLevel, format LogFormat) zerolog.Logger {
	var output io.Writer = os.Stdout

	var lvl zerolog.Level
	switch level {
	case LogLevelDebug:
		lvl = zerolog.DebugLevel
	case LogLevelInfo:
		lvl = zerolog.InfoLevel
	case LogLevelWarn:
		lvl = zerolog.WarnLevel
	case LogLevelError:
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and keeps the process
// running. Use in defer blocks of long-lived goroutines.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("Goroutine panic recovered")
	}
}
