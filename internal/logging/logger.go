package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level names accepted in configuration, mirrored from zerolog's own levels.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const (
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config controls logger construction.
type Config struct {
	Level  string
	Format string
}

// New creates a structured logger. JSON by default; pretty console output
// when Format is "pretty" (local development).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelInfo:
		level = zerolog.InfoLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "mailbroker").
		Logger()
}

// Init installs logger as the package-level global zerolog logger, so that
// zerolog/log calls from vendored or copied code reach the same sink.
func Init(logger zerolog.Logger) {
	log.Logger = logger
}

// Error logs an error with contextual fields.
func Error(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// Panic logs a recovered panic with its stack trace. Call from a deferred
// recover() in any long-lived goroutine (session pumps, reaper ticks,
// replication fan-out) so a single bad message can't take the process down.
func Panic(logger zerolog.Logger, panicValue any, msg string, fields map[string]any) {
	stack := string(debug.Stack())
	event := logger.Error().
		Interface("panic_value", panicValue).
		Str("stack_trace", stack)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
